package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"neobridge/internal/domain"
	"neobridge/internal/ipc"
)

// ServerConfig holds the transport listener settings.
type ServerConfig struct {
	// Listen is the TCP address workers connect to.
	Listen string
	// HeartbeatInterval and MaxFrameBytes are handed to each session.
	HeartbeatInterval time.Duration
	MaxFrameBytes     int
	// AcceptRate / AcceptBurst throttle the accept loop; zero rate
	// disables throttling.
	AcceptRate  float64
	AcceptBurst int
}

// Server accepts worker connections and hands each one to a new session
// wired with the gateway-side frame handlers.
type Server struct {
	cfg      ServerConfig
	registry *Registry
	bus      domain.EventBus
	logger   *slog.Logger
	limiter  *rate.Limiter

	mu       sync.Mutex
	listener net.Listener
	sessions map[*ipc.Session]struct{}
}

// NewServer creates a server feeding registrations into registry. bus may
// be nil.
func NewServer(cfg ServerConfig, registry *Registry, bus domain.EventBus, logger *slog.Logger) *Server {
	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := cfg.AcceptBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		bus:      bus,
		logger:   logger,
		limiter:  limiter,
		sessions: make(map[*ipc.Session]struct{}),
	}
}

// Listen binds the TCP listener. Separate from Serve so callers can learn
// the bound address before serving (tests listen on port 0).
func (s *Server) Listen() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return nil, domain.WrapOp("Server.Listen", err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return ln.Addr(), nil
}

// Serve runs the accept loop until ctx is cancelled or the listener closes.
// Connection-level failures never propagate out of their session.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if _, err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return nil
			}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.handleConn(ctx, conn)
	}
}

// Close stops the listener and tears down every live session.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.listener
	live := make([]*ipc.Session, 0, len(s.sessions))
	for sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	for _, sess := range live {
		sess.CloseWithReason(domain.NewDomainError("Server.Close", domain.ErrSessionClosed, "gateway shutdown"))
	}
}

// SessionCount reports live sessions, for introspection and tests.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	hooks := ipc.SessionHooks{
		OnRegister: s.onRegister,
		OnRequest:  s.onRequest,
		OnClose:    s.onClose,
	}
	session := ipc.NewSession(conn, ipc.SessionConfig{
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		MaxFrameBytes:     s.cfg.MaxFrameBytes,
		EchoHeartbeat:     true,
	}, hooks, s.logger)

	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("connection accepted", "remote", conn.RemoteAddr().String())
	session.Start(ctx)
}

func (s *Server) onRegister(ctx context.Context, session *ipc.Session, msg domain.Message) {
	reg, err := domain.DecodeRegistration(msg.Payload)
	if err != nil {
		s.logger.Warn("rejecting malformed registration", "error", err)
		session.CloseWithReason(err)
		return
	}
	if err := s.registry.Register(ctx, reg, session); err != nil {
		s.logger.Warn("registration refused", "service", reg.Name, "error", err)
		_ = session.Send(domain.Message{
			Kind:    domain.KindError,
			Service: reg.Name,
			Payload: domain.EncodeErrorPayload(err),
		})
		session.CloseWithReason(err)
	}
}

// onRequest handles Request frames arriving at the gateway. Workers never
// send requests upstream in this protocol, so these are violations.
func (s *Server) onRequest(_ context.Context, session *ipc.Session, msg domain.Message) {
	s.logger.Warn("dropping unexpected request frame from worker",
		"service", session.ServiceName(), "method", msg.Method, "correlation_id", msg.CorrelationID)
}

func (s *Server) onClose(session *ipc.Session, reason error) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()

	s.registry.UnregisterSession(context.Background(), session)
	s.logger.Info("session closed",
		"service", session.ServiceName(), "reason", reason.Error())

	if s.bus != nil {
		payload, err := json.Marshal(map[string]string{
			"service": session.ServiceName(),
			"reason":  reason.Error(),
		})
		if err != nil {
			return
		}
		s.bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventSessionClosed,
			Timestamp: time.Now(),
			Payload:   payload,
		})
	}
}
