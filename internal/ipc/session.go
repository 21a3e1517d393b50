package ipc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"neobridge/internal/domain"
)

// Session states. A session is created unregistered and promoted to active
// by a valid Register frame; the bound service name is immutable afterwards.
const (
	StateUnregistered = "unregistered"
	StateActive       = "active"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteQueueSize    = 64
)

// CallResult is delivered to a pending caller when its correlation resolves.
// Exactly one of Msg/Err is meaningful.
type CallResult struct {
	Msg domain.Message
	Err error
}

// SessionConfig carries per-connection tunables.
type SessionConfig struct {
	// HeartbeatInterval drives the liveness check: a session with no
	// traffic for 2x this interval is considered dead and closed.
	HeartbeatInterval time.Duration
	// MaxFrameBytes bounds individual frames in both directions.
	MaxFrameBytes int
	// WriteQueueSize is the outbound channel depth.
	WriteQueueSize int
	// EchoHeartbeat makes the session answer inbound heartbeats with one
	// of its own. The gateway side enables this.
	EchoHeartbeat bool
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = defaultWriteQueueSize
	}
	return c
}

// SessionHooks attach gateway- or worker-side semantics to a session.
// Hooks run on the session's read loop goroutine except OnClose, which runs
// once from whichever goroutine triggers teardown. Any nil hook is skipped.
type SessionHooks struct {
	// OnRegister receives Register frames.
	OnRegister func(ctx context.Context, s *Session, msg domain.Message)
	// OnRequest receives Request frames.
	OnRequest func(ctx context.Context, s *Session, msg domain.Message)
	// OnClose runs exactly once when the session dies, after all pending
	// correlations have been failed.
	OnClose func(s *Session, reason error)
}

// Session owns one byte-stream connection. A read loop decodes inbound
// frames and dispatches them by kind, a write loop serializes outbound
// frames, and a liveness ticker closes the connection when traffic stops.
type Session struct {
	conn   net.Conn
	cfg    SessionConfig
	hooks  SessionHooks
	logger *slog.Logger

	outbound chan domain.Message
	closed   chan struct{}

	mu           sync.Mutex
	state        string
	serviceName  string
	capabilities []domain.Capability
	lastTraffic  time.Time
	pending      map[string]chan CallResult
	closeReason  error

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSession wraps conn. Start must be called before the session is used.
func NewSession(conn net.Conn, cfg SessionConfig, hooks SessionHooks, logger *slog.Logger) *Session {
	cfg = cfg.withDefaults()
	return &Session{
		conn:     conn,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With("remote", conn.RemoteAddr().String()),
		outbound: make(chan domain.Message, cfg.WriteQueueSize),
		closed:   make(chan struct{}),
		state:    StateUnregistered,
		pending:  make(map[string]chan CallResult),
	}
}

// Start launches the read, write, and liveness goroutines. The session
// tears itself down when ctx is cancelled, the peer disconnects, a framing
// error occurs, or liveness expires.
func (s *Session) Start(ctx context.Context) {
	s.touch()

	s.wg.Add(3)
	go s.readLoop(ctx)
	go s.writeLoop()
	go s.livenessLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
			s.close(domain.NewDomainError("Session", domain.ErrSessionClosed, "shutdown"))
		case <-s.closed:
		}
	}()
}

// ServiceName returns the bound service name, empty while unregistered.
func (s *Session) ServiceName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serviceName
}

// State returns the current lifecycle state.
func (s *Session) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Capabilities returns the declared capability set bound at Register time.
func (s *Session) Capabilities() []domain.Capability {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Promote binds a service identity to the session. It fails once a
// different name is already bound; re-registering the same name refreshes
// the capability declarations.
func (s *Session) Promote(serviceName string, capabilities []domain.Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateActive && s.serviceName != serviceName {
		return domain.NewDomainError("Session.Promote", domain.ErrInvalidRegistration,
			"session already bound to "+s.serviceName)
	}
	s.state = StateActive
	s.serviceName = serviceName
	s.capabilities = capabilities
	return nil
}

// Send enqueues m for the write loop. It never blocks on a dead session:
// once the session is closed it reports ErrConnectionLost immediately.
func (s *Session) Send(m domain.Message) error {
	select {
	case <-s.closed:
		return domain.NewDomainError("Session.Send", domain.ErrConnectionLost, s.closeDetail())
	default:
	}
	select {
	case s.outbound <- m:
		return nil
	case <-s.closed:
		return domain.NewDomainError("Session.Send", domain.ErrConnectionLost, s.closeDetail())
	}
}

// AddPending registers a correlation ID and returns the channel its result
// will be delivered on. The channel is buffered so the read loop never
// blocks delivering a result to a caller that already timed out.
func (s *Session) AddPending(correlationID string) (<-chan CallResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return nil, domain.NewDomainError("Session.AddPending", domain.ErrConnectionLost, s.closeReasonLocked())
	default:
	}
	if _, exists := s.pending[correlationID]; exists {
		return nil, domain.NewDomainError("Session.AddPending", domain.ErrDuplicateCorrelation, correlationID)
	}
	ch := make(chan CallResult, 1)
	s.pending[correlationID] = ch
	return ch, nil
}

// RemovePending drops a correlation, typically after a timeout. A response
// arriving later finds no pending entry and is discarded with a diagnostic.
func (s *Session) RemovePending(correlationID string) {
	s.mu.Lock()
	delete(s.pending, correlationID)
	s.mu.Unlock()
}

// PendingCount reports in-flight correlations, for introspection and tests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close tears the session down with a generic reason.
func (s *Session) Close() {
	s.close(domain.NewDomainError("Session.Close", domain.ErrSessionClosed, ""))
}

// CloseWithReason tears the session down recording reason.
func (s *Session) CloseWithReason(reason error) {
	s.close(reason)
}

// Done is closed when the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.closed }

func (s *Session) readLoop(ctx context.Context) {
	defer s.wg.Done()

	dec := NewDecoder(s.conn, s.cfg.MaxFrameBytes)
	for {
		msg, err := dec.Next()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				s.close(domain.NewDomainError("Session", domain.ErrConnectionLost, "peer disconnected"))
			case errors.Is(err, domain.ErrFraming):
				// Framing errors are connection-fatal: the stream position
				// is unrecoverable once a frame fails to parse.
				s.logger.Error("framing error, closing session", "error", err)
				s.close(err)
			default:
				s.close(domain.NewDomainError("Session", domain.ErrConnectionLost, err.Error()))
			}
			return
		}

		s.touch()
		s.dispatch(ctx, msg)
	}
}

// dispatch routes one inbound frame by kind. The switch is total over the
// protocol enumeration; Decode already rejected unknown tags.
func (s *Session) dispatch(ctx context.Context, msg domain.Message) {
	switch msg.Kind {
	case domain.KindRegister:
		if s.hooks.OnRegister != nil {
			s.hooks.OnRegister(ctx, s, msg)
		}
	case domain.KindRequest:
		if s.hooks.OnRequest != nil {
			s.hooks.OnRequest(ctx, s, msg)
		} else {
			s.logger.Warn("dropping request frame: no handler attached",
				"method", msg.Method, "correlation_id", msg.CorrelationID)
		}
	case domain.KindResponse:
		s.resolve(msg, nil)
	case domain.KindError:
		s.resolve(msg, domain.DecodeErrorPayload(msg.Payload))
	case domain.KindHeartbeat:
		if s.cfg.EchoHeartbeat {
			_ = s.Send(domain.Message{Kind: domain.KindHeartbeat, Service: s.ServiceName()})
		}
	}
}

// resolve delivers a Response/Error to its pending caller. Frames whose
// correlation is unknown or already resolved are protocol violations and
// are dropped with a diagnostic, never surfaced to a caller.
func (s *Session) resolve(msg domain.Message, remoteErr error) {
	s.mu.Lock()
	ch, ok := s.pending[msg.CorrelationID]
	if ok {
		delete(s.pending, msg.CorrelationID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("dropping frame for unknown or resolved correlation",
			"kind", msg.Kind.String(), "correlation_id", msg.CorrelationID)
		return
	}
	if remoteErr != nil {
		ch <- CallResult{Err: remoteErr}
		return
	}
	ch <- CallResult{Msg: msg}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()

	enc := NewEncoder(s.conn, s.cfg.MaxFrameBytes)
	for {
		select {
		case msg := <-s.outbound:
			if err := enc.Encode(msg); err != nil {
				s.logger.Warn("write failed, closing session", "error", err)
				s.close(domain.NewDomainError("Session", domain.ErrConnectionLost, err.Error()))
				return
			}
		case <-s.closed:
			return
		}
	}
}

func (s *Session) livenessLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadAfter := 2 * s.cfg.HeartbeatInterval
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			idle := time.Since(s.lastTraffic)
			s.mu.Unlock()
			if idle > deadAfter {
				s.logger.Warn("session liveness expired", "idle", idle, "service", s.ServiceName())
				s.close(domain.NewDomainError("Session", domain.ErrConnectionLost, "heartbeat timeout"))
				return
			}
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastTraffic = time.Now()
	s.mu.Unlock()
}

// close tears the session down exactly once: the connection is closed, all
// pending correlations fail with a connection-lost error, and OnClose runs.
func (s *Session) close(reason error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeReason = reason
		pending := s.pending
		s.pending = make(map[string]chan CallResult)
		s.mu.Unlock()

		close(s.closed)
		_ = s.conn.Close()

		lost := domain.NewDomainError("Session", domain.ErrConnectionLost, reason.Error())
		for _, ch := range pending {
			ch <- CallResult{Err: lost}
		}
		if len(pending) > 0 {
			s.logger.Warn("failed pending correlations on close", "count", len(pending))
		}

		if s.hooks.OnClose != nil {
			s.hooks.OnClose(s, reason)
		}
	})
}

func (s *Session) closeDetail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReasonLocked()
}

func (s *Session) closeReasonLocked() string {
	if s.closeReason != nil {
		return s.closeReason.Error()
	}
	return ""
}
