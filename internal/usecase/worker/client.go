package worker

import (
	"context"
	"log/slog"
	"net"
	"time"

	"neobridge/internal/domain"
	"neobridge/internal/ipc"
)

// ClientConfig holds the worker-side connection settings.
type ClientConfig struct {
	// GatewayAddr is the gateway's TCP address.
	GatewayAddr string
	// ServiceName is the identity this worker registers under.
	ServiceName string
	// HeartbeatInterval is how often the worker sends heartbeats. The
	// gateway evicts a session silent for 2x its own interval, so this
	// should not exceed the gateway's setting.
	HeartbeatInterval time.Duration
	MaxFrameBytes     int
	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration
}

// Client connects a worker to the gateway: it registers the declared
// capabilities, serves inbound requests through the router, and keeps the
// session alive with heartbeats.
type Client struct {
	cfg    ClientConfig
	caps   *CapabilitySet
	router *Router
	logger *slog.Logger

	session *ipc.Session
}

// NewClient creates a client serving caps through router.
func NewClient(cfg ClientConfig, caps *CapabilitySet, router *Router, logger *slog.Logger) *Client {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		caps:   caps,
		router: router,
		logger: logger.With("service", cfg.ServiceName),
	}
}

// Run connects, registers, and serves until ctx is cancelled or the
// session dies. It returns the session's close reason, nil on clean shutdown.
func (c *Client) Run(ctx context.Context) error {
	conn, err := net.DialTimeout("tcp", c.cfg.GatewayAddr, c.cfg.DialTimeout)
	if err != nil {
		return domain.NewDomainError("Client.Run", domain.ErrConnectionLost, err.Error())
	}

	session := ipc.NewSession(conn, ipc.SessionConfig{
		HeartbeatInterval: c.cfg.HeartbeatInterval,
		MaxFrameBytes:     c.cfg.MaxFrameBytes,
	}, ipc.SessionHooks{
		OnRequest: c.onRequest,
		OnClose: func(_ *ipc.Session, reason error) {
			c.logger.Info("session closed", "reason", reason.Error())
		},
	}, c.logger)
	c.session = session
	session.Start(ctx)

	if err := c.register(session); err != nil {
		session.CloseWithReason(err)
		return err
	}
	c.logger.Info("registered with gateway", "gateway", c.cfg.GatewayAddr,
		"capabilities", len(c.caps.Declared()))

	go c.heartbeatLoop(ctx, session)

	select {
	case <-ctx.Done():
		session.Close()
		return nil
	case <-session.Done():
		return domain.NewDomainError("Client.Run", domain.ErrConnectionLost, "session terminated")
	}
}

// Session exposes the live session, for tests.
func (c *Client) Session() *ipc.Session { return c.session }

func (c *Client) register(session *ipc.Session) error {
	payload, err := domain.EncodeRegistration(domain.Registration{
		Name:         c.cfg.ServiceName,
		Capabilities: c.caps.Declared(),
	})
	if err != nil {
		return err
	}
	return session.Send(domain.Message{
		Kind:    domain.KindRegister,
		Service: c.cfg.ServiceName,
		Payload: payload,
	})
}

// onRequest serves one inbound request. Each request runs on its own
// goroutine so a slow executor never blocks the session's read loop; the
// reply carries the request's correlation ID.
func (c *Client) onRequest(ctx context.Context, session *ipc.Session, msg domain.Message) {
	go func() {
		result, err := c.router.Handle(ctx, msg.Method, msg.Payload, msg.Metadata)

		reply := domain.Message{
			CorrelationID: msg.CorrelationID,
			Service:       c.cfg.ServiceName,
			Method:        msg.Method,
		}
		if err != nil {
			reply.Kind = domain.KindError
			reply.Payload = domain.EncodeErrorPayload(err)
		} else {
			reply.Kind = domain.KindResponse
			reply.Payload = result
		}

		if sendErr := session.Send(reply); sendErr != nil {
			c.logger.Warn("failed to send reply",
				"method", msg.Method, "correlation_id", msg.CorrelationID, "error", sendErr)
		}
	}()
}

func (c *Client) heartbeatLoop(ctx context.Context, session *ipc.Session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := session.Send(domain.Message{
				Kind:    domain.KindHeartbeat,
				Service: c.cfg.ServiceName,
			}); err != nil {
				return
			}
		case <-session.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}
