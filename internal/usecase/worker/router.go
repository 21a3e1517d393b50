package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"neobridge/internal/adapter/cache"
	"neobridge/internal/adapter/ratelimit"
	"neobridge/internal/domain"
	"neobridge/internal/infra/tracer"
)

// Default router policy settings.
const (
	defaultMaxAttempts     = 3
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultRetryMultiplier = 2.0
	defaultRetryMaxDelay   = 10 * time.Second
	defaultBreakerFailures = 5
	defaultBreakerRecovery = 30 * time.Second
	defaultBreakerInterval = 60 * time.Second
)

// RouterConfig configures the policy gate.
type RouterConfig struct {
	// MaxAttempts bounds executor invocations per request, first try included.
	MaxAttempts int
	// RetryBaseDelay grows by RetryMultiplier each transient failure,
	// capped at RetryMaxDelay.
	RetryBaseDelay  time.Duration
	RetryMultiplier float64
	RetryMaxDelay   time.Duration
	// BreakerThreshold is consecutive failures before a capability's
	// circuit opens; BreakerRecovery is how long it stays open before the
	// half-open probe; BreakerInterval clears counts while closed.
	BreakerThreshold uint32
	BreakerRecovery  time.Duration
	BreakerInterval  time.Duration
	// Fallbacks maps a method to the method invoked once when the primary
	// exhausts all its retries.
	Fallbacks map[string]string
}

func (c RouterConfig) withDefaults() RouterConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = defaultRetryBaseDelay
	}
	if c.RetryMultiplier < 1 {
		c.RetryMultiplier = defaultRetryMultiplier
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryMaxDelay
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = defaultBreakerFailures
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = defaultBreakerRecovery
	}
	if c.BreakerInterval <= 0 {
		c.BreakerInterval = defaultBreakerInterval
	}
	return c
}

// Router is the policy gate a worker applies to every inbound request:
// cache first, then rate limits, then the per-capability circuit breaker
// around the executor with retry and fallback.
type Router struct {
	cfg      RouterConfig
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	executor Executor
	logger   *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[[]byte]
}

// NewRouter creates a router. cache and limiter may be nil to disable the
// corresponding policy.
func NewRouter(cfg RouterConfig, c *cache.Cache, l *ratelimit.Limiter, executor Executor, logger *slog.Logger) *Router {
	return &Router{
		cfg:      cfg.withDefaults(),
		cache:    c,
		limiter:  l,
		executor: executor,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
}

// Handle applies the policy pipeline to one request and returns the result
// payload. Cache hits cost nothing: no rate-limit token, no executor call.
func (r *Router) Handle(ctx context.Context, method string, payload []byte, metadata map[string]string) ([]byte, error) {
	ctx, span := tracer.StartSpan(ctx, "router.handle")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("method", method))

	var fingerprint string
	cacheable := r.cache != nil && r.cache.Cacheable(method)
	if cacheable {
		fingerprint = cache.Fingerprint(method, payload)
		if result, ok := r.cache.Get(fingerprint); ok {
			r.logger.Debug("cache hit", "method", method)
			tracer.SetOK(span)
			return result, nil
		}
	}

	if r.limiter != nil {
		clientID := metadata[domain.MetaClientID]
		priority := metadata[domain.MetaPriority]
		if err := r.limiter.Allow(clientID, method, priority); err != nil {
			r.logger.Warn("request rate limited", "method", method, "client_id", clientID)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	result, err := r.invoke(ctx, method, payload)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	if cacheable {
		r.cache.Set(fingerprint, result)
	}
	tracer.SetOK(span)
	return result, nil
}

// invoke runs the executor behind the method's circuit breaker, retrying
// transient failures with exponential backoff and trying the configured
// fallback once when the primary is exhausted. Fallback is skipped when the
// circuit is open: fail-fast wins.
func (r *Router) invoke(ctx context.Context, method string, payload []byte) ([]byte, error) {
	breaker := r.breakerFor(method)

	result, err := breaker.Execute(func() ([]byte, error) {
		return r.executeWithRetry(ctx, method, payload)
	})
	if err == nil {
		return result, nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, domain.NewDomainError("Router.invoke", domain.ErrCircuitOpen, method)
	}

	if fallback, ok := r.cfg.Fallbacks[method]; ok {
		r.logger.Warn("primary capability exhausted, trying fallback",
			"method", method, "fallback", fallback, "error", err)
		result, fbErr := r.executor.Execute(ctx, fallback, payload)
		if fbErr == nil {
			return result, nil
		}
		r.logger.Warn("fallback capability failed", "fallback", fallback, "error", fbErr)
	}
	return nil, err
}

// executeWithRetry invokes the executor up to MaxAttempts times. Only
// transient failures are retried; permanent ones surface immediately.
func (r *Router) executeWithRetry(ctx context.Context, method string, payload []byte) ([]byte, error) {
	var lastErr error
	delay := r.cfg.RetryBaseDelay

	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		result, err := r.executor.Execute(ctx, method, payload)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !domain.IsTransient(err) {
			return nil, err
		}
		if attempt == r.cfg.MaxAttempts-1 {
			break
		}

		r.logger.Info("retrying after transient executor failure",
			"method", method, "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, domain.WrapOp("Router.executeWithRetry", ctx.Err())
		}
		delay = time.Duration(float64(delay) * r.cfg.RetryMultiplier)
		if delay > r.cfg.RetryMaxDelay {
			delay = r.cfg.RetryMaxDelay
		}
	}
	return nil, lastErr
}

// breakerFor returns the method's circuit breaker, creating it on first use.
func (r *Router) breakerFor(method string) *gobreaker.CircuitBreaker[[]byte] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[method]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "capability:" + method,
		MaxRequests: 1, // exactly one probe in half-open state
		Interval:    r.cfg.BreakerInterval,
		Timeout:     r.cfg.BreakerRecovery,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	r.breakers[method] = b
	return b
}

// BreakerState reports the method's circuit state, for tests and introspection.
func (r *Router) BreakerState(method string) gobreaker.State {
	return r.breakerFor(method).State()
}
