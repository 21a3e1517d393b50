package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the protocol and policy layers.
var (
	// Connection-level.
	ErrFraming        = fmt.Errorf("malformed frame")
	ErrFrameTooLarge  = fmt.Errorf("frame exceeds size limit: %w", ErrFraming)
	ErrConnectionLost = fmt.Errorf("connection lost")
	ErrSessionClosed  = fmt.Errorf("session closed")

	// Dispatch-level.
	ErrServiceUnavailable   = fmt.Errorf("service unavailable")
	ErrMethodNotFound       = fmt.Errorf("method not found")
	ErrRequestTimeout       = fmt.Errorf("request timed out")
	ErrInvalidRegistration  = fmt.Errorf("invalid registration")
	ErrDuplicateService     = fmt.Errorf("service name already registered")
	ErrDuplicateCorrelation = fmt.Errorf("correlation ID already pending")

	// Policy-level. Returned to callers as ordinary typed results.
	ErrRateLimited = fmt.Errorf("rate limit exceeded")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// Executor failures. The transient sub-sentinels wrap ErrExecutorFailure
	// so errors.Is(err, ErrExecutorFailure) holds for all of them.
	ErrExecutorFailure  = fmt.Errorf("executor failure")
	ErrUpstreamTimeout  = fmt.Errorf("upstream timeout: %w", ErrExecutorFailure)
	ErrUpstreamThrottle = fmt.Errorf("upstream rate limited: %w", ErrExecutorFailure)
	ErrUpstreamServer   = fmt.Errorf("upstream server error: %w", ErrExecutorFailure)
	ErrUpstreamBadInput = fmt.Errorf("upstream rejected input: %w", ErrExecutorFailure)
	ErrUpstreamAuth     = fmt.Errorf("upstream authentication failed: %w", ErrExecutorFailure)
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Dispatcher.Call")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransient reports whether err may succeed on retry. Only upstream
// timeouts, throttling, and server-side failures qualify; bad input and
// auth failures are permanent.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) ||
		errors.Is(err, ErrUpstreamThrottle) ||
		errors.Is(err, ErrUpstreamServer)
}

// ErrorCode is a machine-parseable error category carried in Error frames
// and used for monitoring.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeFraming            ErrorCode = "FRAMING"
	CodeConnectionLost     ErrorCode = "CONNECTION_LOST"
	CodeSessionClosed      ErrorCode = "SESSION_CLOSED"
	CodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	CodeMethodNotFound     ErrorCode = "METHOD_NOT_FOUND"
	CodeRequestTimeout     ErrorCode = "REQUEST_TIMEOUT"
	CodeInvalidRegister    ErrorCode = "INVALID_REGISTRATION"
	CodeDuplicateService   ErrorCode = "DUPLICATE_SERVICE"
	CodeRateLimited        ErrorCode = "RATE_LIMITED"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodeExecutorFailure    ErrorCode = "EXECUTOR_FAILURE"
	CodeUpstreamTimeout    ErrorCode = "UPSTREAM_TIMEOUT"
	CodeUpstreamThrottle   ErrorCode = "UPSTREAM_THROTTLE"
	CodeUpstreamServer     ErrorCode = "UPSTREAM_SERVER"
	CodeUpstreamBadInput   ErrorCode = "UPSTREAM_BAD_INPUT"
	CodeUpstreamAuth       ErrorCode = "UPSTREAM_AUTH"
)

// sentinelCodes maps sentinels to codes. Order matters for wrapped
// sentinels: more specific entries are checked before ErrExecutorFailure.
var sentinelCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrFraming, CodeFraming},
	{ErrConnectionLost, CodeConnectionLost},
	{ErrSessionClosed, CodeSessionClosed},
	{ErrServiceUnavailable, CodeServiceUnavailable},
	{ErrMethodNotFound, CodeMethodNotFound},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrInvalidRegistration, CodeInvalidRegister},
	{ErrDuplicateService, CodeDuplicateService},
	{ErrRateLimited, CodeRateLimited},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrUpstreamTimeout, CodeUpstreamTimeout},
	{ErrUpstreamThrottle, CodeUpstreamThrottle},
	{ErrUpstreamServer, CodeUpstreamServer},
	{ErrUpstreamBadInput, CodeUpstreamBadInput},
	{ErrUpstreamAuth, CodeUpstreamAuth},
	{ErrExecutorFailure, CodeExecutorFailure},
}

// codeSentinels reverses sentinelCodes for decoding Error frames.
var codeSentinels = func() map[ErrorCode]error {
	m := make(map[ErrorCode]error, len(sentinelCodes))
	for _, sc := range sentinelCodes {
		if _, ok := m[sc.code]; !ok {
			m[sc.code] = sc.err
		}
	}
	return m
}()

// ErrorCodeOf maps err to its machine-readable code.
func ErrorCodeOf(err error) ErrorCode {
	for _, sc := range sentinelCodes {
		if errors.Is(err, sc.err) {
			return sc.code
		}
	}
	return CodeUnknown
}
