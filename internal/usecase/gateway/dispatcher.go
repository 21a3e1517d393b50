package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"neobridge/internal/domain"
	"neobridge/internal/infra/tracer"
)

// Dispatcher matches external requests to a registered service/method pair,
// forwards a Request frame, and correlates the eventual Response by
// correlation ID. Every call terminates in bounded time with either a
// Response payload or one typed error.
type Dispatcher struct {
	registry       *Registry
	bus            domain.EventBus
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewDispatcher creates a dispatcher. bus may be nil; defaultTimeout applies
// when Call is given a zero timeout.
func NewDispatcher(registry *Registry, bus domain.EventBus, defaultTimeout time.Duration, logger *slog.Logger) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Dispatcher{
		registry:       registry,
		bus:            bus,
		defaultTimeout: defaultTimeout,
		logger:         logger,
	}
}

// Call invokes method on service and waits up to timeout for the response
// payload. Concurrent calls are independent; no ordering exists between
// distinct correlation IDs. A call that times out removes its pending entry
// so a late response is discarded by the session, never delivered here.
func (d *Dispatcher) Call(ctx context.Context, service, method string, payload []byte, metadata map[string]string, timeout time.Duration) ([]byte, error) {
	result, err := d.call(ctx, service, method, payload, metadata, timeout)
	if err != nil {
		d.publish(ctx, domain.EventRequestFailed, service, method)
		return nil, err
	}
	d.publish(ctx, domain.EventRequestDispatched, service, method)
	return result, nil
}

func (d *Dispatcher) call(ctx context.Context, service, method string, payload []byte, metadata map[string]string, timeout time.Duration) ([]byte, error) {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.call")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("service", service), tracer.StringAttr("method", method))

	if timeout <= 0 {
		timeout = d.defaultTimeout
	}

	session, capabilities, err := d.registry.Lookup(service)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	// Advisory dispatch filter: a service that declared capabilities only
	// receives methods it claimed to support.
	if len(capabilities) > 0 {
		if _, ok := capabilities[method]; !ok {
			err := domain.NewDomainError("Dispatcher.Call", domain.ErrMethodNotFound,
				method+" on "+service)
			tracer.RecordError(span, err)
			return nil, err
		}
	}

	correlationID := ulid.Make().String()
	metadata = withTraceID(ctx, metadata)

	resultCh, err := session.AddPending(correlationID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	req := domain.Message{
		Kind:          domain.KindRequest,
		CorrelationID: correlationID,
		Service:       service,
		Method:        method,
		Metadata:      metadata,
		Payload:       payload,
	}
	if err := session.Send(req); err != nil {
		session.RemovePending(correlationID)
		tracer.RecordError(span, err)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-resultCh:
		if result.Err != nil {
			tracer.RecordError(span, result.Err)
			return nil, result.Err
		}
		tracer.SetOK(span)
		return result.Msg.Payload, nil
	case <-timer.C:
		session.RemovePending(correlationID)
		err := domain.NewDomainError("Dispatcher.Call", domain.ErrRequestTimeout,
			service+"."+method+" after "+timeout.String())
		d.logger.Warn("call timed out",
			"service", service, "method", method, "correlation_id", correlationID)
		tracer.RecordError(span, err)
		return nil, err
	case <-ctx.Done():
		session.RemovePending(correlationID)
		tracer.RecordError(span, ctx.Err())
		return nil, domain.NewDomainError("Dispatcher.Call", domain.ErrRequestTimeout, ctx.Err().Error())
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType domain.EventType, service, method string) {
	if d.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"service": service, "method": method})
	if err != nil {
		return
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

// withTraceID copies metadata and injects the active trace ID so workers
// can correlate their logs and spans with the gateway's.
func withTraceID(ctx context.Context, metadata map[string]string) map[string]string {
	traceID := tracer.TraceID(ctx)
	if traceID == "" {
		return metadata
	}
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	out[domain.MetaTraceID] = traceID
	return out
}
