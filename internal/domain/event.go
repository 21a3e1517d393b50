package domain

import (
	"context"
	"time"
)

// EventType identifies a lifecycle event published on the event bus.
type EventType string

const (
	EventServiceRegistered   EventType = "service.registered"
	EventServiceReplaced     EventType = "service.replaced"
	EventServiceUnregistered EventType = "service.unregistered"
	EventSessionClosed       EventType = "session.closed"
	EventRequestDispatched   EventType = "request.dispatched"
	EventRequestFailed       EventType = "request.failed"
)

// Event is a lifecycle notification with an opaque JSON payload.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   []byte
}

// EventHandler consumes published events.
type EventHandler func(ctx context.Context, event Event)

// EventBus fans events out to subscribers. Publishing must never block
// the publisher on slow handlers.
type EventBus interface {
	Publish(ctx context.Context, event Event)
	Subscribe(eventType EventType, handler EventHandler) func()
}
