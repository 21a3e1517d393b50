package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"neobridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBusDeliversToSubscribers(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	received := make(chan domain.Event, 1)
	bus.Subscribe(domain.EventServiceRegistered, func(_ context.Context, e domain.Event) {
		received <- e
	})

	bus.Publish(context.Background(), domain.Event{
		Type:      domain.EventServiceRegistered,
		Timestamp: time.Now(),
		Payload:   []byte(`{"service":"worker-a"}`),
	})

	select {
	case e := <-received:
		assert.Equal(t, domain.EventServiceRegistered, e.Type)
		assert.JSONEq(t, `{"service":"worker-a"}`, string(e.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBusFiltersByType(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var count atomic.Int64
	bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		count.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceUnregistered})
	bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})
	bus.Close()

	assert.Equal(t, int64(1), count.Load())
}

func TestBusUnsubscribe(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	var count atomic.Int64
	unsubscribe := bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		count.Add(1)
	})

	bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})
	unsubscribe()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})
	bus.Close()

	assert.Equal(t, int64(1), count.Load())
}

func TestBusSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	bus := New(testLogger())
	defer bus.Close()

	release := make(chan struct{})
	bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		<-release
	})

	done := make(chan struct{})
	go func() {
		bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	close(release)
}

func TestBusRecoversPanickingHandler(t *testing.T) {
	bus := New(testLogger())

	delivered := make(chan struct{}, 1)
	bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		panic("handler bug")
	})
	bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		delivered <- struct{}{}
	})

	require.NotPanics(t, func() {
		bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})
		bus.Close()
	})

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber starved by panicking one")
	}
}

func TestBusIgnoresPublishAfterClose(t *testing.T) {
	bus := New(testLogger())

	var count atomic.Int64
	bus.Subscribe(domain.EventServiceRegistered, func(context.Context, domain.Event) {
		count.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), domain.Event{Type: domain.EventServiceRegistered})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(0), count.Load())
}
