package gateway

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"

	"neobridge/internal/domain"
	"neobridge/internal/ipc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newPipeSession creates an unstarted session for registry tests that never
// touch the wire.
func newPipeSession(t *testing.T) *ipc.Session {
	t.Helper()
	local, remote := net.Pipe()
	s := ipc.NewSession(local, ipc.SessionConfig{}, ipc.SessionHooks{}, testLogger())
	t.Cleanup(s.Close)
	t.Cleanup(func() { _ = remote.Close() })
	return s
}

// startWorkerSession registers a started session with reg and runs handler
// against every request frame arriving on the peer end. A nil reply drops
// the request, simulating a worker that never answers.
func startWorkerSession(t *testing.T, reg *Registry, name string, caps []domain.Capability, handler func(domain.Message) *domain.Message) *ipc.Session {
	t.Helper()

	local, remote := net.Pipe()
	s := ipc.NewSession(local, ipc.SessionConfig{}, ipc.SessionHooks{}, testLogger())
	s.Start(context.Background())
	t.Cleanup(s.Close)
	t.Cleanup(func() { _ = remote.Close() })

	if err := reg.Register(context.Background(), domain.Registration{
		Name:         name,
		Capabilities: caps,
	}, s); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}

	go func() {
		dec := ipc.NewDecoder(remote, 0)
		enc := ipc.NewEncoder(remote, 0)
		var writeMu sync.Mutex
		for {
			msg, err := dec.Next()
			if err != nil {
				return
			}
			if msg.Kind != domain.KindRequest {
				continue
			}
			go func(msg domain.Message) {
				reply := handler(msg)
				if reply == nil {
					return
				}
				writeMu.Lock()
				defer writeMu.Unlock()
				_ = enc.Encode(*reply)
			}(msg)
		}
	}()
	return s
}

// echoReply answers a request with its own payload.
func echoReply(msg domain.Message) *domain.Message {
	return &domain.Message{
		Kind:          domain.KindResponse,
		CorrelationID: msg.CorrelationID,
		Service:       msg.Service,
		Method:        msg.Method,
		Payload:       msg.Payload,
	}
}

// recordingBus captures published events for assertions.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, event domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() {
	return func() {}
}

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}
