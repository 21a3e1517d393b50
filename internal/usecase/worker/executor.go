// Package worker contains the worker-side components: the capability
// executor contract, the policy router applied to every inbound request,
// and the client that connects a worker to the gateway.
package worker

import (
	"context"
	"sync"

	"neobridge/internal/domain"
)

// Executor performs the actual work behind a capability. The protocol
// layer treats it as opaque: payloads in, payloads out, typed failures.
// Implementations classify their failures with the domain upstream
// sentinels so the router can decide whether to retry.
type Executor interface {
	Execute(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, method string, payload []byte) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, method string, payload []byte) ([]byte, error) {
	return f(ctx, method, payload)
}

// Handler processes one invocation of one capability.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// CapabilitySet maps method names to handlers and doubles as both the
// Executor implementation and the source of Register-time declarations.
type CapabilitySet struct {
	mu       sync.RWMutex
	declared []domain.Capability
	handlers map[string]Handler
}

// NewCapabilitySet creates an empty capability set.
func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{handlers: make(map[string]Handler)}
}

// Register adds a capability. Later registrations replace earlier ones
// with the same name.
func (cs *CapabilitySet) Register(cap domain.Capability, handler Handler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, exists := cs.handlers[cap.Name]; exists {
		for i, c := range cs.declared {
			if c.Name == cap.Name {
				cs.declared[i] = cap
				break
			}
		}
	} else {
		cs.declared = append(cs.declared, cap)
	}
	cs.handlers[cap.Name] = handler
}

// Declared returns the capability declarations for the Register frame.
func (cs *CapabilitySet) Declared() []domain.Capability {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]domain.Capability, len(cs.declared))
	copy(out, cs.declared)
	return out
}

// Execute implements Executor. Unknown methods fail permanently.
func (cs *CapabilitySet) Execute(ctx context.Context, method string, payload []byte) ([]byte, error) {
	cs.mu.RLock()
	handler, ok := cs.handlers[method]
	cs.mu.RUnlock()

	if !ok {
		return nil, domain.NewDomainError("CapabilitySet.Execute", domain.ErrMethodNotFound, method)
	}
	return handler(ctx, payload)
}
