// Package gateway contains the gateway-side components: the service
// registry, the request dispatcher, and the TCP server that accepts worker
// connections.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"neobridge/internal/domain"
	"neobridge/internal/ipc"
)

// RegisterPolicy decides what a second Register for an already-bound
// service name does.
type RegisterPolicy string

const (
	// PolicyReplace closes the previous session (failing its pending
	// correlations) and binds the new one. Chosen default: it favors
	// availability when a worker reconnects after a silent crash.
	PolicyReplace RegisterPolicy = "replace"
	// PolicyReject refuses the new registration and keeps the old session.
	PolicyReject RegisterPolicy = "reject"
)

// ServiceInfo is a read-only snapshot of one registry entry.
type ServiceInfo struct {
	Name         string
	Capabilities []domain.Capability
	RegisteredAt time.Time
}

type registryEntry struct {
	session      *ipc.Session
	capabilities map[string]domain.Capability
	registeredAt time.Time
}

// Registry is the gateway-side table mapping a service name to its active
// session and declared capabilities. At most one session per name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*registryEntry
	policy  RegisterPolicy
	bus     domain.EventBus
	logger  *slog.Logger
}

// NewRegistry creates a registry. bus may be nil.
func NewRegistry(policy RegisterPolicy, bus domain.EventBus, logger *slog.Logger) *Registry {
	if policy == "" {
		policy = PolicyReplace
	}
	return &Registry{
		entries: make(map[string]*registryEntry),
		policy:  policy,
		bus:     bus,
		logger:  logger,
	}
}

// Register binds reg.Name to session. Capability versions, when declared,
// must be valid semver. Under PolicyReplace a displaced session is closed,
// which fails its pending correlations with a connection-lost error.
func (r *Registry) Register(ctx context.Context, reg domain.Registration, session *ipc.Session) error {
	caps := make(map[string]domain.Capability, len(reg.Capabilities))
	for _, c := range reg.Capabilities {
		if c.Name == "" {
			return domain.NewDomainError("Registry.Register", domain.ErrInvalidRegistration,
				"capability with empty name")
		}
		if c.Version != "" {
			if _, err := semver.NewVersion(c.Version); err != nil {
				return domain.NewDomainError("Registry.Register", domain.ErrInvalidRegistration,
					"capability "+c.Name+": bad version "+c.Version)
			}
		}
		caps[c.Name] = c
	}

	r.mu.Lock()
	prev, bound := r.entries[reg.Name]
	if bound && prev.session != session && r.policy == PolicyReject {
		r.mu.Unlock()
		return domain.NewDomainError("Registry.Register", domain.ErrDuplicateService, reg.Name)
	}
	r.entries[reg.Name] = &registryEntry{
		session:      session,
		capabilities: caps,
		registeredAt: time.Now(),
	}
	r.mu.Unlock()

	if err := session.Promote(reg.Name, reg.Capabilities); err != nil {
		r.mu.Lock()
		if cur, ok := r.entries[reg.Name]; ok && cur.session == session {
			delete(r.entries, reg.Name)
		}
		r.mu.Unlock()
		return err
	}

	if bound && prev.session != session {
		r.logger.Warn("service re-registered, replacing previous session", "service", reg.Name)
		prev.session.CloseWithReason(domain.NewDomainError("Registry", domain.ErrConnectionLost,
			"replaced by new registration"))
		r.publish(ctx, domain.EventServiceReplaced, reg.Name)
	}

	r.logger.Info("service registered",
		"service", reg.Name, "capabilities", len(reg.Capabilities))
	r.publish(ctx, domain.EventServiceRegistered, reg.Name)
	return nil
}

// Lookup returns the active session and capability table for name.
// The returned snapshot is consistent: it never observes a half-updated entry.
func (r *Registry) Lookup(name string) (*ipc.Session, map[string]domain.Capability, error) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()

	if !ok {
		return nil, nil, domain.NewDomainError("Registry.Lookup", domain.ErrServiceUnavailable, name)
	}
	return entry.session, entry.capabilities, nil
}

// Unregister removes name unconditionally.
func (r *Registry) Unregister(ctx context.Context, name string) {
	r.mu.Lock()
	_, ok := r.entries[name]
	delete(r.entries, name)
	r.mu.Unlock()

	if ok {
		r.logger.Info("service unregistered", "service", name)
		r.publish(ctx, domain.EventServiceUnregistered, name)
	}
}

// UnregisterSession removes the entry bound to session, if session is still
// the current binding. Called on session close; after a replace, the old
// session's close must not evict its replacement.
func (r *Registry) UnregisterSession(ctx context.Context, session *ipc.Session) {
	name := session.ServiceName()
	if name == "" {
		return
	}

	r.mu.Lock()
	entry, ok := r.entries[name]
	if ok && entry.session == session {
		delete(r.entries, name)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("service unregistered on session close", "service", name)
		r.publish(ctx, domain.EventServiceUnregistered, name)
	}
}

// List returns a snapshot of all registrations sorted by name.
func (r *Registry) List() []ServiceInfo {
	r.mu.RLock()
	infos := make([]ServiceInfo, 0, len(r.entries))
	for name, entry := range r.entries {
		caps := make([]domain.Capability, 0, len(entry.capabilities))
		for _, c := range entry.capabilities {
			caps = append(caps, c)
		}
		infos = append(infos, ServiceInfo{
			Name:         name,
			Capabilities: caps,
			RegisteredAt: entry.registeredAt,
		})
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (r *Registry) publish(ctx context.Context, eventType domain.EventType, service string) {
	if r.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]string{"service": service})
	if err != nil {
		return
	}
	r.bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}
