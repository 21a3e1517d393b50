// Package ratelimit implements the multi-scope token-bucket admission check
// the worker router applies before invoking an executor. Checks never
// block: a depleted bucket denies immediately rather than queueing.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"neobridge/internal/domain"
)

// Scope identifies which dimension a bucket limits.
type Scope string

const (
	ScopeGlobal     Scope = "global"
	ScopeClient     Scope = "client"
	ScopeCapability Scope = "capability"
)

// BucketConfig defines one scope's refill rate and burst capacity.
type BucketConfig struct {
	// Rate is tokens refilled per second.
	Rate float64 `yaml:"rate"`
	// Burst is the bucket capacity.
	Burst float64 `yaml:"burst"`
}

// Config configures all three scopes. A scope with Rate <= 0 is unlimited.
type Config struct {
	Global    BucketConfig `yaml:"global"`
	PerClient BucketConfig `yaml:"per_client"`
	PerMethod BucketConfig `yaml:"per_method"`
	// PriorityMultipliers scales token cost per priority label: a request
	// with priority p costs 1/multiplier tokens. Unknown labels cost 1.
	PriorityMultipliers map[string]float64 `yaml:"priority_multipliers"`
}

// Stats is a snapshot of admission counters.
type Stats struct {
	Allowed uint64
	Denied  uint64
}

// bucket holds a capped, time-refilled token count. Each bucket has its
// own lock so unrelated keys proceed fully concurrently.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	rate       float64
	burst      float64
	lastRefill time.Time
}

func newBucket(cfg BucketConfig, now time.Time) *bucket {
	return &bucket{tokens: cfg.Burst, rate: cfg.Rate, burst: cfg.Burst, lastRefill: now}
}

// take refills by elapsed time, then deducts cost if available.
func (b *bucket) take(now time.Time, cost float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// Limiter owns the global bucket and the lazily created per-client and
// per-capability buckets.
type Limiter struct {
	cfg    Config
	global *bucket

	mu      sync.Mutex // guards the bucket maps, not the buckets
	clients map[string]*bucket
	methods map[string]*bucket

	statsMu sync.Mutex
	allowed uint64
	denied  uint64

	now func() time.Time // injectable for tests
}

// New creates a limiter with cfg.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		methods: make(map[string]*bucket),
		now:     time.Now,
	}
	if cfg.Global.Rate > 0 {
		l.global = newBucket(cfg.Global, l.now())
	}
	return l
}

// Allow admits one request for (clientID, method) at the given priority,
// consulting global, per-client, and per-capability buckets in that order.
// Tokens taken by earlier scopes are not refunded on a later denial.
// A denial returns an error wrapping domain.ErrRateLimited.
func (l *Limiter) Allow(clientID, method, priority string) error {
	now := l.now()
	cost := l.cost(priority)

	l.mu.Lock()
	global := l.global
	l.mu.Unlock()
	if global != nil && !global.take(now, cost) {
		return l.deny(ScopeGlobal, "global")
	}
	if l.cfg.PerClient.Rate > 0 && clientID != "" {
		if !l.scoped(l.clients, clientID, l.cfg.PerClient).take(now, cost) {
			return l.deny(ScopeClient, clientID)
		}
	}
	if l.cfg.PerMethod.Rate > 0 && method != "" {
		if !l.scoped(l.methods, method, l.cfg.PerMethod).take(now, cost) {
			return l.deny(ScopeCapability, method)
		}
	}

	l.statsMu.Lock()
	l.allowed++
	l.statsMu.Unlock()
	return nil
}

// Reset drops the bucket for (scope, key), restoring a full burst on next use.
func (l *Limiter) Reset(scope Scope, key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch scope {
	case ScopeClient:
		delete(l.clients, key)
	case ScopeCapability:
		delete(l.methods, key)
	case ScopeGlobal:
		if l.cfg.Global.Rate > 0 {
			l.global = newBucket(l.cfg.Global, l.now())
		}
	}
}

// Stats returns a snapshot of admission counters.
func (l *Limiter) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return Stats{Allowed: l.allowed, Denied: l.denied}
}

func (l *Limiter) cost(priority string) float64 {
	if m, ok := l.cfg.PriorityMultipliers[priority]; ok && m > 0 {
		return 1 / m
	}
	return 1
}

func (l *Limiter) scoped(m map[string]*bucket, key string, cfg BucketConfig) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = newBucket(cfg, l.now())
		m[key] = b
	}
	return b
}

func (l *Limiter) deny(scope Scope, key string) error {
	l.statsMu.Lock()
	l.denied++
	l.statsMu.Unlock()
	return domain.NewDomainError("Limiter.Allow", domain.ErrRateLimited,
		fmt.Sprintf("%s bucket depleted (%s)", scope, key))
}
