// Package cache provides the exact-fingerprint response cache consulted by
// the worker router before any rate-limit or executor cost is charged.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// Config bounds the cache. Zero values select the defaults.
type Config struct {
	// MaxBytes caps the approximate total size of cached values.
	MaxBytes int64 `yaml:"max_bytes"`
	// TTL is the default entry lifetime.
	TTL time.Duration `yaml:"ttl"`
	// ExcludeMethods lists methods whose results must never be cached.
	ExcludeMethods []string `yaml:"exclude_methods"`
}

const (
	defaultMaxBytes = 64 << 20 // 64 MiB
	defaultTTL      = time.Hour
)

// Stats is a point-in-time snapshot of cache effectiveness counters.
type Stats struct {
	Entries   int
	SizeBytes int64
	Hits      uint64
	Misses    uint64
	Evictions uint64
}

type entry struct {
	key       string
	value     []byte
	size      int64
	createdAt time.Time
	ttl       time.Duration
}

// Cache is a TTL + size-bounded LRU store keyed by request fingerprints.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	cfg      Config
	ll       *list.List // front = most recently used
	entries  map[string]*list.Element
	size     int64
	excluded map[string]struct{}

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time // injectable for tests
}

// New creates a cache with cfg.
func New(cfg Config) *Cache {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludeMethods))
	for _, m := range cfg.ExcludeMethods {
		excluded[m] = struct{}{}
	}
	return &Cache{
		cfg:      cfg,
		ll:       list.New(),
		entries:  make(map[string]*list.Element),
		excluded: excluded,
		now:      time.Now,
	}
}

// Cacheable reports whether results for method may be stored.
func (c *Cache) Cacheable(method string) bool {
	_, excluded := c.excluded[method]
	return !excluded
}

// Get returns the cached value for key, expiring it lazily when its TTL
// has elapsed.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	e := el.Value.(*entry)
	if c.now().Sub(e.createdAt) > e.ttl {
		c.removeElement(el)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	return e.value, true
}

// Set stores value under key with the default TTL, evicting least recently
// used entries until the size bound holds. Values larger than the whole
// cache are not stored.
func (c *Cache) Set(key string, value []byte) {
	c.SetTTL(key, value, c.cfg.TTL)
}

// SetTTL stores value under key with an explicit TTL.
func (c *Cache) SetTTL(key string, value []byte, ttl time.Duration) {
	size := int64(len(value)) + int64(len(key))
	if size > c.cfg.MaxBytes {
		return
	}
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}

	e := &entry{key: key, value: value, size: size, createdAt: c.now(), ttl: ttl}
	c.entries[key] = c.ll.PushFront(e)
	c.size += size

	for c.size > c.cfg.MaxBytes {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
		c.evictions++
	}
}

// Delete removes key if present.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// Clear drops every entry and resets counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.entries = make(map[string]*list.Element)
	c.size = 0
	c.hits, c.misses, c.evictions = 0, 0, 0
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.entries),
		SizeBytes: c.size,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.entries, e.key)
	c.size -= e.size
}

// Fingerprint derives the deterministic cache key for (method, payload).
// JSON payloads are canonicalized by re-marshalling so that key order does
// not affect the fingerprint; other payloads hash as raw bytes.
func Fingerprint(method string, payload []byte) string {
	normalized := payload
	if len(payload) > 0 {
		var v any
		if err := json.Unmarshal(payload, &v); err == nil {
			if canonical, err := json.Marshal(v); err == nil {
				normalized = canonical
			}
		}
	}

	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(normalized)
	return hex.EncodeToString(h.Sum(nil))
}
