// Package cache implements the typed, TTL-based key/value caches used
// throughout the orchestrator: instance detail views, the internal state
// mirror, product/template catalogs, and the merged instance listing. Each
// cache is backed by an LRU core (github.com/hashicorp/golang-lru/v2) for
// bounded size, with its own TTL and hit/miss/set/eviction metrics, the
// same shape as the teacher's webhook delivery-id cache but generalized
// to arbitrary values and wired into package metrics instead of ad hoc
// counters.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nimbusforge/gpuorch/internal/metrics"
)

// PersistBackend is the pluggable key/value store a Cache may mirror
// writes to. Spec treats Redis (or any KV store) as optional persistence
// behind the cache interface. Backend writes run synchronously on the
// caller's goroutine after the in-memory update, outside the cache lock,
// and backend errors are ignored without being logged.
type PersistBackend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Store(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Stats is a snapshot of a cache's metrics counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
}

// HitRatio returns Hits / (Hits + Misses), or 0 when there have been no
// lookups yet.
func (s Stats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

type entry[T any] struct {
	value      T
	expiresAt  time.Time
	lastAccess time.Time
}

// Cache is a generic, TTL-based, LRU-evicting cache of name -> T.
type Cache[T any] struct {
	name    string
	ttl     time.Duration
	maxSize int

	mu    sync.Mutex
	lru   *lru.Cache[string, *entry[T]]

	hits, misses, sets, evictions int64

	backend PersistBackend
	encode  func(T) ([]byte, error)
	decode  func([]byte) (T, error)

	now func() time.Time
}

// Option configures a Cache at construction time.
type Option[T any] func(*Cache[T])

// WithPersistBackend wires an optional backing store for cold-start
// repopulation via WarmFrom. The cache remains correct with no backend.
func WithPersistBackend[T any](backend PersistBackend, encode func(T) ([]byte, error), decode func([]byte) (T, error)) Option[T] {
	return func(c *Cache[T]) {
		c.backend = backend
		c.encode = encode
		c.decode = decode
	}
}

// WithClock overrides the cache's notion of "now"; used by tests.
func WithClock[T any](now func() time.Time) Option[T] {
	return func(c *Cache[T]) { c.now = now }
}

// New builds a cache named name with the given TTL and max entry count.
// When size reaches maxSize, Set evicts the least-recently-accessed entry.
func New[T any](name string, ttl time.Duration, maxSize int, opts ...Option[T]) *Cache[T] {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache[T]{
		name:    name,
		ttl:     ttl,
		maxSize: maxSize,
		now:     func() time.Time { return time.Now().UTC() },
	}
	// The LRU library's own eviction would fire on Add once Len==maxSize;
	// we additionally track our own eviction counter via the evict callback.
	l, _ := lru.NewWithEvict[string, *entry[T]](maxSize, func(_ string, _ *entry[T]) {
		c.evictions++
	})
	c.lru = l
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the cached value for key if present and unexpired.
func (c *Cache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		metrics.IncCacheMiss(c.name)
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.lru.Remove(key)
		c.misses++
		metrics.IncCacheMiss(c.name)
		return zero, false
	}
	e.lastAccess = c.now()
	c.hits++
	metrics.IncCacheHit(c.name)
	return e.value, true
}

// Set stores value under key with the cache's default TTL, or ttlOverride
// when non-zero. Eviction of the least-recently-accessed entry happens
// automatically once the cache is at capacity.
func (c *Cache[T]) Set(key string, value T, ttlOverride ...time.Duration) {
	ttl := c.ttl
	if len(ttlOverride) > 0 && ttlOverride[0] > 0 {
		ttl = ttlOverride[0]
	}
	now := c.now()

	c.mu.Lock()
	c.lru.Add(key, &entry[T]{value: value, expiresAt: now.Add(ttl), lastAccess: now})
	c.sets++
	c.mu.Unlock()

	if c.backend != nil && c.encode != nil {
		if raw, err := c.encode(value); err == nil {
			_ = c.backend.Store(context.Background(), c.name+":"+key, raw, ttl)
		}
	}
}

// Delete removes key from the cache (and the persistence backend, if any).
func (c *Cache[T]) Delete(key string) {
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()

	if c.backend != nil {
		_ = c.backend.Delete(context.Background(), c.name+":"+key)
	}
}

// Clear removes all entries from the cache (not the persistence backend).
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}

// CleanupExpired scans the cache and removes every entry past its
// expiresAt. Intended to run on a periodic tick.
func (c *Cache[T]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for _, key := range c.lru.Keys() {
		e, ok := c.lru.Peek(key)
		if !ok {
			continue
		}
		if now.After(e.expiresAt) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Sets: c.sets, Evictions: c.evictions}
}

// Len reports the current number of entries (including any not yet swept
// as expired).
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// WarmFrom best-effort repopulates key from the persistence backend into
// the in-memory cache. A miss or backend error is not reported to the
// caller; the cache simply behaves as a cold cache for that key.
func (c *Cache[T]) WarmFrom(ctx context.Context, key string) {
	if c.backend == nil || c.decode == nil {
		return
	}
	raw, ok, err := c.backend.Load(ctx, c.name+":"+key)
	if err != nil || !ok {
		return
	}
	v, err := c.decode(raw)
	if err != nil {
		return
	}
	c.Set(key, v)
}
