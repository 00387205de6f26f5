// Package cache provides the bounded TTL+LRU store backing the result and
// routing-decision caches, plus the fingerprint keys they share with the
// coordinator's single-flight map.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultMaxEntries = 1000
	defaultTTL        = time.Hour
)

// Stats is a point-in-time snapshot of one cache's counters.
type Stats struct {
	Name       string  `json:"name"`
	Size       int     `json:"size"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Evictions  uint64  `json:"evictions"`
	Expired    uint64  `json:"expired"`
	MaxEntries int     `json:"max_entries"`
	DefaultTTL float64 `json:"default_ttl_s"`
}

type entry[V any] struct {
	value     V
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// Cache is a bounded associative store with per-entry expiry and LRU
// eviction. Expired entries are purged lazily on access; there is no
// background sweeper. All operations are total: they never panic and never
// return errors.
type Cache[V any] struct {
	mu         sync.Mutex
	entries    *lru.Cache[string, *entry[V]]
	name       string
	maxEntries int
	defaultTTL time.Duration
	now        func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
	expired   uint64
}

// New creates a cache holding at most maxEntries values for defaultTTL each.
// Non-positive arguments fall back to package defaults.
func New[V any](name string, maxEntries int, ttl time.Duration) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	// lru.New errors only on non-positive size, guarded above.
	entries, _ := lru.New[string, *entry[V]](maxEntries)
	return &Cache[V]{
		entries:    entries,
		name:       name,
		maxEntries: maxEntries,
		defaultTTL: ttl,
		now:        time.Now,
	}
}

// WithNow replaces the clock. Tests use it to control expiry.
func (c *Cache[V]) WithNow(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Set inserts or replaces a value under the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, 0)
}

// SetWithTTL inserts or replaces a value with an explicit TTL; ttl <= 0 uses
// the cache default. Inserting into a full cache evicts the LRU entry.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e := &entry[V]{value: value, createdAt: now, expiresAt: now.Add(ttl)}
	if evicted := c.entries.Add(key, e); evicted {
		c.evictions++
	}
}

// Get returns the live value for key. Absent keys count as misses; expired
// entries are removed, counted as expired, and reported as misses.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Get(key)
	if !ok {
		c.misses++
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.entries.Remove(key)
		c.expired++
		c.misses++
		return zero, false
	}
	e.hits++
	c.hits++
	return e.value, true
}

// Contains reports whether key holds a live value without touching LRU order
// or counters.
func (c *Cache[V]) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries.Peek(key)
	return ok && !c.now().After(e.expiresAt)
}

// Delete removes key if present. Not counted as an eviction.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Clear drops all entries and resets counters.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries.Purge()
	c.hits = 0
	c.misses = 0
	c.evictions = 0
	c.expired = 0
}

// Len returns the number of stored entries, including any not-yet-purged
// expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Name:       c.name,
		Size:       c.entries.Len(),
		Hits:       c.hits,
		Misses:     c.misses,
		Evictions:  c.evictions,
		Expired:    c.expired,
		MaxEntries: c.maxEntries,
		DefaultTTL: c.defaultTTL.Seconds(),
	}
}
