package cache

import (
	"time"

	"prism/internal/provider"
	"prism/internal/routing"
)

// ResultCache stores completed execution results keyed by request
// fingerprint. When disabled every lookup misses and writes are dropped, so
// callers never branch on the setting themselves.
type ResultCache struct {
	enabled bool
	store   *Cache[*provider.Result]
}

// NewResultCache creates the result cache.
func NewResultCache(enabled bool, maxEntries int, ttl time.Duration) *ResultCache {
	c := &ResultCache{enabled: enabled}
	if enabled {
		c.store = New[*provider.Result]("results", maxEntries, ttl)
	}
	return c
}

// Enabled reports whether the cache stores anything.
func (c *ResultCache) Enabled() bool { return c.enabled }

// Get returns the cached result for a fingerprint.
func (c *ResultCache) Get(fingerprint string) (*provider.Result, bool) {
	if !c.enabled {
		return nil, false
	}
	return c.store.Get(fingerprint)
}

// Set stores a result. ttl <= 0 uses the cache default.
func (c *ResultCache) Set(fingerprint string, result *provider.Result, ttl time.Duration) {
	if !c.enabled || result == nil {
		return
	}
	c.store.SetWithTTL(fingerprint, result, ttl)
}

// Stats snapshots the underlying counters; a disabled cache reports zeroes.
func (c *ResultCache) Stats() Stats {
	if !c.enabled {
		return Stats{Name: "results"}
	}
	return c.store.Stats()
}

// Register wires this cache into a stats registry.
func (c *ResultCache) Register(registry *Registry) {
	registry.Register("results", c.Stats)
}

// DecisionCache stores routing decisions keyed by prompt fingerprint plus
// analysis flags, so repeat prompts skip scoring entirely.
type DecisionCache struct {
	enabled bool
	store   *Cache[routing.Decision]
}

// NewDecisionCache creates the decision cache.
func NewDecisionCache(enabled bool, maxEntries int, ttl time.Duration) *DecisionCache {
	c := &DecisionCache{enabled: enabled}
	if enabled {
		c.store = New[routing.Decision]("decisions", maxEntries, ttl)
	}
	return c
}

// Enabled reports whether the cache stores anything.
func (c *DecisionCache) Enabled() bool { return c.enabled }

// Get returns the cached decision for a fingerprint. The copy is the
// caller's; mutating it does not touch the cache.
func (c *DecisionCache) Get(fingerprint string) (routing.Decision, bool) {
	if !c.enabled {
		return routing.Decision{}, false
	}
	return c.store.Get(fingerprint)
}

// Set stores a decision under the cache default TTL.
func (c *DecisionCache) Set(fingerprint string, decision routing.Decision) {
	if !c.enabled {
		return
	}
	decision.Source = routing.SourceCache
	c.store.Set(fingerprint, decision)
}

// Stats snapshots the underlying counters; a disabled cache reports zeroes.
func (c *DecisionCache) Stats() Stats {
	if !c.enabled {
		return Stats{Name: "decisions"}
	}
	return c.store.Stats()
}

// Register wires this cache into a stats registry.
func (c *DecisionCache) Register(registry *Registry) {
	registry.Register("decisions", c.Stats)
}
