package cache

import (
	"sort"
	"sync"
)

// Registry aggregates stats across named caches for operational endpoints.
// It is owned by the core context rather than being process-global; the only
// cross-instance side effect of a cache is its registration here.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]func() Stats
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]func() Stats)}
}

// Register adds a named stats source, replacing any previous one under the
// same name.
func (r *Registry) Register(name string, stats func() Stats) {
	if stats == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = stats
}

// Snapshot returns current stats for every registered cache, sorted by name.
func (r *Registry) Snapshot() []Stats {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sources := make([]func() Stats, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		sources = append(sources, r.sources[name])
	}
	r.mu.RUnlock()

	// Collect outside the lock; stats funcs take their cache's own lock.
	out := make([]Stats, 0, len(sources))
	for i, source := range sources {
		stats := source()
		if stats.Name == "" {
			stats.Name = names[i]
		}
		out = append(out, stats)
	}
	return out
}
