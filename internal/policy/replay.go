package policy

import (
	"math"
	"math/rand"
	"sync"
)

// priorityEpsilon keeps every priority strictly positive so no experience
// becomes unsampleable.
const priorityEpsilon = 1e-6

// Experience is one recorded routing outcome.
type Experience struct {
	State       []float64
	ActionIndex int
	Reward      float64
	NextState   []float64
	Done        bool
	Priority    float64
}

// BufferConfig sizes the replay buffer and selects the sampling scheme.
type BufferConfig struct {
	Capacity    int
	Prioritized bool
	Alpha       float64 // priority exponent
	Beta        float64 // importance-sampling exponent
}

// Batch is one sampled training batch. Indices refer to buffer slots and
// feed UpdatePriorities after the training step.
type Batch struct {
	Indices    []int
	States     [][]float64
	Actions    []int
	Rewards    []float64
	NextStates [][]float64
	Dones      []bool
	Weights    []float64
}

// BufferStats is a point-in-time snapshot of buffer counters.
type BufferStats struct {
	Size         int     `json:"size"`
	Capacity     int     `json:"capacity"`
	TotalAdded   uint64  `json:"total_added"`
	TotalEvicted uint64  `json:"total_evicted"`
	TotalSampled uint64  `json:"total_sampled"`
	Prioritized  bool    `json:"prioritized"`
	AvgPriority  float64 `json:"avg_priority"`
}

// ReplayBuffer stores a bounded window of experiences. In uniform mode a full
// buffer evicts the oldest entry; in prioritized mode it evicts the
// lowest-priority entry, and sampling follows priority^alpha with
// importance-sampling weights to stay unbiased.
type ReplayBuffer struct {
	mu    sync.Mutex
	cfg   BufferConfig
	items []Experience
	head  int // next overwrite slot in uniform mode
	rng   *rand.Rand

	maxPriority  float64
	totalAdded   uint64
	totalEvicted uint64
	totalSampled uint64
}

// NewReplayBuffer creates a buffer. rng drives sampling; passing a seeded
// source makes the buffer deterministic.
func NewReplayBuffer(cfg BufferConfig, rng *rand.Rand) *ReplayBuffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1
	}
	return &ReplayBuffer{
		cfg:         cfg,
		items:       make([]Experience, 0, cfg.Capacity),
		rng:         rng,
		maxPriority: 1,
	}
}

// Len returns the number of stored experiences.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Add stores one experience. A non-positive priority inherits the current
// maximum so fresh experiences are sampled at least once.
func (b *ReplayBuffer) Add(e Experience) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Priority <= 0 {
		e.Priority = b.maxPriority
	} else if e.Priority > b.maxPriority {
		b.maxPriority = e.Priority
	}
	b.totalAdded++

	if len(b.items) < b.cfg.Capacity {
		b.items = append(b.items, e)
		return
	}

	b.totalEvicted++
	if !b.cfg.Prioritized {
		b.items[b.head] = e
		b.head = (b.head + 1) % b.cfg.Capacity
		return
	}

	lowest := 0
	for i := 1; i < len(b.items); i++ {
		if b.items[i].Priority < b.items[lowest].Priority {
			lowest = i
		}
	}
	b.items[lowest] = e
}

// Sample draws exactly n distinct experiences, or reports false when fewer
// than n are stored.
func (b *ReplayBuffer) Sample(n int) (*Batch, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 || n > len(b.items) {
		return nil, false
	}

	var indices []int
	var weights []float64
	if b.cfg.Prioritized {
		indices, weights = b.samplePrioritizedLocked(n)
	} else {
		indices = b.rng.Perm(len(b.items))[:n]
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1
		}
	}
	b.totalSampled += uint64(n)

	batch := &Batch{
		Indices:    indices,
		States:     make([][]float64, n),
		Actions:    make([]int, n),
		Rewards:    make([]float64, n),
		NextStates: make([][]float64, n),
		Dones:      make([]bool, n),
		Weights:    weights,
	}
	for i, idx := range indices {
		e := b.items[idx]
		batch.States[i] = e.State
		batch.Actions[i] = e.ActionIndex
		batch.Rewards[i] = e.Reward
		batch.NextStates[i] = e.NextState
		batch.Dones[i] = e.Done
	}
	return batch, true
}

// samplePrioritizedLocked draws n distinct indices with probability
// proportional to priority^alpha, then computes max-normalized
// importance-sampling weights (N*P)^-beta from the pre-draw distribution.
func (b *ReplayBuffer) samplePrioritizedLocked(n int) ([]int, []float64) {
	size := len(b.items)
	mass := make([]float64, size)
	total := 0.0
	for i, e := range b.items {
		mass[i] = math.Pow(e.Priority, b.cfg.Alpha)
		total += mass[i]
	}

	probs := make([]float64, size)
	for i := range mass {
		probs[i] = mass[i] / total
	}

	indices := make([]int, 0, n)
	remaining := total
	taken := make([]bool, size)
	for len(indices) < n {
		target := b.rng.Float64() * remaining
		chosen := -1
		for i := 0; i < size; i++ {
			if taken[i] {
				continue
			}
			if target < mass[i] {
				chosen = i
				break
			}
			target -= mass[i]
		}
		if chosen < 0 { // float underflow at the tail
			for i := size - 1; i >= 0; i-- {
				if !taken[i] {
					chosen = i
					break
				}
			}
		}
		taken[chosen] = true
		remaining -= mass[chosen]
		indices = append(indices, chosen)
	}

	weights := make([]float64, n)
	maxWeight := 0.0
	for i, idx := range indices {
		weights[i] = math.Pow(float64(size)*probs[idx], -b.cfg.Beta)
		if weights[i] > maxWeight {
			maxWeight = weights[i]
		}
	}
	if maxWeight > 0 {
		for i := range weights {
			weights[i] /= maxWeight
		}
	}
	return indices, weights
}

// UpdatePriorities rewrites priorities for previously sampled slots, usually
// with fresh TD errors. Priorities are floored at a small epsilon so updated
// slots stay sampleable.
func (b *ReplayBuffer) UpdatePriorities(indices []int, priorities []float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, idx := range indices {
		if idx < 0 || idx >= len(b.items) || i >= len(priorities) {
			continue
		}
		p := priorities[i]
		if p < priorityEpsilon {
			p = priorityEpsilon
		}
		b.items[idx].Priority = p
		if p > b.maxPriority {
			b.maxPriority = p
		}
	}
}

// Stats snapshots the buffer counters.
func (b *ReplayBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	avg := 0.0
	if len(b.items) > 0 {
		sum := 0.0
		for _, e := range b.items {
			sum += e.Priority
		}
		avg = sum / float64(len(b.items))
	}
	return BufferStats{
		Size:         len(b.items),
		Capacity:     b.cfg.Capacity,
		TotalAdded:   b.totalAdded,
		TotalEvicted: b.totalEvicted,
		TotalSampled: b.totalSampled,
		Prioritized:  b.cfg.Prioritized,
		AvgPriority:  avg,
	}
}
