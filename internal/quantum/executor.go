// Package quantum runs routing variations of one task in parallel against
// live providers and collapses the completed branches to a single winner.
package quantum

import (
	"context"
	stderrors "errors"
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/logging"
	"prism/internal/provider"
	"prism/internal/routing"
)

// Task is the provider-facing payload shared by every branch.
type Task struct {
	ID       string
	Messages []provider.Message
	Params   provider.Params
}

// Variation is one speculative execution plan for a task. Cost rates come
// from the model manifest so branches can price their own usage.
type Variation struct {
	ID              string
	Action          routing.Action
	Prior           float64
	InputCostPer1K  float64
	OutputCostPer1K float64
}

// BranchStatus is the terminal state of one branch.
type BranchStatus string

const (
	BranchSucceeded BranchStatus = "succeeded"
	BranchFailed    BranchStatus = "failed"
	BranchCancelled BranchStatus = "cancelled"
	BranchTimedOut  BranchStatus = "timeout"
)

// Branch is the recorded outcome of one variation. Collapse reads branches
// as immutable input and only ever writes Score.
type Branch struct {
	VariationID string
	Action      routing.Action
	Prior       float64
	Status      BranchStatus
	Result      *provider.Result
	Err         error
	ElapsedMS   int64
	CostUSD     float64
	Arrival     int
	Score       float64
}

// Succeeded reports whether the branch finished with a usable result.
func (b *Branch) Succeeded() bool { return b.Status == BranchSucceeded }

// Result is the collapsed outcome of one Execute call. All-branch failure is
// reported here as Success=false with Err set, not as an Execute error.
type Result struct {
	Success   bool
	Winner    *Branch
	Content   string
	Strategy  CollapseStrategy
	Branches  []Branch
	ElapsedMS int64
	Err       error
}

// Observer receives each branch exactly once, after it reaches a terminal
// status. Calls arrive from the collecting goroutine in completion order.
type Observer func(taskID string, branch Branch)

// Stats is a point-in-time view of pool pressure.
type Stats struct {
	MaxWorkers       int   `json:"max_workers"`
	QueueCapacity    int   `json:"queue_capacity"`
	BusyWorkers      int   `json:"busy_workers"`
	InFlightBranches int64 `json:"in_flight_branches"`
}

// Executor owns the shared worker pool. One executor serves all requests;
// branches from concurrent Execute calls compete for the same slots.
type Executor struct {
	cfg      config.QuantumConfig
	registry provider.Registry
	logger   logging.Logger
	sim      Similarity

	slots    chan struct{}
	inflight atomic.Int64
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Executor) { e.logger = logging.OrNop(logger) }
}

// WithSimilarity overrides the consensus similarity function.
func WithSimilarity(sim Similarity) Option {
	return func(e *Executor) {
		if sim != nil {
			e.sim = sim
		}
	}
}

// NewExecutor builds an executor over the given provider registry.
func NewExecutor(cfg config.QuantumConfig, registry provider.Registry, opts ...Option) *Executor {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = runtime.NumCPU()
	}
	if cfg.QueueCapacity < 0 {
		cfg.QueueCapacity = 0
	}
	e := &Executor{
		cfg:      cfg,
		registry: registry,
		logger:   logging.Nop(),
		sim:      DiffRatio,
		slots:    make(chan struct{}, cfg.MaxWorkers),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Stats reports current pool pressure.
func (e *Executor) Stats() Stats {
	return Stats{
		MaxWorkers:       e.cfg.MaxWorkers,
		QueueCapacity:    e.cfg.QueueCapacity,
		BusyWorkers:      len(e.slots),
		InFlightBranches: e.inflight.Load(),
	}
}

// Execute fans the task out across the variations and collapses the
// completed branches. The error return covers admission and validation
// only; once branches run, the outcome is always a Result, failed or not.
func (e *Executor) Execute(ctx context.Context, task Task, variations []Variation, strategy CollapseStrategy, observe Observer) (*Result, error) {
	if len(variations) == 0 {
		return nil, errors.Validationf("execute needs at least one variation")
	}
	strategy, err := ParseCollapse(string(strategy), CollapseStrategy(e.cfg.DefaultCollapse))
	if err != nil {
		return nil, err
	}

	vars := make([]Variation, len(variations))
	copy(vars, variations)
	for i := range vars {
		if vars[i].ID == "" {
			vars[i].ID = fmt.Sprintf("b%d", i+1)
		}
	}

	// Admission: the call fits only if all its branches fit in the pool
	// plus the queue. Rejected calls must not touch the pool at all.
	capacity := e.cfg.MaxWorkers + e.cfg.QueueCapacity
	admitted := int(e.inflight.Add(int64(len(vars))))
	if admitted > capacity {
		e.inflight.Add(int64(-len(vars)))
		return nil, errors.Overloadedf("branch pool saturated: %d in flight, capacity %d", admitted-len(vars), capacity)
	}
	defer e.inflight.Add(int64(-len(vars)))

	var execCtx context.Context
	var cancel context.CancelFunc
	if e.cfg.ExecuteTimeoutMS > 0 {
		execCtx, cancel = context.WithTimeout(ctx, e.cfg.ExecuteTimeout())
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	start := time.Now()
	// Buffered to the branch count so an abandoned branch can report its
	// late result and exit without a reader. The late value is discarded.
	completions := make(chan Branch, len(vars))
	for _, v := range vars {
		go func(v Variation) {
			completions <- e.runBranch(execCtx, task, v)
		}(v)
	}

	branches := e.collect(cancel, completions, vars, strategy, task, observe, start)

	// Stable order before collapse so the winner depends only on the
	// recorded set, never on goroutine interleaving.
	sort.Slice(branches, func(i, j int) bool { return branches[i].VariationID < branches[j].VariationID })

	winner := e.collapse(strategy, branches)
	res := &Result{
		Strategy:  strategy,
		Branches:  branches,
		ElapsedMS: time.Since(start).Milliseconds(),
	}
	if winner < 0 {
		res.Err = errors.New(errors.KindAllBranchesFailed, "all %d branches failed for task %s", len(branches), task.ID)
		e.logger.Warn("task %s: %v", task.ID, res.Err)
		return res, nil
	}
	res.Success = true
	res.Winner = &branches[winner]
	res.Content = branches[winner].Result.Content
	e.logger.Info("task %s collapsed via %s: %s (%s/%s) in %dms",
		task.ID, strategy, res.Winner.VariationID, res.Winner.Action.Provider, res.Winner.Action.Model, res.ElapsedMS)
	return res, nil
}

// collect drains branch completions, recording arrival order and notifying
// the observer. Under first-success it cancels siblings as soon as a branch
// succeeds and abandons whatever has not reported within the grace window.
func (e *Executor) collect(cancel context.CancelFunc, completions <-chan Branch, vars []Variation, strategy CollapseStrategy, task Task, observe Observer, start time.Time) []Branch {
	branches := make([]Branch, 0, len(vars))
	reported := make(map[string]struct{}, len(vars))

	var grace <-chan time.Time
	var graceTimer *time.Timer
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for len(branches) < len(vars) {
		select {
		case b := <-completions:
			b.Arrival = len(branches)
			branches = append(branches, b)
			reported[b.VariationID] = struct{}{}
			if observe != nil {
				observe(task.ID, b)
			}
			e.logger.Debug("task %s branch %s: %s in %dms", task.ID, b.VariationID, b.Status, b.ElapsedMS)
			if strategy == CollapseFirstSuccess && b.Status == BranchSucceeded && grace == nil {
				cancel()
				graceTimer = time.NewTimer(e.cfg.CancelGrace())
				grace = graceTimer.C
			}
		case <-grace:
			return e.abandon(branches, vars, reported, task, observe, start)
		}
	}
	return branches
}

// abandon records a cancelled branch for every variation that did not yield
// within the grace window.
func (e *Executor) abandon(branches []Branch, vars []Variation, reported map[string]struct{}, task Task, observe Observer, start time.Time) []Branch {
	for _, v := range vars {
		if _, ok := reported[v.ID]; ok {
			continue
		}
		b := Branch{
			VariationID: v.ID,
			Action:      v.Action,
			Prior:       v.Prior,
			Status:      BranchCancelled,
			Err:         context.Canceled,
			ElapsedMS:   time.Since(start).Milliseconds(),
			Arrival:     len(branches),
		}
		branches = append(branches, b)
		if observe != nil {
			observe(task.ID, b)
		}
		e.logger.Debug("task %s branch %s abandoned after %s grace", task.ID, v.ID, e.cfg.CancelGrace())
	}
	return branches
}

// runBranch executes one variation under the shared pool and both timeout
// layers. It always returns a terminal branch, never blocks forever.
func (e *Executor) runBranch(ctx context.Context, task Task, v Variation) Branch {
	start := time.Now()
	branch := Branch{VariationID: v.ID, Action: v.Action, Prior: v.Prior}

	select {
	case e.slots <- struct{}{}:
	case <-ctx.Done():
		branch.Status, branch.Err = e.classify(ctx, ctx, v, ctx.Err())
		branch.ElapsedMS = time.Since(start).Milliseconds()
		return branch
	}
	defer func() { <-e.slots }()

	bctx, cancel := ctx, func() {}
	if e.cfg.BranchTimeoutMS > 0 {
		bctx, cancel = context.WithTimeout(ctx, e.cfg.BranchTimeout())
	}
	defer cancel()

	res, err := e.registry.GenerateCompletion(bctx, v.Action.Provider, v.Action.Model, task.Messages, task.Params)
	branch.ElapsedMS = time.Since(start).Milliseconds()
	if err != nil {
		branch.Status, branch.Err = e.classify(ctx, bctx, v, err)
		return branch
	}
	branch.Status = BranchSucceeded
	branch.Result = res
	branch.CostUSD = res.Cost(v.InputCostPer1K, v.OutputCostPer1K)
	return branch
}

// classify maps a branch error to its terminal status. Parent cancellation
// wins over the branch deadline so first-success losers read as cancelled,
// not failed.
func (e *Executor) classify(parent, bctx context.Context, v Variation, err error) (BranchStatus, error) {
	switch {
	case stderrors.Is(parent.Err(), context.Canceled):
		return BranchCancelled, context.Canceled
	case stderrors.Is(parent.Err(), context.DeadlineExceeded):
		return BranchTimedOut, errors.Timeoutf("execute window closed before branch %s finished", v.ID)
	case stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(bctx.Err(), context.DeadlineExceeded):
		return BranchTimedOut, errors.Timeoutf("branch %s exceeded %s", v.ID, e.cfg.BranchTimeout())
	default:
		return BranchFailed, err
	}
}

func (e *Executor) collapse(strategy CollapseStrategy, branches []Branch) int {
	switch strategy {
	case CollapseFirstSuccess:
		return FirstSuccess(branches)
	case CollapseConsensus:
		return Consensus(branches, e.sim, e.cfg.SimilarityThreshold, e.cfg.ConsensusQuorum, e.cfg.CostWeight, e.cfg.LatencyWeight)
	default:
		return BestScore(branches, e.cfg.CostWeight, e.cfg.LatencyWeight)
	}
}
