package routing

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"prism/internal/errors"
	"prism/internal/logging"
)

const (
	defaultHistorySize = 256
	successWeight      = 0.2
	confidenceScale    = 0.25
)

// Config tunes router scoring and the router/agent contract.
type Config struct {
	HistorySize            int
	CostWeight             float64
	LatencyWeight          float64
	AgentOverrideThreshold float64
	DefaultPersona         string
}

// Request is one routing question. Only the prompt is required.
type Request struct {
	Prompt             string
	TaskType           ContextType
	Persona            string
	FileCount          int
	HistoryDepth       int
	PreferredProviders []string
}

type outcome struct {
	successes uint64
	attempts  uint64
}

// rate applies a Laplace prior so unseen providers start neutral instead of
// at zero.
func (o outcome) rate() float64 {
	return (float64(o.successes) + 1) / (float64(o.attempts) + 2)
}

// Router scores manifest models against analyzed requests. Selection is
// deterministic: equal inputs and equal recorded outcomes produce equal
// decisions.
type Router struct {
	mu       sync.Mutex
	manifest *Manifest
	cfg      Config
	logger   logging.Logger
	now      func() time.Time

	health   map[string]bool
	outcomes map[string]*outcome
	history  []Decision
}

// Option customizes a Router.
type Option func(*Router)

// WithLogger attaches a logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Router) { r.logger = logging.OrNop(logger) }
}

// WithNow replaces the clock used for decision timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Router) { r.now = now }
}

// NewRouter creates a router over the given catalog. All providers start
// healthy.
func NewRouter(manifest *Manifest, cfg Config, opts ...Option) *Router {
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.DefaultPersona == "" {
		cfg.DefaultPersona = DefaultPersona
	}
	r := &Router{
		manifest: manifest,
		cfg:      cfg,
		logger:   logging.Nop(),
		now:      time.Now,
		health:   make(map[string]bool, NumProviders),
		outcomes: make(map[string]*outcome, NumProviders),
	}
	for _, provider := range Providers {
		r.health[provider] = true
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Manifest returns the catalog the router scores against.
func (r *Router) Manifest() *Manifest { return r.manifest }

// AgentOverrideThreshold returns the confidence a learned suggestion needs to
// replace the scored decision.
func (r *Router) AgentOverrideThreshold() float64 { return r.cfg.AgentOverrideThreshold }

// Route analyzes one request and returns the winning decision.
func (r *Router) Route(req Request) (*Decision, error) {
	decision, _, err := r.Plan(req, 1)
	return decision, err
}

// Plan is Route plus up to maxActions ranked actions (winner first) for
// speculative execution. Alternates are distinct models that passed the same
// filters.
func (r *Router) Plan(req Request, maxActions int) (*Decision, []Action, error) {
	if maxActions < 1 {
		maxActions = 1
	}
	persona, cleaned := ResolvePersona(req.Prompt, req.Persona, r.cfg.DefaultPersona)
	comp := AnalyzeComplexity(ComplexityInput{
		Prompt:       cleaned,
		FileCount:    req.FileCount,
		HistoryDepth: req.HistoryDepth,
	})
	ctxType := ClassifyContext(cleaned, req.TaskType)
	strategy := strategyFor(comp.Level)

	r.mu.Lock()
	defer r.mu.Unlock()

	candidates, widened := r.candidatesLocked(req.PreferredProviders)
	if len(candidates) == 0 {
		return nil, nil, errors.NoEligibleModelf("no healthy model for context %s", ctxType)
	}

	ranked := r.scoreLocked(candidates, ctxType, persona)

	winner := ranked[0]
	confidence := 1.0
	margin := 0.0
	if len(ranked) > 1 {
		margin = winner.score - ranked[1].score
		confidence = margin / (margin + confidenceScale)
	}

	reasoning := fmt.Sprintf("context=%s level=%s score=%.2f persona=%s candidates=%d winner_score=%.3f margin=%.3f",
		ctxType, comp.Level, comp.Score, persona, len(ranked), winner.score, margin)
	if widened {
		reasoning += "; preferred providers unavailable, widened to full catalog"
	}

	decision := &Decision{
		Provider:        winner.spec.Provider,
		Model:           winner.spec.Model,
		Strategy:        strategy,
		Persona:         persona,
		ContextType:     ctxType,
		ComplexityScore: comp.Score,
		ComplexityLevel: comp.Level,
		CapabilityScore: winner.score,
		Confidence:      confidence,
		Source:          SourceRouter,
		Reasoning:       reasoning,
		CreatedAt:       r.now(),
	}
	r.recordLocked(*decision)

	actions := make([]Action, 0, maxActions)
	for _, candidate := range ranked {
		if len(actions) == maxActions {
			break
		}
		actions = append(actions, Action{
			Provider: candidate.spec.Provider,
			Model:    candidate.spec.Model,
			Strategy: strategy,
		})
	}

	r.logger.Debug("routed context=%s level=%s -> %s/%s conf=%.2f",
		ctxType, comp.Level, decision.Provider, decision.Model, confidence)
	return decision, actions, nil
}

// ValidateAction reports whether an externally suggested action is currently
// servable: known healthy provider, cataloged model, valid strategy.
func (r *Router) ValidateAction(action Action) error {
	if !action.Strategy.Valid() {
		return errors.Validationf("unknown strategy %q", action.Strategy)
	}
	if _, ok := r.manifest.Find(action.Provider, action.Model); !ok {
		return errors.NoEligibleModelf("%s/%s not in catalog", action.Provider, action.Model)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.health[action.Provider] {
		return errors.NoEligibleModelf("provider %s unhealthy", action.Provider)
	}
	return nil
}

// SetProviderHealth marks a provider (un)usable for subsequent decisions.
func (r *Router) SetProviderHealth(provider string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.health[provider]; known {
		r.health[provider] = healthy
	}
}

// Health returns the current provider health map.
func (r *Router) Health() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]bool, len(r.health))
	for provider, healthy := range r.health {
		out[provider] = healthy
	}
	return out
}

// RecordOutcome feeds one execution result back into per-provider success
// tracking.
func (r *Router) RecordOutcome(provider string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := r.outcomes[provider]
	if o == nil {
		o = &outcome{}
		r.outcomes[provider] = o
	}
	o.attempts++
	if success {
		o.successes++
	}
}

// SuccessRates returns the smoothed per-provider success rates.
func (r *Router) SuccessRates() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, NumProviders)
	for _, provider := range Providers {
		out[provider] = r.outcomeLocked(provider).rate()
	}
	return out
}

// History returns the most recent decisions, newest first, capped at limit
// (non-positive limit returns everything retained).
func (r *Router) History(limit int) []Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Decision, n)
	for i := 0; i < n; i++ {
		out[i] = r.history[len(r.history)-1-i]
	}
	return out
}

// BuildState assembles the policy observation for a routed request. weights
// is (cost, time, quality) and must sum to 1.
func (r *Router) BuildState(ctxType ContextType, complexity float64, weights [3]float64, preference float64) *State {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := &State{
		Complexity:         complexity,
		Context:            ctxType,
		CostWeight:         weights[0],
		TimeWeight:         weights[1],
		QualityWeight:      weights[2],
		PreferenceStrength: preference,
	}
	for i, provider := range Providers {
		if r.health[provider] {
			state.ProviderHealth[i] = 1
		}
		state.ProviderSuccess[i] = r.outcomeLocked(provider).rate()
	}
	return state
}

type scoredModel struct {
	spec  ModelSpec
	score float64
}

// candidatesLocked filters the catalog by provider health and, when given,
// the preferred provider list. An exhausted preference filter widens back to
// every healthy provider instead of failing.
func (r *Router) candidatesLocked(preferred []string) (specs []ModelSpec, widened bool) {
	preferredSet := make(map[string]struct{}, len(preferred))
	for _, provider := range preferred {
		preferredSet[provider] = struct{}{}
	}

	healthy := make([]ModelSpec, 0, len(r.manifest.Models))
	for _, spec := range r.manifest.Models {
		if !r.health[spec.Provider] {
			continue
		}
		healthy = append(healthy, spec)
	}
	if len(preferredSet) == 0 {
		return healthy, false
	}

	narrowed := make([]ModelSpec, 0, len(healthy))
	for _, spec := range healthy {
		if _, ok := preferredSet[spec.Provider]; ok {
			narrowed = append(narrowed, spec)
		}
	}
	if len(narrowed) > 0 {
		return narrowed, false
	}
	return healthy, len(healthy) > 0
}

// scoreLocked ranks candidates best first. Ordering is total: ties on score
// break by combined cost, then model name.
func (r *Router) scoreLocked(candidates []ModelSpec, ctxType ContextType, persona string) []scoredModel {
	maxCost, maxLatency := 0.0, 0
	for _, spec := range candidates {
		if spec.CombinedCost() > maxCost {
			maxCost = spec.CombinedCost()
		}
		if spec.AvgLatencyMS > maxLatency {
			maxLatency = spec.AvgLatencyMS
		}
	}

	ranked := make([]scoredModel, 0, len(candidates))
	for _, spec := range candidates {
		capMatch := capabilityMatch(spec, ctxType)
		base := (0.5*capMatch + 0.5*spec.Quality) * personaWeight(persona, spec)
		score := base + successWeight*r.outcomeLocked(spec.Provider).rate()
		if maxCost > 0 {
			score -= r.cfg.CostWeight * (spec.CombinedCost() / maxCost)
		}
		if maxLatency > 0 {
			score -= r.cfg.LatencyWeight * (float64(spec.AvgLatencyMS) / float64(maxLatency))
		}
		ranked = append(ranked, scoredModel{spec: spec, score: score})
	}

	sort.Slice(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.spec.CombinedCost() != b.spec.CombinedCost() {
			return a.spec.CombinedCost() < b.spec.CombinedCost()
		}
		return a.spec.Model < b.spec.Model
	})
	return ranked
}

func (r *Router) outcomeLocked(provider string) outcome {
	if o := r.outcomes[provider]; o != nil {
		return *o
	}
	return outcome{}
}

func (r *Router) recordLocked(decision Decision) {
	r.history = append(r.history, decision)
	if overflow := len(r.history) - r.cfg.HistorySize; overflow > 0 {
		r.history = append(r.history[:0], r.history[overflow:]...)
	}
}

func capabilityMatch(spec ModelSpec, ctxType ContextType) float64 {
	switch {
	case spec.HasCapability(string(ctxType)):
		return 1
	case spec.HasCapability(string(ContextGeneral)):
		return 0.35
	default:
		return 0.1
	}
}

func personaWeight(persona string, spec ModelSpec) float64 {
	if tag, ok := personaEmphasis[persona]; ok && spec.HasCapability(tag) {
		return 1.1
	}
	return 1
}

func strategyFor(level ComplexityLevel) Strategy {
	switch level {
	case LevelTrivial:
		return StrategyCostEfficient
	case LevelSimple:
		return StrategyBalanced
	case LevelModerate:
		return StrategyTaskOptimized
	default:
		return StrategyPerformance
	}
}
