package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/conversation"
	"prism/internal/errors"
	"prism/internal/logging"
	"prism/internal/policy"
	"prism/internal/provider"
	"prism/internal/quantum"
	"prism/internal/routing"
)

// Deps bundles the collaborators a Coordinator needs. All of them are
// required except Metrics and Logger, which default to the process-wide
// instances.
type Deps struct {
	Config        config.Config
	Router        *routing.Router
	Agent         *policy.Agent
	Providers     provider.Registry
	Executor      *quantum.Executor
	Conversations *conversation.Manager
	Results       *cache.ResultCache
	Decisions     *cache.DecisionCache
	Metrics       *Metrics
	Logger        logging.Logger
}

// Retention window for finished streams, so subscribers that arrive after
// the terminal event still get the full replay.
const (
	retainedStreams = 256
	streamRetention = 10 * time.Minute
)

// Coordinator drives each request through context loading, caching,
// routing, speculative execution and persistence, publishing the ordered
// event stream clients observe. One coordinator serves the whole process;
// concurrent requests with the same fingerprint share a single execution.
type Coordinator struct {
	cfg           config.Config
	router        *routing.Router
	agent         *policy.Agent
	providers     provider.Registry
	executor      *quantum.Executor
	conversations *conversation.Manager
	results       *cache.ResultCache
	decisions     *cache.DecisionCache
	metrics       *Metrics
	logger        logging.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	streams  *cache.Cache[*Stream]
}

// flight is one in-progress execution shared by every requester with the
// same fingerprint. The refcount tracks attached requesters; when the last
// one walks away before completion, the execution is cancelled.
type flight struct {
	fingerprint string
	stream      *Stream
	cancel      context.CancelFunc

	mu      sync.Mutex
	waiters int
}

func (f *flight) join() {
	f.mu.Lock()
	f.waiters++
	f.mu.Unlock()
}

func (f *flight) release() {
	f.mu.Lock()
	f.waiters--
	last := f.waiters == 0
	f.mu.Unlock()
	if !last {
		return
	}
	select {
	case <-f.stream.Done():
	default:
		f.cancel()
	}
}

// NewCoordinator wires a coordinator from its dependencies.
func NewCoordinator(deps Deps) (*Coordinator, error) {
	if deps.Router == nil || deps.Agent == nil || deps.Providers == nil ||
		deps.Executor == nil || deps.Conversations == nil ||
		deps.Results == nil || deps.Decisions == nil {
		return nil, errors.Internalf("coordinator is missing a required dependency")
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = DefaultMetrics()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewComponentLogger("orchestrator")
	}
	return &Coordinator{
		cfg:           deps.Config,
		router:        deps.Router,
		agent:         deps.Agent,
		providers:     deps.Providers,
		executor:      deps.Executor,
		conversations: deps.Conversations,
		results:       deps.Results,
		decisions:     deps.Decisions,
		metrics:       metrics,
		logger:        logger,
		inflight:      make(map[string]*flight),
		streams:       cache.New[*Stream]("streams", retainedStreams, streamRetention),
	}, nil
}

// StreamFor returns the event stream of a known task, running or recently
// finished. Tasks that joined a shared execution resolve to that execution's
// stream, whose events carry the originating task's ID.
func (c *Coordinator) StreamFor(taskID string) (*Stream, bool) {
	return c.streams.Get(taskID)
}

// analysis is the routing-relevant reading of one request, computed once
// before any cache or provider work.
type analysis struct {
	persona      string
	cleaned      string
	taskType     routing.ContextType
	ctxType      routing.ContextType
	comp         routing.ComplexityResult
	preference   float64
	state        *routing.State
	historyDepth int
	resultFP     string
	decisionFP   string
}

// Handle validates one request and returns its event stream. The stream may
// belong to an execution started by an earlier request with the same
// fingerprint; in that case the caller sees the identical event sequence
// from the beginning. ctx governs only this caller's interest, not the
// execution: work is cancelled when the last interested caller leaves.
func (c *Coordinator) Handle(ctx context.Context, req *Request) (*Stream, error) {
	if req == nil {
		return nil, errors.Validationf("request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.normalize()

	a := c.analyze(req)
	if a.cleaned == "" {
		return nil, errors.Validationf("prompt is empty after the slash command")
	}

	meta := map[string]any{"task_id": req.TaskID, "persona": a.persona}
	if err := c.conversations.AddMessage(req.Context.UserID, req.Context.SessionID, "user", a.cleaned, meta); err != nil {
		return nil, err
	}

	if c.results.Enabled() {
		if cached, ok := c.results.Get(a.resultFP); ok {
			return c.serveCached(req, a, cached)
		}
	}

	c.mu.Lock()
	if f, ok := c.inflight[a.resultFP]; ok {
		f.join()
		c.mu.Unlock()
		c.metrics.IncFlightJoin()
		c.logger.Debug("task %s joined in-flight execution %s", req.TaskID, f.stream.TaskID())
		c.streams.Set(req.TaskID, f.stream)
		c.watch(ctx, f)
		go c.persistAssistantTurn(f.stream, req.Context.UserID, req.Context.SessionID)
		return f.stream, nil
	}
	execCtx, cancel := context.WithCancel(context.Background())
	f := &flight{fingerprint: a.resultFP, stream: newStream(req.TaskID), cancel: cancel, waiters: 1}
	c.inflight[a.resultFP] = f
	c.mu.Unlock()

	c.streams.Set(req.TaskID, f.stream)
	c.watch(ctx, f)
	go c.persistAssistantTurn(f.stream, req.Context.UserID, req.Context.SessionID)
	go c.run(execCtx, f, req, a)
	return f.stream, nil
}

// analyze resolves persona and context type, scores complexity, snapshots
// the routing state and derives the cache fingerprints. History depth is
// read before the user turn lands so identical prompts fingerprint alike.
func (c *Coordinator) analyze(req *Request) *analysis {
	a := &analysis{}
	a.persona, a.cleaned = routing.ResolvePersona(req.Prompt, req.Persona.Persona, c.cfg.Router.DefaultPersona)
	a.taskType, _ = routing.ParseTaskType(req.TaskType)
	a.ctxType = routing.ClassifyContext(a.cleaned, a.taskType)
	a.historyDepth = len(c.conversations.Context(req.Context.UserID, req.Context.SessionID, false))
	a.comp = routing.AnalyzeComplexity(routing.ComplexityInput{
		Prompt:       a.cleaned,
		FileCount:    len(req.Files),
		HistoryDepth: a.historyDepth,
	})
	if len(req.PreferredProviders) > 0 || len(req.ModelPreferences) > 0 {
		a.preference = 1
	}
	a.state = c.stateFor(a)
	a.resultFP = cache.Fingerprint(a.cleaned, a.persona)
	a.decisionFP = cache.Fingerprint(a.cleaned, string(a.ctxType), string(a.comp.Level))
	return a
}

func (c *Coordinator) stateFor(a *analysis) *routing.State {
	weights := [3]float64{c.cfg.Reward.WCost, c.cfg.Reward.WSpeed, c.cfg.Reward.WQuality}
	return c.router.BuildState(a.ctxType, a.comp.Score, weights, a.preference)
}

// serveCached replays a cached result as a complete synchronous stream.
func (c *Coordinator) serveCached(req *Request, a *analysis, res *provider.Result) (*Stream, error) {
	decision, ok := c.decisions.Get(a.decisionFP)
	if ok {
		decision.Source = routing.SourceCache
	} else {
		decision = routing.Decision{
			Provider:        res.Provider,
			Model:           res.Model,
			Strategy:        routing.StrategyBalanced,
			Persona:         a.persona,
			ContextType:     a.ctxType,
			ComplexityScore: a.comp.Score,
			ComplexityLevel: a.comp.Level,
			Confidence:      1,
			Source:          routing.SourceCache,
			Reasoning:       "served from result cache",
			CreatedAt:       time.Now(),
		}
	}
	decision.TaskID = req.TaskID

	meta := map[string]any{"cached": true, "provider": res.Provider, "model": res.Model}
	if err := c.conversations.AddMessage(req.Context.UserID, req.Context.SessionID, "assistant", res.Content, meta); err != nil {
		return nil, err
	}

	stream := newStream(req.TaskID)
	stream.publish(EventStart, StartPayload{TaskID: req.TaskID, Decision: &decision})
	stream.publish(EventResult, ResultPayload{
		Content:    res.Content,
		Usage:      res.Usage,
		Winner:     WinnerInfo{Provider: res.Provider, Model: res.Model, Strategy: decision.Strategy},
		Confidence: decision.Confidence,
		Cached:     true,
	})
	stream.publish(EventComplete, CompletePayload{TaskID: req.TaskID})
	c.streams.Set(req.TaskID, stream)
	c.metrics.IncRequest("cache_hit")
	c.logger.Debug("task %s served from result cache", req.TaskID)
	return stream, nil
}

// watch ties one requester's context to the flight refcount.
func (c *Coordinator) watch(ctx context.Context, f *flight) {
	go func() {
		select {
		case <-ctx.Done():
		case <-f.stream.Done():
		}
		f.release()
	}()
}

// persistAssistantTurn appends the final answer to the requester's own
// conversation. Each requester gets a copy under its session even when the
// execution was shared.
func (c *Coordinator) persistAssistantTurn(stream *Stream, userID, sessionID string) {
	logger := logging.WithTaskID(c.logger, stream.TaskID())
	for ev := range stream.Subscribe(context.Background()) {
		if ev.Type != EventResult {
			continue
		}
		payload, ok := ev.Payload.(ResultPayload)
		if !ok {
			continue
		}
		meta := map[string]any{"provider": payload.Winner.Provider, "model": payload.Winner.Model}
		if err := c.conversations.AddMessage(userID, sessionID, "assistant", payload.Content, meta); err != nil {
			logger.Error("assistant turn lost for %s/%s: %v", userID, sessionID, err)
		}
	}
}

// run executes one flight to its terminal event. It owns the execution
// context; request contexts only influence it through the flight refcount.
func (c *Coordinator) run(ctx context.Context, f *flight, req *Request, a *analysis) {
	stream := f.stream
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("task %s panicked: %v", req.TaskID, r)
			c.fail(stream, errors.Internalf("orchestration panic: %v", r))
		}
		c.mu.Lock()
		delete(c.inflight, f.fingerprint)
		c.mu.Unlock()
		f.cancel()
	}()
	c.metrics.IncActiveTasks()
	defer c.metrics.DecActiveTasks()

	if req.Context.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.Context.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	routeStart := time.Now()
	decision, ranked, err := c.route(req, a)
	if err != nil {
		c.metrics.ObserveStage(StepRouting, "error", time.Since(routeStart))
		c.fail(stream, err)
		return
	}
	c.metrics.ObserveStage(StepRouting, "ok", time.Since(routeStart))

	stream.publish(EventStart, StartPayload{TaskID: req.TaskID, Decision: decision})
	stream.publish(EventProgress, ProgressPayload{Step: StepRouting, Percentage: 20})
	c.logger.Info("task %s routed to %s/%s strategy=%s source=%s conf=%.2f",
		req.TaskID, decision.Provider, decision.Model, decision.Strategy, decision.Source, decision.Confidence)

	vars := c.variations(decision, ranked, c.maxVariations(req))
	task := quantum.Task{
		ID:       req.TaskID,
		Messages: c.buildMessages(req, a),
		Params: provider.Params{
			MaxTokens:   req.Context.MaxTokens,
			Temperature: req.Context.Temperature,
		},
	}
	for _, v := range vars {
		stream.publish(EventBranch, BranchPayload{
			VariationID: v.ID,
			Provider:    v.Action.Provider,
			Model:       v.Action.Model,
			Strategy:    v.Action.Strategy,
			Status:      BranchRunning,
		})
	}
	stream.publish(EventProgress, ProgressPayload{Step: StepExecuting, Percentage: 40})

	observe := func(_ string, b quantum.Branch) {
		c.metrics.IncBranch(string(b.Status))
		stream.publish(EventBranch, branchPayload(b))
		switch b.Status {
		case quantum.BranchSucceeded:
			c.router.RecordOutcome(b.Action.Provider, true)
		case quantum.BranchFailed, quantum.BranchTimedOut:
			c.router.RecordOutcome(b.Action.Provider, false)
		}
	}

	collapse, _ := quantum.ParseCollapse(req.Orchestration.CollapseStrategy, quantum.CollapseStrategy(c.cfg.Quantum.DefaultCollapse))

	execStart := time.Now()
	var qres *quantum.Result
	if len(vars) == 1 {
		qres = c.executeStreaming(ctx, task, vars[0], collapse, stream, observe)
	} else {
		qres, err = c.executor.Execute(ctx, task, vars, collapse, observe)
		if err != nil {
			c.metrics.ObserveStage(StepExecuting, "error", time.Since(execStart))
			c.fail(stream, err)
			return
		}
	}
	execStatus := "ok"
	if !qres.Success {
		execStatus = "failed"
	}
	c.metrics.ObserveStage(StepExecuting, execStatus, time.Since(execStart))
	stream.publish(EventProgress, ProgressPayload{Step: StepCollapsing, Percentage: 70})

	c.learn(ctx, a, decision, qres)

	if !qres.Success {
		c.fail(stream, qres.Err)
		return
	}
	winner := qres.Winner

	persistStart := time.Now()
	if c.results.Enabled() && winner.Result != nil {
		c.results.Set(a.resultFP, winner.Result, resultTTL(c.cfg.Cache.ResultTTL(), a.ctxType))
	}
	if c.decisions.Enabled() {
		// Cache the action that actually won so a repeat of this request
		// starts from it instead of re-planning.
		persisted := *decision
		persisted.Provider = winner.Action.Provider
		persisted.Model = winner.Action.Model
		persisted.Strategy = winner.Action.Strategy
		c.decisions.Set(a.decisionFP, persisted)
	}
	c.metrics.ObserveStage(StepPersisting, "ok", time.Since(persistStart))
	stream.publish(EventProgress, ProgressPayload{Step: StepPersisting, Percentage: 90})

	var usage provider.Usage
	if winner.Result != nil {
		usage = winner.Result.Usage
	}
	stream.publish(EventResult, ResultPayload{
		Content:    qres.Content,
		Usage:      usage,
		Winner:     WinnerInfo{Provider: winner.Action.Provider, Model: winner.Action.Model, Strategy: winner.Action.Strategy},
		Confidence: decision.Confidence,
		Collapse:   string(qres.Strategy),
	})
	stream.publish(EventComplete, CompletePayload{TaskID: req.TaskID})
	c.metrics.IncRequest("complete")
	c.logger.Info("task %s complete: %s/%s won in %dms across %d branches",
		req.TaskID, winner.Action.Provider, winner.Action.Model, qres.ElapsedMS, len(qres.Branches))
}

// route picks the action for one request: cached decision if still
// servable, else the scored plan, possibly overridden by the learned
// policy when it is confident and its action validates.
func (c *Coordinator) route(req *Request, a *analysis) (*routing.Decision, []routing.Action, error) {
	logger := logging.WithTaskID(c.logger, req.TaskID)
	if c.decisions.Enabled() {
		if cached, ok := c.decisions.Get(a.decisionFP); ok && c.router.ValidateAction(cached.Action()) == nil {
			cached.TaskID = req.TaskID
			cached.Source = routing.SourceCache
			logger.Debug("decision from cache: %s/%s", cached.Provider, cached.Model)
			return &cached, nil, nil
		}
	}

	decision, ranked, err := c.router.Plan(routing.Request{
		Prompt:             req.Prompt,
		TaskType:           a.taskType,
		Persona:            req.Persona.Persona,
		FileCount:          len(req.Files),
		HistoryDepth:       a.historyDepth,
		PreferredProviders: c.preferredProviders(req),
	}, c.maxVariations(req))
	if err != nil {
		return nil, nil, err
	}
	decision.TaskID = req.TaskID

	suggestion, serr := c.agent.Suggest(a.state)
	if serr != nil {
		logger.Warn("policy suggestion failed: %v", serr)
	} else if !suggestion.Explored && suggestion.Confidence >= c.router.AgentOverrideThreshold() {
		if verr := c.router.ValidateAction(suggestion.Action); verr == nil && suggestion.Action != decision.Action() {
			overridden := *decision
			overridden.Provider = suggestion.Action.Provider
			overridden.Model = suggestion.Action.Model
			overridden.Strategy = suggestion.Action.Strategy
			overridden.Confidence = suggestion.Confidence
			overridden.Source = routing.SourceAgent
			overridden.Reasoning = fmt.Sprintf("learned override (q-margin %.2f) of: %s", suggestion.Confidence, decision.Reasoning)
			decision = &overridden
			c.metrics.IncAgentOverride()
			logger.Info("learned override: %s/%s", decision.Provider, decision.Model)
		} else if verr != nil {
			logger.Debug("suggestion %s/%s rejected: %v", suggestion.Action.Provider, suggestion.Action.Model, verr)
		}
	}
	c.agent.DecayEpsilon()
	return decision, ranked, nil
}

func (c *Coordinator) maxVariations(req *Request) int {
	k := c.cfg.Quantum.MaxVariations
	if req.Orchestration.MaxVariations > 0 && req.Orchestration.MaxVariations < k {
		k = req.Orchestration.MaxVariations
	}
	if k < 1 {
		k = 1
	}
	return k
}

// preferredProviders merges the explicit provider preference with providers
// inferred from model preferences.
func (c *Coordinator) preferredProviders(req *Request) []string {
	if len(req.PreferredProviders) == 0 && len(req.ModelPreferences) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(req.PreferredProviders))
	out := make([]string, 0, len(req.PreferredProviders))
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	for _, p := range req.PreferredProviders {
		add(p)
	}
	for _, m := range req.ModelPreferences {
		for _, spec := range c.router.Manifest().Models {
			if spec.Model == m {
				add(spec.Provider)
			}
		}
	}
	return out
}

// variations builds the speculative branch set: the decided action first,
// then ranked alternates, then a strategy twin of the winner when space
// remains. Unservable actions are dropped.
func (c *Coordinator) variations(decision *routing.Decision, ranked []routing.Action, k int) []quantum.Variation {
	actions := make([]routing.Action, 0, k)
	add := func(a routing.Action) {
		if len(actions) == k {
			return
		}
		for _, have := range actions {
			if have == a {
				return
			}
		}
		if c.router.ValidateAction(a) != nil {
			return
		}
		actions = append(actions, a)
	}

	add(decision.Action())
	for _, alt := range ranked {
		alt.Strategy = decision.Strategy
		add(alt)
	}
	if len(actions) < k {
		twin := decision.Action()
		twin.Strategy = alternateStrategy(twin.Strategy)
		add(twin)
	}
	if len(actions) == 0 {
		// Health flipped between planning and here; run the decided action
		// anyway and let the branch record the failure.
		actions = append(actions, decision.Action())
	}

	vars := make([]quantum.Variation, len(actions))
	for i, action := range actions {
		prior := decision.Confidence / float64(i+1)
		spec, _ := c.router.Manifest().Find(action.Provider, action.Model)
		vars[i] = quantum.Variation{
			ID:              fmt.Sprintf("b%d", i+1),
			Action:          action,
			Prior:           prior,
			InputCostPer1K:  spec.CostInPer1K,
			OutputCostPer1K: spec.CostOutPer1K,
		}
	}
	return vars
}

func alternateStrategy(s routing.Strategy) routing.Strategy {
	for i, known := range routing.Strategies {
		if known == s {
			return routing.Strategies[(i+1)%len(routing.Strategies)]
		}
	}
	return routing.StrategyBalanced
}

// buildMessages assembles the provider payload: persona system prompt,
// then the token-budgeted conversation, which already ends with the
// current user turn.
func (c *Coordinator) buildMessages(req *Request, a *analysis) []provider.Message {
	system := routing.PersonaPrompt(a.persona)
	if req.Persona.CustomInstructions != "" {
		system += "\n\n" + req.Persona.CustomInstructions
	}
	history := c.conversations.Context(req.Context.UserID, req.Context.SessionID, true)
	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, provider.Message{Role: "system", Content: system})
	for _, m := range history {
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// executeStreaming is the single-variation fast path: it calls the provider
// directly with a delta callback so clients see tokens as they arrive,
// then reports the call as a one-branch result.
func (c *Coordinator) executeStreaming(ctx context.Context, task quantum.Task, v quantum.Variation, collapse quantum.CollapseStrategy, stream *Stream, observe quantum.Observer) *quantum.Result {
	bctx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Quantum.BranchTimeoutMS > 0 {
		bctx, cancel = context.WithTimeout(ctx, c.cfg.Quantum.BranchTimeout())
	}
	defer cancel()

	start := time.Now()
	res, err := c.providers.StreamCompletion(bctx, v.Action.Provider, v.Action.Model, task.Messages, task.Params, func(text string) {
		stream.publish(EventDelta, DeltaPayload{Text: text})
	})
	branch := quantum.Branch{
		VariationID: v.ID,
		Action:      v.Action,
		Prior:       v.Prior,
		ElapsedMS:   time.Since(start).Milliseconds(),
	}
	switch {
	case err == nil:
		branch.Status = quantum.BranchSucceeded
		branch.Result = res
		branch.CostUSD = res.Cost(v.InputCostPer1K, v.OutputCostPer1K)
	case ctx.Err() == context.Canceled:
		branch.Status = quantum.BranchCancelled
		branch.Err = context.Canceled
	case bctx.Err() == context.DeadlineExceeded:
		branch.Status = quantum.BranchTimedOut
		branch.Err = errors.Timeoutf("branch %s exceeded its window", v.ID)
	default:
		branch.Status = quantum.BranchFailed
		branch.Err = err
	}
	if observe != nil {
		observe(task.ID, branch)
	}

	qres := &quantum.Result{
		Strategy:  collapse,
		Branches:  []quantum.Branch{branch},
		ElapsedMS: branch.ElapsedMS,
	}
	if branch.Succeeded() {
		qres.Success = true
		qres.Winner = &qres.Branches[0]
		qres.Content = res.Content
	} else {
		qres.Err = errors.New(errors.KindAllBranchesFailed, "all 1 branches failed for task %s: %v", task.ID, branch.Err)
	}
	return qres
}

// learn turns the collapsed outcome into a policy experience. Cancelled
// work teaches nothing; failed work earns the configured penalty.
func (c *Coordinator) learn(ctx context.Context, a *analysis, decision *routing.Decision, qres *quantum.Result) {
	var (
		action routing.Action
		reward float64
	)
	switch {
	case qres.Success && qres.Winner != nil:
		w := qres.Winner
		quality := policy.QualitySignal(w.Result.Content, w.Result.FinishReason)
		reward = policy.ComputeReward(c.cfg.Reward, quality, float64(w.ElapsedMS), w.CostUSD, false)
		action = w.Action
	case ctx.Err() != nil:
		return
	default:
		reward = policy.ComputeReward(c.cfg.Reward, 0, float64(qres.ElapsedMS), 0, true)
		action = decision.Action()
	}

	logger := logging.WithTaskID(c.logger, decision.TaskID)
	idx := policy.NearestActionIndex(action)
	if idx < 0 {
		logger.Debug("no action slot for %s/%s, experience skipped", action.Provider, action.Model)
		return
	}
	c.metrics.ObserveReward(reward)
	next := c.stateFor(a).Vector()
	if err := c.agent.Remember(a.state.Vector(), idx, reward, next, true); err != nil {
		logger.Warn("experience not recorded: %v", err)
		return
	}
	if loss, ok := c.agent.Replay(); ok {
		logger.Debug("replay loss %.4f epsilon %.3f", loss, c.agent.Epsilon())
	}
}

// fail publishes the terminal error event.
func (c *Coordinator) fail(stream *Stream, err error) {
	if err == nil {
		err = errors.Internalf("orchestration failed without a cause")
	}
	stream.publish(EventError, ErrorPayload{
		Code:      errors.KindOf(err).Code(),
		Message:   err.Error(),
		Retriable: errors.IsRetriable(err),
	})
	c.metrics.IncRequest("error")
	c.logger.Warn("task %s failed: %v", stream.TaskID(), err)
}

// resultTTL scales the configured TTL by task type: diagnostic answers go
// stale fast, structural ones keep.
func resultTTL(base time.Duration, ctxType routing.ContextType) time.Duration {
	switch ctxType {
	case routing.ContextDebugging, routing.ContextTesting:
		return base / 2
	case routing.ContextDocumentation, routing.ContextArchitecture:
		return base * 2
	default:
		return base
	}
}
