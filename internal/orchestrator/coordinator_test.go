package orchestrator

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"prism/internal/cache"
	"prism/internal/config"
	"prism/internal/conversation"
	"prism/internal/errors"
	"prism/internal/policy"
	"prism/internal/provider"
	"prism/internal/quantum"
	"prism/internal/routing"
)

type coordFixture struct {
	coord     *Coordinator
	cfg       *config.Config
	router    *routing.Router
	agent     *policy.Agent
	mocks     map[string]*provider.MockClient
	conv      *conversation.Manager
	results   *cache.ResultCache
	decisions *cache.DecisionCache
	metrics   *Metrics
}

func newCoordFixture(t *testing.T, mutate func(*config.Config)) *coordFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Quantum.MaxWorkers = 8
	cfg.Quantum.QueueCapacity = 16
	cfg.Quantum.BranchTimeoutMS = 2000
	cfg.Quantum.ExecuteTimeoutMS = 2000
	cfg.Quantum.CancelGraceMS = 100
	if mutate != nil {
		mutate(cfg)
	}

	manifest := routing.DefaultManifest()
	router := routing.NewRouter(manifest, routing.Config{
		HistorySize:            cfg.Router.HistorySize,
		CostWeight:             cfg.Router.CostWeight,
		LatencyWeight:          cfg.Router.LatencyWeight,
		AgentOverrideThreshold: cfg.Router.AgentOverrideThreshold,
		DefaultPersona:         cfg.Router.DefaultPersona,
	})
	agent, err := policy.NewAgent(cfg.DQN)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}

	registry := provider.NewRegistry(nil)
	mocks := make(map[string]*provider.MockClient, len(routing.Providers))
	for _, name := range routing.Providers {
		specs := manifest.ModelsFor(name)
		models := make([]string, len(specs))
		for i, spec := range specs {
			models[i] = spec.Model
		}
		client := provider.NewMockClient(name, models)
		registry.Register(name, client)
		mocks[name] = client
	}

	executor := quantum.NewExecutor(cfg.Quantum, registry)
	conv := conversation.NewManager(cfg.Context.MaxTokens, cfg.Context.SessionTimeout())
	results := cache.NewResultCache(cfg.Cache.Enabled, cfg.Cache.MaxEntries, cfg.Cache.ResultTTL())
	decisions := cache.NewDecisionCache(cfg.Cache.Enabled, cfg.Cache.MaxEntries, cfg.Cache.DecisionTTL())
	metrics := MustNewMetrics(prometheus.NewRegistry())

	coord, err := NewCoordinator(Deps{
		Config:        *cfg,
		Router:        router,
		Agent:         agent,
		Providers:     registry,
		Executor:      executor,
		Conversations: conv,
		Results:       results,
		Decisions:     decisions,
		Metrics:       metrics,
	})
	if err != nil {
		t.Fatalf("coordinator: %v", err)
	}
	return &coordFixture{
		coord:     coord,
		cfg:       cfg,
		router:    router,
		agent:     agent,
		mocks:     mocks,
		conv:      conv,
		results:   results,
		decisions: decisions,
		metrics:   metrics,
	}
}

// handle runs one request to its terminal event and returns all events.
func (f *coordFixture) handle(t *testing.T, req *Request) []Event {
	t.Helper()
	stream, err := f.coord.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	return drainStream(t, stream.Subscribe(context.Background()), 5*time.Second)
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("gave up waiting for %s", what)
}

func eventIndex(events []Event, match func(Event) bool) int {
	for i, ev := range events {
		if match(ev) {
			return i
		}
	}
	return -1
}

func progressIndex(events []Event, step string) int {
	return eventIndex(events, func(ev Event) bool {
		p, ok := ev.Payload.(ProgressPayload)
		return ok && ev.Type == EventProgress && p.Step == step
	})
}

func startDecision(t *testing.T, events []Event) *routing.Decision {
	t.Helper()
	i := eventIndex(events, func(ev Event) bool { return ev.Type == EventStart })
	if i < 0 {
		t.Fatal("no start event")
	}
	payload, ok := events[i].Payload.(StartPayload)
	if !ok || payload.Decision == nil {
		t.Fatalf("start payload has no decision: %#v", events[i].Payload)
	}
	return payload.Decision
}

func resultPayload(t *testing.T, events []Event) ResultPayload {
	t.Helper()
	i := eventIndex(events, func(ev Event) bool { return ev.Type == EventResult })
	if i < 0 {
		t.Fatal("no result event")
	}
	payload, ok := events[i].Payload.(ResultPayload)
	if !ok {
		t.Fatalf("result payload has wrong type: %#v", events[i].Payload)
	}
	return payload
}

func totalCalls(mocks map[string]*provider.MockClient) int {
	total := 0
	for _, m := range mocks {
		total += m.TotalCalls()
	}
	return total
}

func TestHandleDebugRequest(t *testing.T) {
	f := newCoordFixture(t, nil)
	req := &Request{
		TaskType: "debug",
		Prompt:   "Fix this error: TypeError: 'int' object is not callable",
		Context:  RequestContext{UserID: "u1", SessionID: "s1"},
		Persona:  PersonaConfig{Persona: "developer"},
	}
	events := f.handle(t, req)

	decision := startDecision(t, events)
	if decision.Persona != "developer" {
		t.Errorf("persona = %q, want developer", decision.Persona)
	}
	if decision.ContextType != routing.ContextDebugging {
		t.Errorf("context type = %q, want debugging", decision.ContextType)
	}
	if decision.Confidence <= 0 || decision.Confidence > 1 {
		t.Errorf("confidence %v out of range", decision.Confidence)
	}
	if decision.Source != routing.SourceRouter {
		t.Errorf("source = %q, want router for a fresh policy", decision.Source)
	}

	last := events[len(events)-1]
	if last.Type != EventComplete {
		t.Fatalf("terminal event is %v, want complete", last.Type)
	}
	res := resultPayload(t, events)
	if res.Content == "" || res.Winner.Provider == "" {
		t.Fatalf("empty result: %+v", res)
	}

	waitFor(t, time.Second, "assistant turn", func() bool {
		return len(f.conv.Context("u1", "s1", false)) == 2
	})
	msgs := f.conv.Context("u1", "s1", false)
	if msgs[0].Role != "user" || msgs[0].Content != req.Prompt {
		t.Errorf("user turn wrong: %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != res.Content {
		t.Errorf("assistant turn wrong: %+v", msgs[1])
	}

	if len(f.router.History(5)) == 0 {
		t.Error("router recorded no decision")
	}
	if f.agent.Metrics().Buffer.Size == 0 {
		t.Error("no experience recorded")
	}
	if got := testutil.ToFloat64(f.metrics.agentOverrides); got != 0 {
		t.Errorf("agent overrides = %v, want 0 for an untrained policy", got)
	}
}

func TestHandleSlashPersonaEventOrder(t *testing.T) {
	f := newCoordFixture(t, nil)
	events := f.handle(t, &Request{
		Prompt:  "/arch Design a rate limiter for a public API",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})

	decision := startDecision(t, events)
	if decision.Persona != "architect" {
		t.Errorf("persona = %q, want architect from the slash command", decision.Persona)
	}

	startIdx := eventIndex(events, func(ev Event) bool { return ev.Type == EventStart })
	routingIdx := progressIndex(events, StepRouting)
	executingIdx := progressIndex(events, StepExecuting)
	resultIdx := eventIndex(events, func(ev Event) bool { return ev.Type == EventResult })
	completeIdx := eventIndex(events, func(ev Event) bool { return ev.Type == EventComplete })
	if !(startIdx < routingIdx && routingIdx < executingIdx && executingIdx < resultIdx && resultIdx < completeIdx) {
		t.Fatalf("event order wrong: start=%d routing=%d executing=%d result=%d complete=%d",
			startIdx, routingIdx, executingIdx, resultIdx, completeIdx)
	}

	res := resultPayload(t, events)
	if !strings.Contains(res.Content, "Design a rate limiter") {
		t.Errorf("result does not echo the cleaned prompt: %q", res.Content)
	}
	if strings.Contains(res.Content, "/arch") {
		t.Errorf("slash command leaked into the provider payload: %q", res.Content)
	}
}

func TestHandleSingleFlightSharesExecution(t *testing.T) {
	f := newCoordFixture(t, nil)
	for _, m := range f.mocks {
		m.WithDelay(150 * time.Millisecond)
	}

	req1 := &Request{
		Prompt:  "Explain the visitor pattern in Go",
		Context: RequestContext{UserID: "u1", SessionID: "sA"},
	}
	req2 := &Request{
		Prompt:  "Explain the visitor pattern in Go",
		Context: RequestContext{UserID: "u2", SessionID: "sB"},
	}

	s1, err := f.coord.Handle(context.Background(), req1)
	if err != nil {
		t.Fatalf("first handle: %v", err)
	}
	s2, err := f.coord.Handle(context.Background(), req2)
	if err != nil {
		t.Fatalf("second handle: %v", err)
	}
	if s1 != s2 {
		t.Fatal("identical fingerprints should share one stream")
	}

	events := drainStream(t, s1.Subscribe(context.Background()), 5*time.Second)
	if events[len(events)-1].Type != EventComplete {
		t.Fatalf("terminal event is %v", events[len(events)-1].Type)
	}

	running := 0
	for _, ev := range events {
		if p, ok := ev.Payload.(BranchPayload); ok && p.Status == BranchRunning {
			running++
		}
	}
	if calls := totalCalls(f.mocks); calls != running {
		t.Errorf("provider calls = %d, want one per variation (%d)", calls, running)
	}
	if got := testutil.ToFloat64(f.metrics.flightJoins); got != 1 {
		t.Errorf("flight joins = %v, want 1", got)
	}

	// Both requesters keep their own conversation copy of the shared answer.
	for _, key := range []struct{ user, session string }{{"u1", "sA"}, {"u2", "sB"}} {
		key := key
		waitFor(t, time.Second, "assistant turn for "+key.session, func() bool {
			return len(f.conv.Context(key.user, key.session, false)) == 2
		})
	}
}

func TestHandleStreamsDeltasForSingleVariation(t *testing.T) {
	f := newCoordFixture(t, func(cfg *config.Config) { cfg.Quantum.MaxVariations = 1 })
	events := f.handle(t, &Request{
		Prompt:  "Summarize the repository layout",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})

	var streamed strings.Builder
	deltas := 0
	for _, ev := range events {
		if p, ok := ev.Payload.(DeltaPayload); ok {
			streamed.WriteString(p.Text)
			deltas++
		}
	}
	if deltas == 0 {
		t.Fatal("single-variation execution should stream deltas")
	}
	res := resultPayload(t, events)
	if streamed.String() != res.Content {
		t.Errorf("deltas reassemble to %q, result is %q", streamed.String(), res.Content)
	}

	terminalBranch := eventIndex(events, func(ev Event) bool {
		p, ok := ev.Payload.(BranchPayload)
		return ok && p.Status == string(quantum.BranchSucceeded)
	})
	if terminalBranch < 0 {
		t.Error("no succeeded branch event")
	}
}

func TestHandleServesCachedResult(t *testing.T) {
	f := newCoordFixture(t, nil)
	req := &Request{
		Prompt:  "What is a goroutine?",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	}
	first := f.handle(t, req)
	firstRes := resultPayload(t, first)

	waitFor(t, time.Second, "flight cleanup", func() bool {
		f.coord.mu.Lock()
		defer f.coord.mu.Unlock()
		return len(f.coord.inflight) == 0
	})
	before := totalCalls(f.mocks)

	second := f.handle(t, &Request{
		Prompt:  "What is a goroutine?",
		Context: RequestContext{UserID: "u1", SessionID: "s2"},
	})
	if got := totalCalls(f.mocks); got != before {
		t.Errorf("cache hit made %d provider calls", got-before)
	}
	if len(second) != 3 {
		t.Fatalf("cached stream has %d events, want start/result/complete", len(second))
	}
	decision := startDecision(t, second)
	if decision.Source != routing.SourceCache {
		t.Errorf("decision source = %q, want cache", decision.Source)
	}
	res := resultPayload(t, second)
	if !res.Cached {
		t.Error("result not marked cached")
	}
	if res.Content != firstRes.Content {
		t.Errorf("cached content differs: %q vs %q", res.Content, firstRes.Content)
	}
	if got := testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues("cache_hit")); got != 1 {
		t.Errorf("cache_hit count = %v, want 1", got)
	}
}

func TestHandleValidationRejects(t *testing.T) {
	f := newCoordFixture(t, nil)
	cases := []struct {
		name string
		req  *Request
	}{
		{"empty prompt", &Request{Prompt: "   "}},
		{"bad temperature", &Request{Prompt: "hi", Context: RequestContext{Temperature: 3}}},
		{"unknown task type", &Request{Prompt: "hi", TaskType: "poetry"}},
		{"unknown persona", &Request{Prompt: "hi", Persona: PersonaConfig{Persona: "wizard"}}},
		{"unknown provider", &Request{Prompt: "hi", PreferredProviders: []string{"azure"}}},
		{"bad collapse", &Request{Prompt: "hi", Orchestration: OrchestrationConfig{CollapseStrategy: "quorum"}}},
		{"too many variations", &Request{Prompt: "hi", Orchestration: OrchestrationConfig{MaxVariations: 99}}},
		{"slash with no task", &Request{Prompt: "/dev"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.coord.Handle(context.Background(), tc.req)
			if err == nil {
				t.Fatal("expected a validation error")
			}
			if !errors.IsKind(err, errors.KindValidation) {
				t.Fatalf("kind = %v, want validation: %v", errors.KindOf(err), err)
			}
		})
	}
}

func TestHandleNoHealthyProviders(t *testing.T) {
	f := newCoordFixture(t, nil)
	for _, p := range routing.Providers {
		f.router.SetProviderHealth(p, false)
	}

	events := f.handle(t, &Request{
		Prompt:  "Anything at all",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("expected a lone error event, got %d events", len(events))
	}
	payload := events[0].Payload.(ErrorPayload)
	if payload.Code != "no_eligible_model" {
		t.Errorf("code = %q, want no_eligible_model", payload.Code)
	}
	if payload.Retriable {
		t.Error("no_eligible_model should not be retriable")
	}
	if got := testutil.ToFloat64(f.metrics.requestsTotal.WithLabelValues("error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
}

func TestHandleAllBranchesFailed(t *testing.T) {
	f := newCoordFixture(t, nil)
	boom := stderrors.New("upstream down")
	for name, m := range f.mocks {
		for _, spec := range f.router.Manifest().ModelsFor(name) {
			m.Fail(spec.Model, boom)
		}
	}

	events := f.handle(t, &Request{
		Prompt:  "Refactor this function",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event is %v, want error", last.Type)
	}
	payload := last.Payload.(ErrorPayload)
	if payload.Code != "all_branches_failed" {
		t.Errorf("code = %q, want all_branches_failed", payload.Code)
	}

	failed := 0
	for _, ev := range events {
		if p, ok := ev.Payload.(BranchPayload); ok && p.Status == string(quantum.BranchFailed) {
			failed++
		}
	}
	if failed == 0 {
		t.Error("no failed branch events")
	}

	// Failure still teaches: the policy records a penalized experience and
	// the router's success rates drop below the neutral prior.
	if f.agent.Metrics().Buffer.Size == 0 {
		t.Error("failure recorded no experience")
	}
	dropped := false
	for _, rate := range f.router.SuccessRates() {
		if rate < 0.5 {
			dropped = true
		}
	}
	if !dropped {
		t.Error("no provider success rate dropped after failures")
	}
}

func TestHandleCancellationAbandonsWork(t *testing.T) {
	f := newCoordFixture(t, func(cfg *config.Config) {
		cfg.Quantum.BranchTimeoutMS = 10_000
		cfg.Quantum.ExecuteTimeoutMS = 10_000
	})
	for _, m := range f.mocks {
		m.WithDelay(5 * time.Second)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := f.coord.Handle(ctx, &Request{
		Prompt:  "Review this pull request",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}

	ch := stream.Subscribe(context.Background())
	start := time.Now()
	for ev := range ch {
		if p, ok := ev.Payload.(ProgressPayload); ok && p.Step == StepExecuting {
			cancel()
			break
		}
	}
	events := drainStream(t, ch, 3*time.Second)
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Fatalf("cancellation took %s, should not wait for the provider delay", elapsed)
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event is %v, want error after cancellation", last.Type)
	}

	// Cancelled work must not train the policy or count against providers.
	if size := f.agent.Metrics().Buffer.Size; size != 0 {
		t.Errorf("cancelled run recorded %d experiences", size)
	}
	for p, rate := range f.router.SuccessRates() {
		if rate != 0.5 {
			t.Errorf("provider %s rate moved to %v on cancelled work", p, rate)
		}
	}
	cancel()
}

func TestHandleRequestTimeout(t *testing.T) {
	f := newCoordFixture(t, func(cfg *config.Config) {
		cfg.Quantum.BranchTimeoutMS = 10_000
		cfg.Quantum.ExecuteTimeoutMS = 10_000
	})
	for _, m := range f.mocks {
		m.WithDelay(2 * time.Second)
	}

	start := time.Now()
	events := f.handle(t, &Request{
		Prompt:  "Write a haiku about indexes",
		Context: RequestContext{UserID: "u1", SessionID: "s1", TimeoutMS: 120},
	})
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("request ran %s past its 120ms budget", elapsed)
	}
	last := events[len(events)-1]
	if last.Type != EventError {
		t.Fatalf("terminal event is %v, want error on timeout", last.Type)
	}
	timedOut := 0
	for _, ev := range events {
		if p, ok := ev.Payload.(BranchPayload); ok && p.Status == string(quantum.BranchTimedOut) {
			timedOut++
		}
	}
	if timedOut == 0 {
		t.Error("no branch reported timeout")
	}
}

func TestHandleConversationRounds(t *testing.T) {
	f := newCoordFixture(t, func(cfg *config.Config) { cfg.Cache.Enabled = false })
	f.handle(t, &Request{
		Prompt:  "My project is called lighthouse.",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})
	waitFor(t, time.Second, "first assistant turn", func() bool {
		return len(f.conv.Context("u1", "s1", false)) == 2
	})
	f.handle(t, &Request{
		Prompt:  "What is my project called?",
		Context: RequestContext{UserID: "u1", SessionID: "s1"},
	})
	waitFor(t, time.Second, "second assistant turn", func() bool {
		return len(f.conv.Context("u1", "s1", false)) == 4
	})

	msgs := f.conv.Context("u1", "s1", false)
	wantRoles := []string{"user", "assistant", "user", "assistant"}
	for i, role := range wantRoles {
		if msgs[i].Role != role {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, role)
		}
	}
	if msgs[0].Metadata["task_id"] == "" {
		t.Error("user turn lost its task id")
	}
}

func TestVariationsAreDistinctAndPriced(t *testing.T) {
	f := newCoordFixture(t, nil)
	decision, ranked, err := f.router.Plan(routing.Request{Prompt: "implement a streaming JSON parser"}, 3)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	vars := f.coord.variations(decision, ranked, 3)
	if len(vars) != 3 {
		t.Fatalf("got %d variations, want 3", len(vars))
	}
	if vars[0].Action != decision.Action() {
		t.Errorf("first variation %+v is not the decided action", vars[0].Action)
	}
	seen := make(map[routing.Action]bool)
	for i, v := range vars {
		if seen[v.Action] {
			t.Errorf("duplicate action %+v", v.Action)
		}
		seen[v.Action] = true
		if v.ID == "" {
			t.Errorf("variation %d has no id", i)
		}
		spec, ok := f.router.Manifest().Find(v.Action.Provider, v.Action.Model)
		if !ok {
			t.Fatalf("variation %d not in catalog", i)
		}
		if v.InputCostPer1K != spec.CostInPer1K || v.OutputCostPer1K != spec.CostOutPer1K {
			t.Errorf("variation %d cost rates do not match the manifest", i)
		}
	}
}

func TestAlternateStrategyRotates(t *testing.T) {
	for _, s := range routing.Strategies {
		if alternateStrategy(s) == s {
			t.Errorf("alternate of %q is itself", s)
		}
	}
	if alternateStrategy(routing.Strategy("bogus")) != routing.StrategyBalanced {
		t.Error("unknown strategy should fall back to balanced")
	}
}

func TestResultTTLByContext(t *testing.T) {
	base := time.Minute
	if got := resultTTL(base, routing.ContextDebugging); got != 30*time.Second {
		t.Errorf("debugging ttl = %s", got)
	}
	if got := resultTTL(base, routing.ContextArchitecture); got != 2*time.Minute {
		t.Errorf("architecture ttl = %s", got)
	}
	if got := resultTTL(base, routing.ContextGeneral); got != base {
		t.Errorf("general ttl = %s", got)
	}
}

func TestMaxVariationsClamp(t *testing.T) {
	f := newCoordFixture(t, nil)
	base := f.cfg.Quantum.MaxVariations
	if got := f.coord.maxVariations(&Request{}); got != base {
		t.Errorf("default = %d, want %d", got, base)
	}
	if got := f.coord.maxVariations(&Request{Orchestration: OrchestrationConfig{MaxVariations: 2}}); got != 2 {
		t.Errorf("narrowed = %d, want 2", got)
	}
	if got := f.coord.maxVariations(&Request{Orchestration: OrchestrationConfig{MaxVariations: base + 5}}); got != base {
		t.Errorf("request must not widen the configured fan-out, got %d", got)
	}
}

func TestStreamForRetainsFinishedStreams(t *testing.T) {
	f := newCoordFixture(t, nil)
	req := &Request{Prompt: "Explain how the scheduler picks a goroutine"}
	stream, err := f.coord.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	events := drainStream(t, stream.Subscribe(context.Background()), 5*time.Second)
	if events[len(events)-1].Type != EventComplete {
		t.Fatalf("terminal event %s", events[len(events)-1].Type)
	}

	got, ok := f.coord.StreamFor(req.TaskID)
	if !ok {
		t.Fatalf("finished task %s not retained", req.TaskID)
	}
	if got != stream {
		t.Fatal("retained stream is not the handled stream")
	}
	replay := drainStream(t, got.Subscribe(context.Background()), 2*time.Second)
	if len(replay) != len(events) {
		t.Fatalf("replay has %d events, original %d", len(replay), len(events))
	}

	if _, ok := f.coord.StreamFor("task_unknown"); ok {
		t.Fatal("unknown task resolved to a stream")
	}
}
