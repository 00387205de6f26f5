package quantum

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/provider"
	"prism/internal/routing"
)

type scriptedCall struct {
	delay            time.Duration
	ignoreCancel     bool
	content          string
	finish           string
	err              error
	completionTokens int
}

// scriptedRegistry plays back per-model behavior so branch timing is under
// test control.
type scriptedRegistry struct {
	mu      sync.Mutex
	scripts map[string]scriptedCall
	calls   map[string]int
}

func newScriptedRegistry() *scriptedRegistry {
	return &scriptedRegistry{
		scripts: make(map[string]scriptedCall),
		calls:   make(map[string]int),
	}
}

func (r *scriptedRegistry) script(prov, model string, call scriptedCall) {
	r.mu.Lock()
	r.scripts[prov+"/"+model] = call
	r.mu.Unlock()
}

func (r *scriptedRegistry) callCount(prov, model string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[prov+"/"+model]
}

func (r *scriptedRegistry) GenerateCompletion(ctx context.Context, prov, model string, _ []provider.Message, _ provider.Params) (*provider.Result, error) {
	r.mu.Lock()
	call := r.scripts[prov+"/"+model]
	r.calls[prov+"/"+model]++
	r.mu.Unlock()

	if call.delay > 0 {
		if call.ignoreCancel {
			time.Sleep(call.delay)
		} else {
			select {
			case <-time.After(call.delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if call.err != nil {
		return nil, call.err
	}
	finish := call.finish
	if finish == "" {
		finish = "stop"
	}
	return &provider.Result{
		Provider: prov,
		Model:    model,
		Content:  call.content,
		Role:     "assistant",
		Usage: provider.Usage{
			PromptTokens:     10,
			CompletionTokens: call.completionTokens,
			TotalTokens:      10 + call.completionTokens,
		},
		FinishReason: finish,
	}, nil
}

func (r *scriptedRegistry) StreamCompletion(ctx context.Context, prov, model string, messages []provider.Message, params provider.Params, _ func(string)) (*provider.Result, error) {
	return r.GenerateCompletion(ctx, prov, model, messages, params)
}

func (r *scriptedRegistry) ValidateModel(string, string) bool   { return true }
func (r *scriptedRegistry) ListModels(string) []string          { return nil }
func (r *scriptedRegistry) HealthCheck(context.Context, string) error { return nil }

func testQuantumConfig() config.QuantumConfig {
	return config.QuantumConfig{
		MaxWorkers:          4,
		QueueCapacity:       8,
		BranchTimeoutMS:     2000,
		ExecuteTimeoutMS:    5000,
		CancelGraceMS:       250,
		DefaultCollapse:     "best_score",
		MaxVariations:       3,
		CostWeight:          0.3,
		LatencyWeight:       0.2,
		ConsensusQuorum:     0.5,
		SimilarityThreshold: 0.75,
	}
}

func vrt(id, prov, model string) Variation {
	return Variation{
		ID:     id,
		Action: routing.Action{Provider: prov, Model: model, Strategy: routing.StrategyBalanced},
	}
}

func testTask() Task {
	return Task{
		ID:       "task-1",
		Messages: []provider.Message{{Role: "user", Content: "explain the bug"}},
		Params:   provider.Params{MaxTokens: 256, Temperature: 0.7},
	}
}

func TestExecuteRejectsEmptyVariations(t *testing.T) {
	e := NewExecutor(testQuantumConfig(), newScriptedRegistry())
	if _, err := e.Execute(context.Background(), testTask(), nil, CollapseBestScore, nil); err == nil {
		t.Fatal("empty variation set accepted")
	}
}

func TestExecuteRejectsUnknownStrategy(t *testing.T) {
	e := NewExecutor(testQuantumConfig(), newScriptedRegistry())
	vars := []Variation{vrt("b1", "openai", "gpt-4o")}
	_, err := e.Execute(context.Background(), testTask(), vars, "majority_vote", nil)
	if !errors.IsKind(err, errors.KindValidation) {
		t.Fatalf("err = %v, want validation", err)
	}
}

func TestFirstSuccessCancelsSlowSiblings(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "slow-a", scriptedCall{delay: 500 * time.Millisecond, content: "late"})
	reg.script("anthropic", "fast", scriptedCall{delay: 30 * time.Millisecond, content: "winner"})
	reg.script("google", "slow-b", scriptedCall{delay: 500 * time.Millisecond, content: "late"})
	reg.script("deepseek", "slow-c", scriptedCall{delay: 500 * time.Millisecond, content: "late"})

	e := NewExecutor(testQuantumConfig(), reg)
	vars := []Variation{
		vrt("b1", "openai", "slow-a"),
		vrt("b2", "anthropic", "fast"),
		vrt("b3", "google", "slow-b"),
		vrt("b4", "deepseek", "slow-c"),
	}

	var observed []Branch
	observe := func(_ string, b Branch) { observed = append(observed, b) }

	start := time.Now()
	res, err := e.Execute(context.Background(), testTask(), vars, CollapseFirstSuccess, observe)
	if err != nil {
		t.Fatal(err)
	}
	if wall := time.Since(start); wall > 300*time.Millisecond {
		t.Fatalf("first success took %s, want well under sibling delay", wall)
	}

	if !res.Success || res.Winner == nil {
		t.Fatalf("result = %+v, want success", res)
	}
	if res.Winner.VariationID != "b2" || res.Content != "winner" {
		t.Fatalf("winner = %s %q", res.Winner.VariationID, res.Content)
	}
	if len(res.Branches) != 4 {
		t.Fatalf("recorded %d branches, want 4", len(res.Branches))
	}
	for _, b := range res.Branches {
		switch b.VariationID {
		case "b2":
			if b.Status != BranchSucceeded {
				t.Fatalf("winner status = %s", b.Status)
			}
		default:
			if b.Status != BranchCancelled {
				t.Fatalf("sibling %s status = %s, want cancelled", b.VariationID, b.Status)
			}
		}
	}
	if len(observed) != 4 {
		t.Fatalf("observer fired %d times, want once per branch", len(observed))
	}
}

func TestFirstSuccessAbandonsStuckBranch(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("anthropic", "fast", scriptedCall{delay: 10 * time.Millisecond, content: "winner"})
	reg.script("ollama", "stuck", scriptedCall{delay: 2 * time.Second, ignoreCancel: true, content: "never seen"})

	cfg := testQuantumConfig()
	cfg.CancelGraceMS = 50
	e := NewExecutor(cfg, reg)

	vars := []Variation{
		vrt("b1", "anthropic", "fast"),
		vrt("b2", "ollama", "stuck"),
	}
	start := time.Now()
	res, err := e.Execute(context.Background(), testTask(), vars, CollapseFirstSuccess, nil)
	if err != nil {
		t.Fatal(err)
	}
	if wall := time.Since(start); wall > time.Second {
		t.Fatalf("abandonment did not bound the call: %s", wall)
	}
	if !res.Success || res.Winner.VariationID != "b1" {
		t.Fatalf("winner = %+v", res.Winner)
	}
	if len(res.Branches) != 2 {
		t.Fatalf("recorded %d branches, want 2", len(res.Branches))
	}
	for _, b := range res.Branches {
		if b.VariationID == "b2" && b.Status != BranchCancelled {
			t.Fatalf("stuck branch status = %s, want cancelled", b.Status)
		}
	}
}

func TestBestScoreWaitsForEveryBranch(t *testing.T) {
	long := strings.Repeat("a thorough explanation with plenty of detail. ", 50)
	reg := newScriptedRegistry()
	reg.script("openai", "short", scriptedCall{delay: 5 * time.Millisecond, content: "ok"})
	reg.script("anthropic", "long", scriptedCall{delay: 40 * time.Millisecond, content: long})
	reg.script("google", "medium", scriptedCall{delay: 20 * time.Millisecond, content: "a medium sized answer"})

	e := NewExecutor(testQuantumConfig(), reg)
	vars := []Variation{
		vrt("b1", "openai", "short"),
		vrt("b2", "anthropic", "long"),
		vrt("b3", "google", "medium"),
	}
	res, err := e.Execute(context.Background(), testTask(), vars, CollapseBestScore, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range res.Branches {
		if b.Status != BranchSucceeded {
			t.Fatalf("branch %s status = %s", b.VariationID, b.Status)
		}
	}
	// Quality saturates for the long answer; the latency penalty is capped
	// at the latency weight, so it cannot flip the winner.
	if res.Winner.VariationID != "b2" {
		t.Fatalf("winner = %s, want the high-quality branch", res.Winner.VariationID)
	}
	if res.Winner.Score <= 0 {
		t.Fatalf("winner score = %g", res.Winner.Score)
	}
}

func TestAllBranchesFailedReturnsFailedResult(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "a", scriptedCall{err: errors.Providerf(nil, true, "upstream 500")})
	reg.script("google", "b", scriptedCall{err: errors.Providerf(nil, false, "upstream 400")})

	e := NewExecutor(testQuantumConfig(), reg)
	vars := []Variation{
		vrt("b1", "openai", "a"),
		vrt("b2", "google", "b"),
	}
	res, err := e.Execute(context.Background(), testTask(), vars, CollapseBestScore, nil)
	if err != nil {
		t.Fatalf("all-branch failure must not surface as an Execute error: %v", err)
	}
	if res.Success || res.Winner != nil {
		t.Fatalf("result = %+v, want failure", res)
	}
	if !errors.IsKind(res.Err, errors.KindAllBranchesFailed) {
		t.Fatalf("result err = %v", res.Err)
	}
	for _, b := range res.Branches {
		if b.Status != BranchFailed {
			t.Fatalf("branch %s status = %s", b.VariationID, b.Status)
		}
	}
}

func TestBranchTimeoutRecordedAsTimeout(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "fast", scriptedCall{delay: 5 * time.Millisecond, content: "done"})
	reg.script("ollama", "glacial", scriptedCall{delay: time.Second, content: "too late"})

	cfg := testQuantumConfig()
	cfg.BranchTimeoutMS = 40
	e := NewExecutor(cfg, reg)

	vars := []Variation{
		vrt("b1", "openai", "fast"),
		vrt("b2", "ollama", "glacial"),
	}
	res, err := e.Execute(context.Background(), testTask(), vars, CollapseBestScore, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.Winner.VariationID != "b1" {
		t.Fatalf("winner = %+v", res.Winner)
	}
	for _, b := range res.Branches {
		if b.VariationID != "b2" {
			continue
		}
		if b.Status != BranchTimedOut {
			t.Fatalf("slow branch status = %s, want timeout", b.Status)
		}
		if !errors.IsKind(b.Err, errors.KindTimeout) {
			t.Fatalf("slow branch err = %v", b.Err)
		}
		if b.Score != 0 {
			t.Fatalf("timed-out branch scored %g", b.Score)
		}
	}
}

func TestExecuteTimeoutBoundsTheCall(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "glacial", scriptedCall{delay: time.Second, content: "late"})

	cfg := testQuantumConfig()
	cfg.ExecuteTimeoutMS = 40
	e := NewExecutor(cfg, reg)

	start := time.Now()
	res, err := e.Execute(context.Background(), testTask(), []Variation{vrt("b1", "openai", "glacial")}, CollapseBestScore, nil)
	if err != nil {
		t.Fatal(err)
	}
	if wall := time.Since(start); wall > 500*time.Millisecond {
		t.Fatalf("execute overran its window: %s", wall)
	}
	if res.Success {
		t.Fatal("timed-out call reported success")
	}
	if got := res.Branches[0].Status; got != BranchTimedOut {
		t.Fatalf("branch status = %s, want timeout", got)
	}
}

func TestExecuteOverloadedPastCapacity(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "slow", scriptedCall{delay: 300 * time.Millisecond, content: "ok"})

	cfg := testQuantumConfig()
	cfg.MaxWorkers = 1
	cfg.QueueCapacity = 0
	e := NewExecutor(cfg, reg)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.Execute(context.Background(), testTask(), []Variation{vrt("b1", "openai", "slow")}, CollapseBestScore, nil)
	}()

	// Admission happens before fan-out, so pressure shows up immediately.
	deadline := time.Now().Add(time.Second)
	for e.Stats().InFlightBranches == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first call never admitted")
		}
		time.Sleep(time.Millisecond)
	}

	_, err := e.Execute(context.Background(), testTask(), []Variation{vrt("b1", "openai", "slow")}, CollapseBestScore, nil)
	if !errors.IsKind(err, errors.KindOverloaded) {
		t.Fatalf("err = %v, want overloaded", err)
	}
	<-done

	// Capacity freed: the same call is admitted again.
	if _, err := e.Execute(context.Background(), testTask(), []Variation{vrt("b1", "openai", "slow")}, CollapseBestScore, nil); err != nil {
		t.Fatalf("post-drain call rejected: %v", err)
	}
}

func TestExecuteDefaultsStrategyFromConfig(t *testing.T) {
	reg := newScriptedRegistry()
	reg.script("openai", "only", scriptedCall{content: "fine"})

	e := NewExecutor(testQuantumConfig(), reg)
	res, err := e.Execute(context.Background(), testTask(), []Variation{vrt("b1", "openai", "only")}, "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != CollapseBestScore {
		t.Fatalf("strategy = %s, want config default", res.Strategy)
	}
	if reg.callCount("openai", "only") != 1 {
		t.Fatalf("provider called %d times", reg.callCount("openai", "only"))
	}
}
