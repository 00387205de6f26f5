package policy

import (
	"path/filepath"
	"testing"

	"prism/internal/config"
	"prism/internal/routing"
)

func testDQNConfig() config.DQNConfig {
	return config.DQNConfig{
		StateSize:    routing.StateSize,
		ActionSize:   ActionCount,
		HiddenLayers: []int{16},
		LR:           0.01,
		Gamma:        0.95,
		EpsStart:     0,
		EpsMin:       0.01,
		EpsDecay:     0.9,
		BatchSize:    16,
		TargetSync:   10,
		Tau:          1.0,
		BufferSize:   256,
		Seed:         42,
		Backend:      BackendNative,
	}
}

func testState() *routing.State {
	s := &routing.State{
		Complexity:    0.5,
		Context:       routing.ContextDebugging,
		CostWeight:    0.2,
		TimeWeight:    0.3,
		QualityWeight: 0.5,
	}
	for i := 0; i < routing.NumProviders; i++ {
		s.ProviderHealth[i] = 1
		s.ProviderSuccess[i] = 0.5
	}
	return s
}

func TestNewAgentRejectsMismatchedSizes(t *testing.T) {
	cfg := testDQNConfig()
	cfg.StateSize = 7
	if _, err := NewAgent(cfg); err == nil {
		t.Fatal("wrong state size accepted")
	}

	cfg = testDQNConfig()
	cfg.ActionSize = 99
	if _, err := NewAgent(cfg); err == nil {
		t.Fatal("wrong action size accepted")
	}
}

func TestSuggestGreedyIsDeterministic(t *testing.T) {
	a, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}

	state := testState()
	sa, err := a.Suggest(state)
	if err != nil {
		t.Fatal(err)
	}
	sb, err := b.Suggest(state)
	if err != nil {
		t.Fatal(err)
	}
	if sa.Index != sb.Index || sa.Action != sb.Action {
		t.Fatalf("same seed disagreed: %d vs %d", sa.Index, sb.Index)
	}
	if sa.Explored {
		t.Fatal("greedy suggestion marked explored")
	}
	if sa.Confidence < 0 || sa.Confidence >= 1 {
		t.Fatalf("confidence = %g", sa.Confidence)
	}
}

func TestSuggestExploresAtFullEpsilon(t *testing.T) {
	cfg := testDQNConfig()
	cfg.EpsStart = 1
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}

	suggestion, err := a.Suggest(testState())
	if err != nil {
		t.Fatal(err)
	}
	if !suggestion.Explored {
		t.Fatal("epsilon 1 did not explore")
	}
	if suggestion.Confidence != 0 {
		t.Fatalf("exploratory confidence = %g, want 0", suggestion.Confidence)
	}
}

func TestSuggestValidatesState(t *testing.T) {
	a, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}
	bad := testState()
	bad.QualityWeight = 0.9 // weights no longer sum to 1
	if _, err := a.Suggest(bad); err == nil {
		t.Fatal("invalid state accepted")
	}
}

func TestRememberValidation(t *testing.T) {
	a, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}
	vec := testState().Vector()
	if err := a.Remember(vec[:5], 0, 1, vec, true); err == nil {
		t.Fatal("short state accepted")
	}
	if err := a.Remember(vec, ActionCount, 1, vec, true); err == nil {
		t.Fatal("out-of-table action accepted")
	}
	if err := a.Remember(vec, 3, 1, vec, true); err != nil {
		t.Fatal(err)
	}
}

func TestReplayWaitsForFullBatch(t *testing.T) {
	a, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}
	vec := testState().Vector()
	for i := 0; i < 15; i++ { // one short of batch size
		if err := a.Remember(vec, i%ActionCount, 0.5, vec, true); err != nil {
			t.Fatal(err)
		}
	}
	if _, trained := a.Replay(); trained {
		t.Fatal("trained on a partial batch")
	}

	if err := a.Remember(vec, 0, 0.5, vec, true); err != nil {
		t.Fatal(err)
	}
	if _, trained := a.Replay(); !trained {
		t.Fatal("did not train on a full batch")
	}
	if got := a.Metrics().TrainSteps; got != 1 {
		t.Fatalf("train steps = %d, want 1", got)
	}
}

func TestAgentLearnsBanditPreference(t *testing.T) {
	cfg := testDQNConfig()
	cfg.LR = 0.02
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}

	// Action 3 always pays off, everything else never does.
	vec := testState().Vector()
	for i := 0; i < 64; i++ {
		action := i % ActionCount
		reward := 0.0
		if action == 3 {
			reward = 1
		}
		if err := a.Remember(vec, action, reward, vec, true); err != nil {
			t.Fatal(err)
		}
	}
	for step := 0; step < 300; step++ {
		if _, trained := a.Replay(); !trained {
			t.Fatal("replay stopped training")
		}
	}

	suggestion, err := a.Suggest(testState())
	if err != nil {
		t.Fatal(err)
	}
	if suggestion.Index != 3 {
		t.Fatalf("learned action = %d, want 3", suggestion.Index)
	}
	if suggestion.Confidence <= 0 {
		t.Fatalf("confidence = %g after convergence", suggestion.Confidence)
	}

	metrics := a.Metrics()
	if metrics.TargetSyncs == 0 {
		t.Fatal("target network never synced")
	}
	if metrics.LastLoss < 0 {
		t.Fatalf("loss = %g", metrics.LastLoss)
	}
}

func TestDecayEpsilonFloors(t *testing.T) {
	cfg := testDQNConfig()
	cfg.EpsStart = 0.5
	cfg.EpsMin = 0.1
	cfg.EpsDecay = 0.5
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		a.DecayEpsilon()
	}
	if got := a.Epsilon(); got != 0.1 {
		t.Fatalf("epsilon = %g, want floor 0.1", got)
	}
}

func TestAgentCheckpointRoundTrip(t *testing.T) {
	a, err := NewAgent(testDQNConfig())
	if err != nil {
		t.Fatal(err)
	}

	vec := testState().Vector()
	for i := 0; i < 32; i++ {
		_ = a.Remember(vec, i%ActionCount, float64(i%2), vec, true)
	}
	for i := 0; i < 20; i++ {
		a.Replay()
	}

	path := filepath.Join(t.TempDir(), "policy.prwq")
	if err := a.Save(path); err != nil {
		t.Fatal(err)
	}

	cfg := testDQNConfig()
	cfg.Seed = 777 // different init, then overwritten by the checkpoint
	cfg.CheckpointPath = path
	b, err := NewAgent(cfg)
	if err != nil {
		t.Fatal(err)
	}

	sa, _ := a.Suggest(testState())
	sb, _ := b.Suggest(testState())
	if sa.Index != sb.Index {
		t.Fatalf("restored agent disagrees: %d vs %d", sa.Index, sb.Index)
	}
}

func TestMissingCheckpointStartsFresh(t *testing.T) {
	cfg := testDQNConfig()
	cfg.CheckpointPath = filepath.Join(t.TempDir(), "absent.prwq")
	a, err := NewAgent(cfg)
	if err != nil {
		t.Fatalf("missing checkpoint should not fail startup: %v", err)
	}
	if _, err := a.Suggest(testState()); err != nil {
		t.Fatal(err)
	}
}
