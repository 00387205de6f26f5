package policy

import (
	"math/rand"
	"sync"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/logging"
	"prism/internal/routing"
)

// Suggestion is the agent's answer to "which action would you take here".
type Suggestion struct {
	Index      int            `json:"index"`
	Action     routing.Action `json:"action"`
	Confidence float64        `json:"confidence"`
	Explored   bool           `json:"explored"`
}

// AgentMetrics is a point-in-time snapshot for the stats surface.
type AgentMetrics struct {
	Epsilon           float64     `json:"epsilon"`
	TrainSteps        uint64      `json:"train_steps"`
	TargetSyncs       uint64      `json:"target_syncs"`
	LastLoss          float64     `json:"last_loss"`
	MemoryUtilization float64     `json:"memory_utilization"`
	StateSize         int         `json:"state_size"`
	ActionCount       int         `json:"action_count"`
	Backend           string      `json:"backend"`
	Buffer            BufferStats `json:"buffer"`
}

// Agent is the DQN routing policy: an online Q-network trained from replayed
// experience against a periodically synced target network. All methods are
// safe for concurrent use; training itself is serialized by the agent mutex.
type Agent struct {
	mu     sync.Mutex
	cfg    config.DQNConfig
	online Network
	target Network
	buffer *ReplayBuffer
	rng    *rand.Rand
	logger logging.Logger

	epsilon     float64
	trainSteps  uint64
	targetSyncs uint64
	lastLoss    float64
}

// AgentOption customizes an Agent.
type AgentOption func(*Agent)

// WithAgentLogger attaches a logger.
func WithAgentLogger(logger logging.Logger) AgentOption {
	return func(a *Agent) { a.logger = logging.OrNop(logger) }
}

// NewAgent builds the agent from configuration. The seed fully determines
// initial weights, exploration and sampling, so two agents with equal config
// behave identically.
func NewAgent(cfg config.DQNConfig, opts ...AgentOption) (*Agent, error) {
	if cfg.StateSize != routing.StateSize {
		return nil, errors.Validationf("dqn.state_size %d does not match state layout %d", cfg.StateSize, routing.StateSize)
	}
	if cfg.ActionSize != ActionCount {
		return nil, errors.Validationf("dqn.action_size %d does not match action table %s (%d)", cfg.ActionSize, ActionTableVersion, ActionCount)
	}

	// Derived seeds keep the three random streams independent but jointly
	// reproducible.
	initRNG := rand.New(rand.NewSource(cfg.Seed))
	online, err := NewNetwork(cfg.Backend, cfg.StateSize, cfg.HiddenLayers, cfg.ActionSize, cfg.LR, rand.New(rand.NewSource(cfg.Seed+2)))
	if err != nil {
		return nil, err
	}
	target, err := NewNetwork(cfg.Backend, cfg.StateSize, cfg.HiddenLayers, cfg.ActionSize, cfg.LR, rand.New(rand.NewSource(cfg.Seed+3)))
	if err != nil {
		return nil, err
	}
	if err := target.SetWeights(online.Weights()); err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:    cfg,
		online: online,
		target: target,
		buffer: NewReplayBuffer(BufferConfig{
			Capacity:    cfg.BufferSize,
			Prioritized: cfg.Priority.Enabled,
			Alpha:       cfg.Priority.Alpha,
			Beta:        cfg.Priority.Beta,
		}, rand.New(rand.NewSource(cfg.Seed+1))),
		rng:     initRNG,
		logger:  logging.Nop(),
		epsilon: cfg.EpsStart,
	}
	for _, opt := range opts {
		opt(a)
	}

	if cfg.CheckpointPath != "" {
		if err := a.Load(cfg.CheckpointPath); err != nil {
			if !errors.IsKind(err, errors.KindValidation) {
				return nil, err
			}
			// Missing or stale checkpoint: start fresh, keep serving.
			a.logger.Warn("checkpoint %s not loaded: %v", cfg.CheckpointPath, err)
		}
	}
	return a, nil
}

// Suggest runs epsilon-greedy action selection over the current Q-values.
// Exploratory picks report zero confidence so callers fall back to their own
// routing; greedy picks report the normalized margin between the best and
// second-best Q-value.
func (a *Agent) Suggest(state *routing.State) (*Suggestion, error) {
	if err := state.Validate(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rng.Float64() < a.epsilon {
		index := a.rng.Intn(ActionCount)
		action, _ := ActionAt(index)
		return &Suggestion{Index: index, Action: action, Explored: true}, nil
	}

	q := a.online.Predict([][]float64{state.Vector()})[0]
	best, second := argmax2(q)
	action, _ := ActionAt(best)
	margin := q[best] - q[second]
	return &Suggestion{
		Index:      best,
		Action:     action,
		Confidence: margin / (margin + 1),
	}, nil
}

// Remember stores one outcome for later training.
func (a *Agent) Remember(state []float64, actionIndex int, reward float64, nextState []float64, done bool) error {
	if len(state) != a.cfg.StateSize || len(nextState) != a.cfg.StateSize {
		return errors.Validationf("experience state dims %d/%d, want %d", len(state), len(nextState), a.cfg.StateSize)
	}
	if actionIndex < 0 || actionIndex >= ActionCount {
		return errors.Validationf("experience action index %d outside table", actionIndex)
	}
	a.buffer.Add(Experience{
		State:       append([]float64(nil), state...),
		ActionIndex: actionIndex,
		Reward:      reward,
		NextState:   append([]float64(nil), nextState...),
		Done:        done,
	})
	return nil
}

// Replay runs one training step when the buffer holds a full batch. It
// reports false without training otherwise.
func (a *Agent) Replay() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	batch, ok := a.buffer.Sample(a.cfg.BatchSize)
	if !ok {
		return 0, false
	}

	qCurrent := a.online.Predict(batch.States)
	qNext := a.target.Predict(batch.NextStates)

	targets := make([][]float64, len(qCurrent))
	tdErrors := make([]float64, len(qCurrent))
	for i, row := range qCurrent {
		target := append([]float64(nil), row...)
		y := batch.Rewards[i]
		if !batch.Dones[i] {
			y += a.cfg.Gamma * maxOf(qNext[i])
		}
		tdErrors[i] = abs(y - row[batch.Actions[i]])
		target[batch.Actions[i]] = y
		targets[i] = target
	}

	loss := a.online.Fit(batch.States, targets, batch.Weights, 1, len(batch.States))
	a.buffer.UpdatePriorities(batch.Indices, tdErrors)

	a.trainSteps++
	a.lastLoss = loss
	if a.trainSteps%uint64(a.cfg.TargetSync) == 0 {
		a.syncTargetLocked()
	}
	return loss, true
}

// DecayEpsilon multiplies exploration by the decay factor, floored at the
// configured minimum.
func (a *Agent) DecayEpsilon() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.epsilon *= a.cfg.EpsDecay
	if a.epsilon < a.cfg.EpsMin {
		a.epsilon = a.cfg.EpsMin
	}
}

// Epsilon returns the current exploration rate.
func (a *Agent) Epsilon() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.epsilon
}

// Metrics snapshots agent counters for the stats surface.
func (a *Agent) Metrics() AgentMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()

	buffer := a.buffer.Stats()
	utilization := 0.0
	if buffer.Capacity > 0 {
		utilization = float64(buffer.Size) / float64(buffer.Capacity)
	}
	return AgentMetrics{
		Epsilon:           a.epsilon,
		TrainSteps:        a.trainSteps,
		TargetSyncs:       a.targetSyncs,
		LastLoss:          a.lastLoss,
		MemoryUtilization: utilization,
		StateSize:         a.cfg.StateSize,
		ActionCount:       ActionCount,
		Backend:           a.cfg.Backend,
		Buffer:            buffer,
	}
}

// Save writes the online network to a checkpoint file.
func (a *Agent) Save(path string) error {
	a.mu.Lock()
	layers := a.online.Weights()
	a.mu.Unlock()
	return SaveWeightsFile(path, layers)
}

// Load replaces both networks with checkpointed weights.
func (a *Agent) Load(path string) error {
	layers, err := LoadWeightsFile(path)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.online.SetWeights(layers); err != nil {
		return err
	}
	return a.target.SetWeights(layers)
}

// syncTargetLocked blends target weights toward the online network. Tau 1
// is a hard copy.
func (a *Agent) syncTargetLocked() {
	tau := a.cfg.Tau
	onlineLayers := a.online.Weights()
	if tau >= 1 {
		// Shapes always match, online and target share an architecture.
		_ = a.target.SetWeights(onlineLayers)
		a.targetSyncs++
		return
	}

	targetLayers := a.target.Weights()
	for li := range targetLayers {
		for i := range targetLayers[li].W {
			targetLayers[li].W[i] = tau*onlineLayers[li].W[i] + (1-tau)*targetLayers[li].W[i]
		}
		for i := range targetLayers[li].B {
			targetLayers[li].B[i] = tau*onlineLayers[li].B[i] + (1-tau)*targetLayers[li].B[i]
		}
	}
	_ = a.target.SetWeights(targetLayers)
	a.targetSyncs++
}

func argmax2(values []float64) (best, second int) {
	best, second = 0, 0
	for i, v := range values {
		if v > values[best] {
			second = best
			best = i
		} else if i != best && (second == best || v > values[second]) {
			second = i
		}
	}
	return best, second
}

func maxOf(values []float64) float64 {
	max := values[0]
	for _, v := range values[1:] {
		if v > max {
			max = v
		}
	}
	return max
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
