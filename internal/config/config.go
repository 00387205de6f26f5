// Package config loads and validates orchestrator configuration from YAML
// files and PRISM_* environment overrides.
package config

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"prism/internal/errors"
)

// Config is the root configuration object passed to the core at startup.
type Config struct {
	Cache         CacheConfig         `mapstructure:"cache"`
	Context       ContextConfig       `mapstructure:"context"`
	DQN           DQNConfig           `mapstructure:"dqn"`
	Quantum       QuantumConfig       `mapstructure:"quantum"`
	Router        RouterConfig        `mapstructure:"router"`
	Reward        RewardConfig        `mapstructure:"reward"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Server        ServerConfig        `mapstructure:"server"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

// CacheConfig controls the result and routing-decision caches.
type CacheConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	ResultTTLS   int  `mapstructure:"result_ttl_s"`
	DecisionTTLS int  `mapstructure:"decision_ttl_s"`
	MaxEntries   int  `mapstructure:"max_entries"`
}

// ResultTTL returns the result cache TTL as a duration.
func (c CacheConfig) ResultTTL() time.Duration { return time.Duration(c.ResultTTLS) * time.Second }

// DecisionTTL returns the decision cache TTL as a duration.
func (c CacheConfig) DecisionTTL() time.Duration { return time.Duration(c.DecisionTTLS) * time.Second }

// ContextConfig controls conversation memory.
type ContextConfig struct {
	MaxTokens       int `mapstructure:"max_tokens"`
	SessionTimeoutS int `mapstructure:"session_timeout_s"`
}

// SessionTimeout returns the session expiry as a duration.
func (c ContextConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutS) * time.Second
}

// PriorityConfig controls prioritized experience replay.
type PriorityConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	Alpha   float64 `mapstructure:"alpha"`
	Beta    float64 `mapstructure:"beta"`
}

// DQNConfig controls the learned routing policy.
type DQNConfig struct {
	StateSize      int            `mapstructure:"state_size"`
	ActionSize     int            `mapstructure:"action_size"`
	HiddenLayers   []int          `mapstructure:"hidden_layers"`
	LR             float64        `mapstructure:"lr"`
	Gamma          float64        `mapstructure:"gamma"`
	EpsStart       float64        `mapstructure:"eps_start"`
	EpsMin         float64        `mapstructure:"eps_min"`
	EpsDecay       float64        `mapstructure:"eps_decay"`
	BatchSize      int            `mapstructure:"batch_size"`
	TargetSync     int            `mapstructure:"target_sync"`
	Tau            float64        `mapstructure:"tau"`
	BufferSize     int            `mapstructure:"buffer_size"`
	Priority       PriorityConfig `mapstructure:"priority"`
	Seed           int64          `mapstructure:"seed"`
	Backend        string         `mapstructure:"backend"`
	CheckpointPath string         `mapstructure:"checkpoint_path"`
}

// QuantumConfig controls the speculative executor.
type QuantumConfig struct {
	MaxWorkers          int     `mapstructure:"max_workers"`
	QueueCapacity       int     `mapstructure:"queue_capacity"`
	BranchTimeoutMS     int     `mapstructure:"branch_timeout_ms"`
	ExecuteTimeoutMS    int     `mapstructure:"execute_timeout_ms"`
	CancelGraceMS       int     `mapstructure:"cancel_grace_ms"`
	DefaultCollapse     string  `mapstructure:"default_collapse"`
	MaxVariations       int     `mapstructure:"max_variations"`
	CostWeight          float64 `mapstructure:"cost_weight"`
	LatencyWeight       float64 `mapstructure:"latency_weight"`
	ConsensusQuorum     float64 `mapstructure:"consensus_quorum"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// BranchTimeout returns the per-branch timeout as a duration.
func (c QuantumConfig) BranchTimeout() time.Duration {
	return time.Duration(c.BranchTimeoutMS) * time.Millisecond
}

// ExecuteTimeout returns the overall execute timeout as a duration.
func (c QuantumConfig) ExecuteTimeout() time.Duration {
	return time.Duration(c.ExecuteTimeoutMS) * time.Millisecond
}

// CancelGrace returns the cooperative-cancellation grace period.
func (c QuantumConfig) CancelGrace() time.Duration {
	return time.Duration(c.CancelGraceMS) * time.Millisecond
}

// RouterConfig controls scoring and the router/agent contract.
type RouterConfig struct {
	HistorySize            int     `mapstructure:"history_size"`
	CostWeight             float64 `mapstructure:"cost_weight"`
	LatencyWeight          float64 `mapstructure:"latency_weight"`
	AgentOverrideThreshold float64 `mapstructure:"agent_override_threshold"`
	DefaultPersona         string  `mapstructure:"default_persona"`
	ManifestPath           string  `mapstructure:"manifest_path"`
}

// RewardConfig controls the reward signal fed to the routing policy.
type RewardConfig struct {
	WQuality     float64 `mapstructure:"w_quality"`
	WSpeed       float64 `mapstructure:"w_speed"`
	WCost        float64 `mapstructure:"w_cost"`
	LatencyRefMS int     `mapstructure:"latency_ref_ms"`
	CostRef      float64 `mapstructure:"cost_ref"`
	ErrorPenalty float64 `mapstructure:"error_penalty"`
}

// ProviderEndpoint configures one upstream provider adapter.
type ProviderEndpoint struct {
	BaseURL  string  `mapstructure:"base_url"`
	APIKey   string  `mapstructure:"api_key"`
	TimeoutS int     `mapstructure:"timeout_s"`
	RPS      float64 `mapstructure:"rps"`
	Burst    int     `mapstructure:"burst"`
}

// Provider modes accepted by ProvidersConfig.Mode.
const (
	ProviderModeLive = "live"
	ProviderModeMock = "mock"
)

// ProvidersConfig selects live adapters or the scripted mock.
type ProvidersConfig struct {
	Mode      string                      `mapstructure:"mode"`
	Endpoints map[string]ProviderEndpoint `mapstructure:"endpoints"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	RateLimitRPS   float64  `mapstructure:"rate_limit_rps"`
	RateLimitBurst int      `mapstructure:"rate_limit_burst"`
	MaxBodyBytes   int64    `mapstructure:"max_body_bytes"`
	CORSOrigins    []string `mapstructure:"cors_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// ObservabilityConfig controls metrics and tracing exporters.
type ObservabilityConfig struct {
	MetricsEnabled bool    `mapstructure:"metrics_enabled"`
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	TraceExporter  string  `mapstructure:"trace_exporter"`
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint"`
	ZipkinURL      string  `mapstructure:"zipkin_url"`
	SampleRate     float64 `mapstructure:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name"`
}

// Default returns the documented baseline configuration.
func Default() *Config {
	cfg := &Config{}
	v := viper.New()
	setDefaults(v)
	// Defaults alone cannot fail to decode.
	_ = v.Unmarshal(cfg)
	cfg.normalize()
	return cfg
}

// Load reads configuration from the given file (optional), layered under
// PRISM_* environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrap(errors.KindValidation, err, "read config %s", path)
		}
	} else {
		v.SetConfigName("prism")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, errors.Wrap(errors.KindValidation, err, "read config")
			}
		}
	}

	v.SetEnvPrefix("PRISM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "decode config")
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.result_ttl_s", 3600)
	v.SetDefault("cache.decision_ttl_s", 300)
	v.SetDefault("cache.max_entries", 1000)

	v.SetDefault("context.max_tokens", 8000)
	v.SetDefault("context.session_timeout_s", 3600)

	v.SetDefault("dqn.state_size", 23)
	v.SetDefault("dqn.action_size", 12)
	v.SetDefault("dqn.hidden_layers", []int{64, 32})
	v.SetDefault("dqn.lr", 0.001)
	v.SetDefault("dqn.gamma", 0.95)
	v.SetDefault("dqn.eps_start", 1.0)
	v.SetDefault("dqn.eps_min", 0.01)
	v.SetDefault("dqn.eps_decay", 0.995)
	v.SetDefault("dqn.batch_size", 32)
	v.SetDefault("dqn.target_sync", 10)
	v.SetDefault("dqn.tau", 1.0)
	v.SetDefault("dqn.buffer_size", 10000)
	v.SetDefault("dqn.priority.enabled", false)
	v.SetDefault("dqn.priority.alpha", 0.6)
	v.SetDefault("dqn.priority.beta", 0.4)
	v.SetDefault("dqn.seed", 42)
	v.SetDefault("dqn.backend", "gonum")
	v.SetDefault("dqn.checkpoint_path", "")

	v.SetDefault("quantum.max_workers", 0) // 0 = number of CPUs
	v.SetDefault("quantum.queue_capacity", 64)
	v.SetDefault("quantum.branch_timeout_ms", 30000)
	v.SetDefault("quantum.execute_timeout_ms", 60000)
	v.SetDefault("quantum.cancel_grace_ms", 500)
	v.SetDefault("quantum.default_collapse", "best_score")
	v.SetDefault("quantum.max_variations", 3)
	v.SetDefault("quantum.cost_weight", 0.3)
	v.SetDefault("quantum.latency_weight", 0.2)
	v.SetDefault("quantum.consensus_quorum", 0.5)
	v.SetDefault("quantum.similarity_threshold", 0.75)

	v.SetDefault("router.history_size", 256)
	v.SetDefault("router.cost_weight", 0.3)
	v.SetDefault("router.latency_weight", 0.2)
	v.SetDefault("router.agent_override_threshold", 0.7)
	v.SetDefault("router.default_persona", "developer")
	v.SetDefault("router.manifest_path", "")

	v.SetDefault("reward.w_quality", 0.5)
	v.SetDefault("reward.w_speed", 0.3)
	v.SetDefault("reward.w_cost", 0.2)
	v.SetDefault("reward.latency_ref_ms", 10000)
	v.SetDefault("reward.cost_ref", 0.05)
	v.SetDefault("reward.error_penalty", 0.5)

	v.SetDefault("providers.mode", "mock")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.rate_limit_rps", 10)
	v.SetDefault("server.rate_limit_burst", 20)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("observability.metrics_enabled", true)
	v.SetDefault("observability.tracing_enabled", false)
	v.SetDefault("observability.trace_exporter", "otlp")
	v.SetDefault("observability.otlp_endpoint", "localhost:4318")
	v.SetDefault("observability.zipkin_url", "http://localhost:9411/api/v2/spans")
	v.SetDefault("observability.sample_rate", 0.1)
	v.SetDefault("observability.service_name", "prism")
}

func (c *Config) normalize() {
	if c.Quantum.MaxWorkers <= 0 {
		c.Quantum.MaxWorkers = runtime.NumCPU()
	}
	if len(c.DQN.HiddenLayers) == 0 {
		c.DQN.HiddenLayers = []int{64, 32}
	}
}

const weightEpsilon = 1e-6

// Validate checks every recognized key for internal consistency.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return errors.Validationf("cache.max_entries must be positive, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.ResultTTLS <= 0 || c.Cache.DecisionTTLS <= 0 {
		return errors.Validationf("cache TTLs must be positive")
	}
	if c.Context.MaxTokens <= 0 {
		return errors.Validationf("context.max_tokens must be positive, got %d", c.Context.MaxTokens)
	}
	if c.Context.SessionTimeoutS <= 0 {
		return errors.Validationf("context.session_timeout_s must be positive")
	}

	if c.DQN.StateSize <= 0 || c.DQN.ActionSize <= 0 {
		return errors.Validationf("dqn state/action sizes must be positive")
	}
	for _, h := range c.DQN.HiddenLayers {
		if h <= 0 {
			return errors.Validationf("dqn.hidden_layers entries must be positive, got %v", c.DQN.HiddenLayers)
		}
	}
	if c.DQN.LR <= 0 {
		return errors.Validationf("dqn.lr must be positive")
	}
	if c.DQN.Gamma <= 0 || c.DQN.Gamma > 1 {
		return errors.Validationf("dqn.gamma must be in (0,1], got %g", c.DQN.Gamma)
	}
	for name, eps := range map[string]float64{
		"dqn.eps_start": c.DQN.EpsStart,
		"dqn.eps_min":   c.DQN.EpsMin,
	} {
		if eps < 0 || eps > 1 {
			return errors.Validationf("%s must be in [0,1], got %g", name, eps)
		}
	}
	if c.DQN.EpsDecay <= 0 || c.DQN.EpsDecay > 1 {
		return errors.Validationf("dqn.eps_decay must be in (0,1], got %g", c.DQN.EpsDecay)
	}
	if c.DQN.BatchSize <= 0 || c.DQN.BatchSize > c.DQN.BufferSize {
		return errors.Validationf("dqn.batch_size must be in [1, buffer_size]")
	}
	if c.DQN.TargetSync <= 0 {
		return errors.Validationf("dqn.target_sync must be positive")
	}
	if c.DQN.Tau <= 0 || c.DQN.Tau > 1 {
		return errors.Validationf("dqn.tau must be in (0,1], got %g", c.DQN.Tau)
	}
	switch c.DQN.Backend {
	case "gonum", "native":
	default:
		return errors.Validationf("dqn.backend must be gonum or native, got %q", c.DQN.Backend)
	}
	if c.DQN.Priority.Enabled {
		if c.DQN.Priority.Alpha < 0 || c.DQN.Priority.Alpha > 1 {
			return errors.Validationf("dqn.priority.alpha must be in [0,1]")
		}
		if c.DQN.Priority.Beta < 0 || c.DQN.Priority.Beta > 1 {
			return errors.Validationf("dqn.priority.beta must be in [0,1]")
		}
	}

	if c.Quantum.QueueCapacity < 0 {
		return errors.Validationf("quantum.queue_capacity must be >= 0")
	}
	if c.Quantum.BranchTimeoutMS <= 0 || c.Quantum.ExecuteTimeoutMS <= 0 {
		return errors.Validationf("quantum timeouts must be positive")
	}
	if c.Quantum.CancelGraceMS < 0 {
		return errors.Validationf("quantum.cancel_grace_ms must be >= 0")
	}
	switch c.Quantum.DefaultCollapse {
	case "first_success", "best_score", "weighted_consensus":
	default:
		return errors.Validationf("quantum.default_collapse must be one of first_success, best_score, weighted_consensus; got %q", c.Quantum.DefaultCollapse)
	}
	if c.Quantum.MaxVariations <= 0 {
		return errors.Validationf("quantum.max_variations must be positive")
	}
	if c.Quantum.ConsensusQuorum <= 0 || c.Quantum.ConsensusQuorum > 1 {
		return errors.Validationf("quantum.consensus_quorum must be in (0,1]")
	}
	if c.Quantum.SimilarityThreshold < 0 || c.Quantum.SimilarityThreshold > 1 {
		return errors.Validationf("quantum.similarity_threshold must be in [0,1]")
	}

	if c.Router.HistorySize <= 0 {
		return errors.Validationf("router.history_size must be positive")
	}
	if c.Router.AgentOverrideThreshold < 0 || c.Router.AgentOverrideThreshold > 1 {
		return errors.Validationf("router.agent_override_threshold must be in [0,1]")
	}

	weightSum := c.Reward.WQuality + c.Reward.WSpeed + c.Reward.WCost
	if weightSum < 1-weightEpsilon || weightSum > 1+weightEpsilon {
		return errors.Validationf("reward weights must sum to 1, got %g", weightSum)
	}
	if c.Reward.LatencyRefMS <= 0 || c.Reward.CostRef <= 0 {
		return errors.Validationf("reward reference constants must be positive")
	}

	switch c.Providers.Mode {
	case ProviderModeLive, ProviderModeMock:
	default:
		return errors.Validationf("providers.mode must be live or mock, got %q", c.Providers.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Validationf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}

	switch c.Observability.TraceExporter {
	case "otlp", "zipkin":
	default:
		return errors.Validationf("observability.trace_exporter must be otlp or zipkin")
	}
	if c.Observability.SampleRate < 0 || c.Observability.SampleRate > 1 {
		return errors.Validationf("observability.sample_rate must be in [0,1]")
	}

	return nil
}
