package routing

import (
	"os"

	"gopkg.in/yaml.v3"

	"prism/internal/errors"
)

// ManifestVersion is the catalog schema version understood by this build.
const ManifestVersion = "1"

// Providers fixes the provider slot order used in state vectors. Do not
// reorder: trained checkpoints depend on the indices.
var Providers = []string{"openai", "anthropic", "google", "deepseek", "ollama"}

// NumProviders is the number of provider slots in a state vector.
const NumProviders = 5

// ProviderIndex returns the state-vector slot for a provider, or -1 when the
// provider is not in the catalog.
func ProviderIndex(name string) int {
	for i, known := range Providers {
		if known == name {
			return i
		}
	}
	return -1
}

// ModelSpec describes one routable model: what it is good at, what it costs
// and how fast it typically answers. Costs are dollars per 1K tokens.
type ModelSpec struct {
	Provider      string   `yaml:"provider" json:"provider"`
	Model         string   `yaml:"model" json:"model"`
	Capabilities  []string `yaml:"capabilities" json:"capabilities"`
	CostInPer1K   float64  `yaml:"cost_in_per_1k" json:"cost_in_per_1k"`
	CostOutPer1K  float64  `yaml:"cost_out_per_1k" json:"cost_out_per_1k"`
	AvgLatencyMS  int      `yaml:"avg_latency_ms" json:"avg_latency_ms"`
	ContextWindow int      `yaml:"context_window" json:"context_window"`
	Quality       float64  `yaml:"quality" json:"quality"`
}

// HasCapability reports whether the model carries the given capability tag.
func (s ModelSpec) HasCapability(tag string) bool {
	for _, capability := range s.Capabilities {
		if capability == tag {
			return true
		}
	}
	return false
}

// CombinedCost is the per-1K cost used for rankings that do not know the
// input/output split in advance.
func (s ModelSpec) CombinedCost() float64 {
	return s.CostInPer1K + s.CostOutPer1K
}

// Manifest is the routable model catalog.
type Manifest struct {
	Version string      `yaml:"version" json:"version"`
	Models  []ModelSpec `yaml:"models" json:"models"`
}

// DefaultManifest returns the built-in catalog. Callers own the copy.
func DefaultManifest() *Manifest {
	models := make([]ModelSpec, len(builtinModels))
	copy(models, builtinModels)
	return &Manifest{Version: ManifestVersion, Models: models}
}

// LoadManifest reads a catalog from a YAML file. An empty path returns the
// built-in catalog.
func LoadManifest(path string) (*Manifest, error) {
	if path == "" {
		return DefaultManifest(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "read manifest %s", path)
	}
	manifest := &Manifest{}
	if err := yaml.Unmarshal(raw, manifest); err != nil {
		return nil, errors.Wrap(errors.KindValidation, err, "decode manifest %s", path)
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}
	return manifest, nil
}

// Validate checks catalog consistency: known version, known providers, no
// duplicate models, sane numbers.
func (m *Manifest) Validate() error {
	if m.Version != ManifestVersion {
		return errors.Validationf("manifest version %q not supported, want %q", m.Version, ManifestVersion)
	}
	if len(m.Models) == 0 {
		return errors.Validationf("manifest has no models")
	}
	seen := make(map[string]struct{}, len(m.Models))
	for _, spec := range m.Models {
		if spec.Provider == "" || spec.Model == "" {
			return errors.Validationf("manifest entry missing provider or model")
		}
		if ProviderIndex(spec.Provider) < 0 {
			return errors.Validationf("manifest provider %q unknown", spec.Provider)
		}
		key := spec.Provider + "/" + spec.Model
		if _, dup := seen[key]; dup {
			return errors.Validationf("manifest lists %s twice", key)
		}
		seen[key] = struct{}{}
		if spec.CostInPer1K < 0 || spec.CostOutPer1K < 0 {
			return errors.Validationf("manifest %s has negative cost", key)
		}
		if spec.AvgLatencyMS <= 0 {
			return errors.Validationf("manifest %s needs avg_latency_ms > 0", key)
		}
		if spec.Quality < 0 || spec.Quality > 1 {
			return errors.Validationf("manifest %s quality must be in [0,1]", key)
		}
	}
	return nil
}

// Find returns the spec for (provider, model).
func (m *Manifest) Find(provider, model string) (ModelSpec, bool) {
	for _, spec := range m.Models {
		if spec.Provider == provider && spec.Model == model {
			return spec, true
		}
	}
	return ModelSpec{}, false
}

// ModelsFor lists the specs served by one provider, in catalog order.
func (m *Manifest) ModelsFor(provider string) []ModelSpec {
	var out []ModelSpec
	for _, spec := range m.Models {
		if spec.Provider == provider {
			out = append(out, spec)
		}
	}
	return out
}

// builtinModels is catalog version 1. Costs track published list prices;
// latency and quality are operating priors, refined at runtime by outcome
// tracking rather than by editing this table.
var builtinModels = []ModelSpec{
	{
		Provider:      "openai",
		Model:         "gpt-4o",
		Capabilities:  []string{"code_generation", "code_review", "debugging", "architecture", "general"},
		CostInPer1K:   0.0025,
		CostOutPer1K:  0.01,
		AvgLatencyMS:  4200,
		ContextWindow: 128000,
		Quality:       0.92,
	},
	{
		Provider:      "openai",
		Model:         "gpt-4o-mini",
		Capabilities:  []string{"code_generation", "documentation", "testing", "general", "performance"},
		CostInPer1K:   0.00015,
		CostOutPer1K:  0.0006,
		AvgLatencyMS:  2100,
		ContextWindow: 128000,
		Quality:       0.78,
	},
	{
		Provider:      "anthropic",
		Model:         "claude-sonnet-4",
		Capabilities:  []string{"code_generation", "code_review", "debugging", "architecture", "security", "general"},
		CostInPer1K:   0.003,
		CostOutPer1K:  0.015,
		AvgLatencyMS:  5200,
		ContextWindow: 200000,
		Quality:       0.95,
	},
	{
		Provider:      "anthropic",
		Model:         "claude-3-5-haiku",
		Capabilities:  []string{"code_generation", "documentation", "testing", "general", "performance"},
		CostInPer1K:   0.0008,
		CostOutPer1K:  0.004,
		AvgLatencyMS:  1800,
		ContextWindow: 200000,
		Quality:       0.82,
	},
	{
		Provider:      "google",
		Model:         "gemini-2.5-pro",
		Capabilities:  []string{"code_generation", "architecture", "documentation", "security", "general"},
		CostInPer1K:   0.00125,
		CostOutPer1K:  0.01,
		AvgLatencyMS:  4800,
		ContextWindow: 1000000,
		Quality:       0.93,
	},
	{
		Provider:      "google",
		Model:         "gemini-2.5-flash",
		Capabilities:  []string{"code_generation", "testing", "documentation", "general", "performance"},
		CostInPer1K:   0.0003,
		CostOutPer1K:  0.0025,
		AvgLatencyMS:  1500,
		ContextWindow: 1000000,
		Quality:       0.85,
	},
	{
		Provider:      "deepseek",
		Model:         "deepseek-chat",
		Capabilities:  []string{"code_generation", "debugging", "testing", "general"},
		CostInPer1K:   0.00027,
		CostOutPer1K:  0.0011,
		AvgLatencyMS:  3500,
		ContextWindow: 64000,
		Quality:       0.8,
	},
	{
		Provider:      "deepseek",
		Model:         "deepseek-reasoner",
		Capabilities:  []string{"debugging", "architecture", "security", "code_review", "general"},
		CostInPer1K:   0.00055,
		CostOutPer1K:  0.00219,
		AvgLatencyMS:  9000,
		ContextWindow: 64000,
		Quality:       0.88,
	},
	{
		Provider:      "ollama",
		Model:         "llama3.3-70b",
		Capabilities:  []string{"code_generation", "documentation", "general"},
		CostInPer1K:   0,
		CostOutPer1K:  0,
		AvgLatencyMS:  6500,
		ContextWindow: 32000,
		Quality:       0.75,
	},
}
