package provider

import (
	"sort"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/logging"
	"prism/internal/routing"
)

// BuildOption tweaks registry assembly.
type BuildOption func(*buildOptions)

type buildOptions struct {
	recorder CallRecorder
}

// WithCallRecorder wraps every built client with telemetry reporting to rec.
func WithCallRecorder(rec CallRecorder) BuildOption {
	return func(o *buildOptions) { o.recorder = rec }
}

// BuildRegistry assembles a registry with one client per provider named in the
// manifest. Mode "mock" wires scripted in-memory clients; anything else builds
// live HTTP adapters wrapped with rate limiting, retries, and a per-provider
// circuit breaker.
func BuildRegistry(cfg config.ProvidersConfig, manifest *routing.Manifest, logger logging.Logger, opts ...BuildOption) *StaticRegistry {
	if logger == nil {
		logger = logging.NewComponentLogger("provider-factory")
	}
	var options buildOptions
	for _, opt := range opts {
		opt(&options)
	}
	registry := NewRegistry(logger)

	for _, name := range manifestProviders(manifest) {
		models := modelNames(manifest.ModelsFor(name))
		var client Client
		if cfg.Mode == config.ProviderModeMock {
			client = NewMockClient(name, models)
		} else {
			endpoint := cfg.Endpoints[name]
			client = NewOpenAIClient(name, models, endpoint, logger)
			client = WithRateLimit(client, name, endpoint.RPS, endpoint.Burst)
			breaker := errors.NewCircuitBreaker(name, errors.DefaultCircuitBreakerConfig())
			client = WithRetry(client, name, errors.DefaultRetryConfig(), breaker)
		}
		if options.recorder != nil {
			client = WithTelemetry(client, name, options.recorder, manifestRates(manifest, name))
		}
		registry.Register(name, client)
	}
	return registry
}

// manifestRates resolves per-model pricing for one provider's telemetry.
func manifestRates(manifest *routing.Manifest, provider string) RateLookup {
	return func(model string) (float64, float64) {
		if spec, ok := manifest.Find(provider, model); ok {
			return spec.CostInPer1K, spec.CostOutPer1K
		}
		return 0, 0
	}
}

func manifestProviders(manifest *routing.Manifest) []string {
	seen := make(map[string]struct{}, len(manifest.Models))
	names := make([]string, 0, len(manifest.Models))
	for _, spec := range manifest.Models {
		if _, ok := seen[spec.Provider]; ok {
			continue
		}
		seen[spec.Provider] = struct{}{}
		names = append(names, spec.Provider)
	}
	sort.Strings(names)
	return names
}

func modelNames(specs []routing.ModelSpec) []string {
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Model)
	}
	return names
}
