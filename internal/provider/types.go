// Package provider abstracts upstream LLM APIs behind a small capability set
// so the core never sees concrete SDKs.
package provider

import (
	"context"
)

// Message is one chat turn sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params tunes one completion call.
type Params struct {
	MaxTokens   int      `json:"max_tokens"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Result is the outcome of one completion call. Values are immutable
// snapshots; caches and branches may share them freely.
type Result struct {
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	Content         string `json:"content"`
	Role            string `json:"role"`
	Usage           Usage  `json:"usage"`
	FinishReason    string `json:"finish_reason"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
}

// Cost estimates the dollar cost of the call given per-1K-token rates.
func (r *Result) Cost(inputPer1K, outputPer1K float64) float64 {
	return float64(r.Usage.PromptTokens)/1000*inputPer1K +
		float64(r.Usage.CompletionTokens)/1000*outputPer1K
}

// Client is one provider adapter.
type Client interface {
	// Complete performs a blocking completion call.
	Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error)
	// Models lists model identifiers this adapter serves.
	Models() []string
	// HealthCheck probes the upstream; nil means reachable.
	HealthCheck(ctx context.Context) error
}

// Streamer is implemented by adapters that can deliver incremental deltas.
type Streamer interface {
	StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error)
}

// Registry is the capability consumed by the executor and coordinator.
type Registry interface {
	// GenerateCompletion dispatches to the adapter registered for provider.
	GenerateCompletion(ctx context.Context, provider, model string, messages []Message, params Params) (*Result, error)
	// StreamCompletion is GenerateCompletion with a delta callback; adapters
	// that cannot stream return the full result with no deltas.
	StreamCompletion(ctx context.Context, provider, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error)
	// ValidateModel reports whether the provider serves the model.
	ValidateModel(provider, model string) bool
	// ListModels lists the models served by one provider.
	ListModels(provider string) []string
	// HealthCheck probes one provider.
	HealthCheck(ctx context.Context, provider string) error
}
