package provider

import (
	"context"
	"time"
)

// CallRecorder receives one sample per finished upstream call. It is
// satisfied by observability.MetricsCollector; the indirection keeps this
// package free of OpenTelemetry imports.
type CallRecorder interface {
	RecordProviderCall(ctx context.Context, provider, model, status string, latency time.Duration, inputTokens, outputTokens int, cost float64)
}

// RateLookup returns the per-1K-token input and output rates for a model,
// or zeroes when the model is unpriced.
type RateLookup func(model string) (inputPer1K, outputPer1K float64)

// telemetryClient samples every call that crosses it. It sits outermost in
// the decorator chain so recorded latency includes rate-limit waits and
// retries, matching what the caller experienced.
type telemetryClient struct {
	Client
	provider string
	recorder CallRecorder
	rates    RateLookup
}

// WithTelemetry wraps a client so completed calls are reported to the
// recorder. A nil recorder returns the client unchanged.
func WithTelemetry(client Client, provider string, recorder CallRecorder, rates RateLookup) Client {
	if recorder == nil {
		return client
	}
	return &telemetryClient{
		Client:   client,
		provider: provider,
		recorder: recorder,
		rates:    rates,
	}
}

func (c *telemetryClient) Complete(ctx context.Context, model string, messages []Message, params Params) (*Result, error) {
	start := time.Now()
	res, err := c.Client.Complete(ctx, model, messages, params)
	c.record(ctx, model, res, err, time.Since(start))
	return res, err
}

func (c *telemetryClient) StreamComplete(ctx context.Context, model string, messages []Message, params Params, onDelta func(text string)) (*Result, error) {
	start := time.Now()
	var res *Result
	var err error
	if streamer, ok := c.Client.(Streamer); ok {
		res, err = streamer.StreamComplete(ctx, model, messages, params, onDelta)
	} else {
		res, err = c.Client.Complete(ctx, model, messages, params)
	}
	c.record(ctx, model, res, err, time.Since(start))
	return res, err
}

func (c *telemetryClient) record(ctx context.Context, model string, res *Result, err error, latency time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	var inputTokens, outputTokens int
	var cost float64
	if res != nil {
		inputTokens = res.Usage.PromptTokens
		outputTokens = res.Usage.CompletionTokens
		if c.rates != nil {
			in, out := c.rates(model)
			cost = res.Cost(in, out)
		}
	}
	c.recorder.RecordProviderCall(ctx, c.provider, model, status, latency, inputTokens, outputTokens, cost)
}
