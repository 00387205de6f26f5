package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"prism/internal/config"
	"prism/internal/errors"
)

// MetricsCollector owns the OpenTelemetry instruments for upstream provider
// traffic. Samples surface through a Prometheus registerer so the process
// exposes one /metrics endpoint for both these and the native collectors.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter

	providerRequests metric.Int64Counter
	tokensInput      metric.Int64Counter
	tokensOutput     metric.Int64Counter
	providerLatency  metric.Float64Histogram
	costTotal        metric.Float64Counter
	streamsActive    metric.Int64UpDownCounter
}

// NewMetricsCollector builds the collector. When metrics are disabled it
// returns an inert collector whose record methods are no-ops, so call sites
// never branch on the setting. A nil registerer falls back to the default.
func NewMetricsCollector(cfg config.ObservabilityConfig, reg prometheus.Registerer) (*MetricsCollector, error) {
	if !cfg.MetricsEnabled {
		return &MetricsCollector{}, nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, errors.Internalf("create prometheus exporter: %v", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	meter := provider.Meter("prism")

	providerRequests, err := meter.Int64Counter(
		"prism.provider.requests.total",
		metric.WithDescription("Completed upstream provider calls"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, errors.Internalf("create provider request counter: %v", err)
	}

	tokensInput, err := meter.Int64Counter(
		"prism.provider.tokens.input",
		metric.WithDescription("Prompt tokens sent upstream"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, errors.Internalf("create input token counter: %v", err)
	}

	tokensOutput, err := meter.Int64Counter(
		"prism.provider.tokens.output",
		metric.WithDescription("Completion tokens received from upstream"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, errors.Internalf("create output token counter: %v", err)
	}

	providerLatency, err := meter.Float64Histogram(
		"prism.provider.latency",
		metric.WithDescription("Upstream call latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, errors.Internalf("create latency histogram: %v", err)
	}

	costTotal, err := meter.Float64Counter(
		"prism.cost.total",
		metric.WithDescription("Accumulated spend across providers"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, errors.Internalf("create cost counter: %v", err)
	}

	streamsActive, err := meter.Int64UpDownCounter(
		"prism.streams.active",
		metric.WithDescription("Event streams currently attached to clients"),
		metric.WithUnit("{stream}"),
	)
	if err != nil {
		return nil, errors.Internalf("create active stream counter: %v", err)
	}

	return &MetricsCollector{
		provider:         provider,
		meter:            meter,
		providerRequests: providerRequests,
		tokensInput:      tokensInput,
		tokensOutput:     tokensOutput,
		providerLatency:  providerLatency,
		costTotal:        costTotal,
		streamsActive:    streamsActive,
	}, nil
}

// Shutdown flushes pending samples and releases the meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}

// RecordProviderCall records one completed upstream call. status is "ok" or
// "error"; token counts and cost may be zero when the call failed before a
// response arrived.
func (m *MetricsCollector) RecordProviderCall(ctx context.Context, provider, model, status string, latency time.Duration, inputTokens, outputTokens int, cost float64) {
	if m == nil || m.providerRequests == nil {
		return
	}

	callAttrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	modelAttrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
	)

	m.providerRequests.Add(ctx, 1, callAttrs)
	m.providerLatency.Record(ctx, latency.Seconds(), callAttrs)
	if inputTokens > 0 {
		m.tokensInput.Add(ctx, int64(inputTokens), modelAttrs)
	}
	if outputTokens > 0 {
		m.tokensOutput.Add(ctx, int64(outputTokens), modelAttrs)
	}
	if cost > 0 {
		m.costTotal.Add(ctx, cost, modelAttrs)
	}
}

// IncrementActiveStreams notes a client attaching to an event stream.
func (m *MetricsCollector) IncrementActiveStreams(ctx context.Context) {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Add(ctx, 1)
}

// DecrementActiveStreams notes a client detaching from an event stream.
func (m *MetricsCollector) DecrementActiveStreams(ctx context.Context) {
	if m == nil || m.streamsActive == nil {
		return
	}
	m.streamsActive.Add(ctx, -1)
}
