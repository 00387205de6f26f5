package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"prism/internal/config"
	"prism/internal/errors"
	"prism/internal/ids"
)

const serviceVersion = "0.1.0"

// TracerProvider wraps the OpenTelemetry tracer configured for this process.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider builds the tracer from config. Disabled tracing returns
// a provider backed by the noop tracer, so instrumentation points stay
// unconditional at call sites.
func NewTracerProvider(cfg config.ObservabilityConfig) (*TracerProvider, error) {
	if !cfg.TracingEnabled {
		return &TracerProvider{tracer: noop.NewTracerProvider().Tracer("prism")}, nil
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "prism"
	}
	sampleRate := cfg.SampleRate
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.TraceExporter {
	case "otlp":
		endpoint := cfg.OTLPEndpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		exporter, err = otlptracehttp.New(
			context.Background(),
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "zipkin":
		url := cfg.ZipkinURL
		if url == "" {
			url = "http://localhost:9411/api/v2/spans"
		}
		exporter, err = zipkin.New(url)
	default:
		return nil, errors.Validationf("unsupported trace exporter %q", cfg.TraceExporter)
	}
	if err != nil {
		return nil, errors.Internalf("create %s exporter: %v", cfg.TraceExporter, err)
	}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, errors.Internalf("build trace resource: %v", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(sampleRate)),
	)
	otel.SetTracerProvider(provider)

	return &TracerProvider{
		provider: provider,
		tracer:   provider.Tracer("prism"),
	}, nil
}

// Shutdown flushes buffered spans and stops the provider.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp == nil || tp.provider == nil {
		return nil
	}
	return tp.provider.Shutdown(ctx)
}

// Tracer returns the underlying tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// StartSpan opens a span, stamping any identifiers carried on the context so
// traces join up with logs and stream events.
func (tp *TracerProvider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if taskID := ids.TaskIDFromContext(ctx); taskID != "" {
		attrs = append(attrs, attribute.String(AttrTaskID, taskID))
	}
	if sessionID := ids.SessionIDFromContext(ctx); sessionID != "" {
		attrs = append(attrs, attribute.String(AttrSessionID, sessionID))
	}
	if requestID := ids.RequestIDFromContext(ctx); requestID != "" {
		attrs = append(attrs, attribute.String(AttrRequestID, requestID))
	}
	return tp.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Common span names
const (
	SpanOrchestrate   = "prism.orchestrate"
	SpanRoutePlan     = "prism.route.plan"
	SpanBranchExecute = "prism.branch.execute"
	SpanProviderCall  = "prism.provider.call"
	SpanHTTPServer    = "prism.http.request"
	SpanSSEConnection = "prism.sse.connection"
	SpanWSConnection  = "prism.ws.connection"
)

// Common attribute keys
const (
	AttrTaskID       = "prism.task_id"
	AttrSessionID    = "prism.session_id"
	AttrRequestID    = "prism.request_id"
	AttrProvider     = "prism.provider"
	AttrModel        = "prism.model"
	AttrStrategy     = "prism.strategy"
	AttrCollapse     = "prism.collapse"
	AttrBranchID     = "prism.branch_id"
	AttrInputTokens  = "prism.tokens.input"
	AttrOutputTokens = "prism.tokens.output"
	AttrCost         = "prism.cost"
	AttrStatus       = "prism.status"
	AttrError        = "prism.error"
)

// RouteAttrs describes a routing decision on a span.
func RouteAttrs(provider, model, strategy string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
		attribute.String(AttrStrategy, strategy),
	}
}

// BranchAttrs describes one speculative branch on a span.
func BranchAttrs(branchID, provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrBranchID, branchID),
		attribute.String(AttrProvider, provider),
		attribute.String(AttrModel, model),
	}
}

// UsageAttrs describes token usage and spend on a span.
func UsageAttrs(inputTokens, outputTokens int, cost float64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.Int(AttrInputTokens, inputTokens),
		attribute.Int(AttrOutputTokens, outputTokens),
	}
	if cost > 0 {
		attrs = append(attrs, attribute.Float64(AttrCost, cost))
	}
	return attrs
}

// StatusAttrs describes a terminal status on a span.
func StatusAttrs(status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrStatus, status),
	}
}

// ErrorAttrs describes a failure on a span. Nil errors produce no attributes.
func ErrorAttrs(err error) []attribute.KeyValue {
	if err == nil {
		return nil
	}
	return []attribute.KeyValue{
		attribute.Bool(AttrError, true),
		attribute.String("error.message", err.Error()),
	}
}
