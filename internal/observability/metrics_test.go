package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"prism/internal/config"
)

func TestMetricsCollectorDisabledIsInert(t *testing.T) {
	m, err := NewMetricsCollector(config.ObservabilityConfig{}, nil)
	if err != nil {
		t.Fatalf("NewMetricsCollector: %v", err)
	}

	ctx := context.Background()
	m.RecordProviderCall(ctx, "openai", "gpt-4o", "ok", 120*time.Millisecond, 10, 20, 0.01)
	m.IncrementActiveStreams(ctx)
	m.DecrementActiveStreams(ctx)
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown of inert collector: %v", err)
	}
}

func TestMetricsCollectorExportsThroughRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetricsCollector(config.ObservabilityConfig{MetricsEnabled: true}, reg)
	if err != nil {
		t.Fatalf("NewMetricsCollector: %v", err)
	}
	defer func() {
		if err := m.Shutdown(context.Background()); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	}()

	ctx := context.Background()
	m.RecordProviderCall(ctx, "openai", "gpt-4o-mini", "ok", 80*time.Millisecond, 64, 128, 0.004)
	m.RecordProviderCall(ctx, "anthropic", "claude-sonnet", "error", 50*time.Millisecond, 0, 0, 0)
	m.IncrementActiveStreams(ctx)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var names []string
	requests, active := false, false
	for _, mf := range families {
		names = append(names, mf.GetName())
		if strings.HasPrefix(mf.GetName(), "prism_provider_requests") {
			requests = true
		}
		if strings.HasPrefix(mf.GetName(), "prism_streams_active") {
			active = true
		}
	}
	if !requests {
		t.Fatalf("provider request series missing, got %v", names)
	}
	if !active {
		t.Fatalf("active stream series missing, got %v", names)
	}
}

func TestMetricsCollectorNilReceiver(t *testing.T) {
	var m *MetricsCollector
	ctx := context.Background()
	m.RecordProviderCall(ctx, "openai", "gpt-4o", "ok", time.Millisecond, 1, 1, 0)
	m.IncrementActiveStreams(ctx)
	m.DecrementActiveStreams(ctx)
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("nil collector shutdown: %v", err)
	}
}
