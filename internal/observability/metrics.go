package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsConfig configures the metrics collector.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// MetricsCollector manages runtime metrics and exposes them for Prometheus
// scraping. A zero-value collector is a safe no-op.
type MetricsCollector struct {
	meter metric.Meter

	runsTotal      metric.Int64Counter
	runDuration    metric.Float64Histogram
	runsActive     metric.Int64UpDownCounter
	eventsStreamed metric.Int64Counter
	stateSaves     metric.Int64Counter
	stateLoads     metric.Int64Counter
}

// NewMetricsCollector creates a metrics collector backed by the Prometheus
// exporter registered on the global meter provider.
func NewMetricsCollector(config MetricsConfig) (*MetricsCollector, error) {
	if !config.Enabled {
		return &MetricsCollector{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	meter := provider.Meter("agentd")

	runsTotal, err := meter.Int64Counter(
		"agentd.runs.total",
		metric.WithDescription("Total number of agent runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	runDuration, err := meter.Float64Histogram(
		"agentd.run.duration",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run duration histogram: %w", err)
	}

	runsActive, err := meter.Int64UpDownCounter(
		"agentd.runs.active",
		metric.WithDescription("Number of in-flight agent runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active runs gauge: %w", err)
	}

	eventsStreamed, err := meter.Int64Counter(
		"agentd.events.streamed",
		metric.WithDescription("Total events delivered to clients"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	stateSaves, err := meter.Int64Counter(
		"agentd.state.saves.total",
		metric.WithDescription("Total state store save attempts"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state saves counter: %w", err)
	}

	stateLoads, err := meter.Int64Counter(
		"agentd.state.loads.total",
		metric.WithDescription("Total state store load attempts"),
		metric.WithUnit("{load}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state loads counter: %w", err)
	}

	return &MetricsCollector{
		meter:          meter,
		runsTotal:      runsTotal,
		runDuration:    runDuration,
		runsActive:     runsActive,
		eventsStreamed: eventsStreamed,
		stateSaves:     stateSaves,
		stateLoads:     stateLoads,
	}, nil
}

// Handler returns the HTTP handler serving the Prometheus scrape endpoint.
func (m *MetricsCollector) Handler() http.Handler {
	return promclient.Handler()
}

// RecordRun records one completed run with its delivery mode and status.
func (m *MetricsCollector) RecordRun(ctx context.Context, mode string, status string, duration time.Duration) {
	if m == nil || m.runsTotal == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("mode", mode),
		attribute.String("status", status),
	}
	m.runsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// AddEventsStreamed records events delivered to a client.
func (m *MetricsCollector) AddEventsStreamed(ctx context.Context, count int) {
	if m == nil || m.eventsStreamed == nil || count <= 0 {
		return
	}
	m.eventsStreamed.Add(ctx, int64(count))
}

// RecordStateSave records one save attempt against the state store.
func (m *MetricsCollector) RecordStateSave(ctx context.Context, status string) {
	if m == nil || m.stateSaves == nil {
		return
	}
	m.stateSaves.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordStateLoad records one load attempt against the state store.
func (m *MetricsCollector) RecordStateLoad(ctx context.Context, status string) {
	if m == nil || m.stateLoads == nil {
		return
	}
	m.stateLoads.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// IncrementActiveRuns increments the in-flight runs gauge.
func (m *MetricsCollector) IncrementActiveRuns(ctx context.Context) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, 1)
}

// DecrementActiveRuns decrements the in-flight runs gauge.
func (m *MetricsCollector) DecrementActiveRuns(ctx context.Context) {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Add(ctx, -1)
}
