// Package observability wires run metrics and tracing for the agentd runtime.
package observability

import (
	"context"
	"fmt"
)

// Config controls which observability surfaces are enabled.
type Config struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// Observability bundles the metric collector and tracer handed to the runtime.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *Tracer
}

// New builds the observability bundle. Disabled metrics yield a nil collector,
// which every recording method treats as a no-op; disabled tracing yields a
// noop tracer.
func New(cfg Config) (*Observability, error) {
	tracer, err := NewTracer(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	obs := &Observability{Tracer: tracer}
	if cfg.Metrics.Enabled {
		collector, err := NewMetricsCollector(cfg.Metrics)
		if err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
		obs.Metrics = collector
	}
	return obs, nil
}

// Shutdown flushes exporters. Call on process exit.
func (o *Observability) Shutdown(ctx context.Context) error {
	if o == nil {
		return nil
	}
	return o.Tracer.Shutdown(ctx)
}
