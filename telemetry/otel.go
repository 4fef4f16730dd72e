// Package telemetry adapts OpenTelemetry to the core.Telemetry interface.
// It binds to the global tracer and meter providers; installing exporters
// and SDK wiring is left to the embedding process.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/taskfabric/fabric/core"
)

// OTelProvider implements core.Telemetry over the OpenTelemetry API.
type OTelProvider struct {
	tracer trace.Tracer
	meter  metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Float64Counter
}

// NewOTelProvider creates a provider scoped to the service name. It uses the
// process-global tracer and meter providers, which are no-ops until the
// embedding process installs an SDK.
func NewOTelProvider(serviceName string) *OTelProvider {
	return &OTelProvider{
		tracer:   otel.Tracer(serviceName),
		meter:    otel.Meter(serviceName),
		counters: make(map[string]metric.Float64Counter),
	}
}

// StartSpan starts a span and returns it wrapped as a core.Span.
func (o *OTelProvider) StartSpan(ctx context.Context, name string) (context.Context, core.Span) {
	ctx, span := o.tracer.Start(ctx, name)
	return ctx, &otelSpan{span: span}
}

// RecordMetric adds the value to a counter named after the metric, creating
// the instrument on first use.
func (o *OTelProvider) RecordMetric(name string, value float64, labels map[string]string) {
	counter, err := o.counterFor(name)
	if err != nil {
		return
	}
	attrs := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		attrs = append(attrs, attribute.String(k, v))
	}
	counter.Add(context.Background(), value, metric.WithAttributes(attrs...))
}

func (o *OTelProvider) counterFor(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, err
	}
	o.counters[name] = c
	return c, nil
}

// otelSpan wraps an OpenTelemetry span to implement core.Span.
type otelSpan struct {
	span trace.Span
}

func (s *otelSpan) End() {
	s.span.End()
}

func (s *otelSpan) SetAttribute(key string, value interface{}) {
	switch v := value.(type) {
	case string:
		s.span.SetAttributes(attribute.String(key, v))
	case int:
		s.span.SetAttributes(attribute.Int(key, v))
	case int64:
		s.span.SetAttributes(attribute.Int64(key, v))
	case float64:
		s.span.SetAttributes(attribute.Float64(key, v))
	case bool:
		s.span.SetAttributes(attribute.Bool(key, v))
	default:
		s.span.SetAttributes(attribute.String(key, fmt.Sprintf("%v", v)))
	}
}

func (s *otelSpan) RecordError(err error) {
	s.span.RecordError(err)
}
