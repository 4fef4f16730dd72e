package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func TestProviderImplementsTelemetry(t *testing.T) {
	var _ core.Telemetry = NewOTelProvider("fabric-test")
}

func TestStartSpanPropagatesContext(t *testing.T) {
	p := NewOTelProvider("fabric-test")

	ctx, span := p.StartSpan(context.Background(), "resolve")
	require.NotNil(t, ctx)
	require.NotNil(t, span)

	// The wrapped span tolerates every attribute type and error recording
	// even without an installed SDK.
	span.SetAttribute("resolver", "echo")
	span.SetAttribute("attempt", 2)
	span.SetAttribute("duration_ms", int64(12))
	span.SetAttribute("score", 0.5)
	span.SetAttribute("retryable", true)
	span.SetAttribute("anything", struct{ X int }{1})
	span.RecordError(errors.New("boom"))
	span.End()
}

func TestRecordMetricCachesInstruments(t *testing.T) {
	p := NewOTelProvider("fabric-test")

	p.RecordMetric("fabric_dispatch_total", 1, map[string]string{"resolver": "echo"})
	p.RecordMetric("fabric_dispatch_total", 1, nil)
	p.RecordMetric("fabric_dispatch_errors", 1, map[string]string{"kind": "timeout"})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.counters, 2)
}
