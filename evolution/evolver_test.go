package evolution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// baselineResolver is a resolver with a fixed baseline pass set.
func baselineResolver(name, version string, passes []string) *core.FuncResolver {
	return &core.FuncResolver{
		Meta: core.ResolverMetadata{Name: name, Version: version},
		Fn: func(ctx context.Context, task *core.Task) *core.Task {
			_ = task.SetResult(&core.TaskResult{Data: nil})
			return task
		},
		Baseline: func(ctx context.Context) (*core.BaselineReport, error) {
			return &core.BaselineReport{Passed: passes}, nil
		},
	}
}

// testGenerator is a generator resolver whose candidates come from a
// test-provided function.
type testGenerator struct {
	*core.FuncResolver
	generate func(meta core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error)
}

func (g *testGenerator) GenerateCandidate(ctx context.Context, meta core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error) {
	return g.generate(meta, failures)
}

func newTestGenerator(generate func(meta core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error)) *testGenerator {
	return &testGenerator{
		FuncResolver: core.NewFuncResolver(core.ResolverMetadata{
			Name:         "generator",
			Version:      "1.0.0",
			Capabilities: []string{GeneratorCapability},
		}, func(ctx context.Context, task *core.Task) *core.Task {
			_ = task.SetResult(&core.TaskResult{Data: nil})
			return task
		}),
		generate: generate,
	}
}

type capturedAlert struct {
	source, severity, message string
	labels                    map[string]string
}

type fakeAlertSink struct {
	alerts []capturedAlert
}

func (f *fakeAlertSink) Raise(_ context.Context, source, severity, message string, labels map[string]string) error {
	f.alerts = append(f.alerts, capturedAlert{source, severity, message, labels})
	return nil
}

func testConfig() core.EvolverConfig {
	return core.EvolverConfig{
		WindowSize:        16,
		ThresholdFailures: 3,
		MinIntervalSec:    0,
		RetryBudget:       2,
	}
}

func failureFor(name, version string) FailureRecord {
	return FailureRecord{
		ResolverName:    name,
		ResolverVersion: version,
		Kind:            core.KindTimeout,
		Message:         "upstream timed out",
	}
}

func TestRecordFailureDiscardsOrphans(t *testing.T) {
	reg := registry.New()
	e := NewEvolver(reg, testConfig())

	assert.False(t, e.RecordFailure(failureFor("ghost", "1.0.0")))
	assert.Zero(t, e.FailureCount("ghost"))
}

func TestRecordFailureWindowIsBounded(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", nil))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.WindowSize = 4
	cfg.ThresholdFailures = 100
	e := NewEvolver(reg, cfg)

	for i := 0; i < 10; i++ {
		e.RecordFailure(failureFor("flaky", "1.0.0"))
	}
	assert.Equal(t, 4, e.FailureCount("flaky"))
}

func TestRecordFailureBelowThresholdIsNotDue(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", nil))
	require.NoError(t, err)

	e := NewEvolver(reg, testConfig())
	assert.False(t, e.RecordFailure(failureFor("flaky", "1.0.0")))
	assert.False(t, e.RecordFailure(failureFor("flaky", "1.0.0")))
	assert.True(t, e.RecordFailure(failureFor("flaky", "1.0.0")), "third failure crosses the threshold")
}

func TestResolverMetadataOverridesThreshold(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	stubborn := baselineResolver("stubborn", "1.0.0", nil)
	stubborn.Meta.EvolutionThresholdFailures = 5
	_, err := reg.Register(ctx, stubborn)
	require.NoError(t, err)

	// Global threshold is 3; the resolver's own threshold wins.
	e := NewEvolver(reg, testConfig())
	for i := 0; i < 4; i++ {
		assert.False(t, e.RecordFailure(failureFor("stubborn", "1.0.0")))
	}
	assert.True(t, e.RecordFailure(failureFor("stubborn", "1.0.0")),
		"fifth failure crosses the resolver's own threshold")
}

func TestResolverMetadataOverridesMinInterval(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	patient := baselineResolver("patient", "1.0.0", []string{"t1"})
	patient.Meta.MinEvolutionInterval = time.Hour
	_, err := reg.Register(ctx, patient)
	require.NoError(t, err)
	_, err = reg.Register(ctx, newTestGenerator(func(meta core.ResolverMetadata, _ []FailureRecord) (core.Resolver, error) {
		next := baselineResolver("patient", "1.1.0", []string{"t1"})
		next.Meta.MinEvolutionInterval = time.Hour
		return next, nil
	}))
	require.NoError(t, err)

	// No global interval configured; the resolver's own interval gates.
	e := NewEvolver(reg, testConfig())
	_, err = e.Evolve(ctx, "patient")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.False(t, e.RecordFailure(failureFor("patient", "1.1.0")))
	}
}

func TestEvolveReplacesResolver(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", []string{"t1", "t2"}))
	require.NoError(t, err)

	var sawFailures int
	_, err = reg.Register(ctx, newTestGenerator(func(meta core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error) {
		sawFailures = len(failures)
		assert.Equal(t, "flaky", meta.Name)
		return baselineResolver("flaky", "1.1.0", []string{"t1", "t2", "t3"}), nil
	}))
	require.NoError(t, err)

	var events []Event
	e := NewEvolver(reg, testConfig(), WithEventListener(func(ev Event) { events = append(events, ev) }))
	for i := 0; i < 3; i++ {
		e.RecordFailure(failureFor("flaky", "1.0.0"))
	}

	entry, err := e.Evolve(ctx, "flaky")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", entry.Metadata.Version)
	assert.Equal(t, 3, sawFailures)

	latest, err := reg.Latest("flaky")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", latest.Metadata.Version)
	assert.False(t, latest.LastEvolvedAt.IsZero())

	require.Len(t, events, 1)
	assert.Equal(t, EventEvolved, events[0].Kind)
	assert.Equal(t, "1.0.0", events[0].OldVersion)
	assert.Equal(t, "1.1.0", events[0].NewVersion)

	assert.Zero(t, e.FailureCount("flaky"), "window clears after a successful evolution")
}

func TestEvolveRejectsBaselineRegression(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", []string{"t1", "t2"}))
	require.NoError(t, err)
	_, err = reg.Register(ctx, newTestGenerator(func(meta core.ResolverMetadata, _ []FailureRecord) (core.Resolver, error) {
		// Drops t2, which the baseline passed.
		return baselineResolver("flaky", "1.1.0", []string{"t1", "t3"}), nil
	}))
	require.NoError(t, err)

	var events []Event
	e := NewEvolver(reg, testConfig(), WithEventListener(func(ev Event) { events = append(events, ev) }))

	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "regressed")

	latest, err := reg.Latest("flaky")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.Metadata.Version, "rejected candidate is never registered")

	require.Len(t, events, 1)
	assert.Equal(t, EventRejected, events[0].Kind)
}

func TestEvolveWithoutGeneratorIsRejected(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", nil))
	require.NoError(t, err)

	e := NewEvolver(reg, testConfig())
	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no candidate generator")
}

func TestRetryBudgetExhaustionHaltsAndAlerts(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", []string{"t1"}))
	require.NoError(t, err)
	_, err = reg.Register(ctx, newTestGenerator(func(core.ResolverMetadata, []FailureRecord) (core.Resolver, error) {
		return nil, errors.New("model unavailable")
	}))
	require.NoError(t, err)

	sink := &fakeAlertSink{}
	var events []Event
	e := NewEvolver(reg, testConfig(), WithAlertSink(sink),
		WithEventListener(func(ev Event) { events = append(events, ev) }))

	// Budget is 2: two rejections exhaust it.
	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err)
	assert.False(t, e.Halted("flaky"))

	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err)
	assert.True(t, e.Halted("flaky"))

	require.Len(t, sink.alerts, 1)
	assert.Equal(t, "evolver", sink.alerts[0].source)
	assert.Equal(t, "critical", sink.alerts[0].severity)
	assert.Equal(t, "flaky", sink.alerts[0].labels["resolver"])

	degraded, err := reg.Get("flaky", "1.0.0")
	require.NoError(t, err)
	assert.True(t, degraded.Degraded)

	var kinds []EventKind
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventRejected, EventRejected, EventInterventionRequested}, kinds)

	// Halted resolvers refuse further evolution until an operator clears.
	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "halted")

	e.ClearHalt("flaky")
	assert.False(t, e.Halted("flaky"))
	_, err = e.Evolve(ctx, "flaky")
	require.Error(t, err, "still fails, but runs the flow again")
	assert.NotContains(t, err.Error(), "halted")
}

func TestMinIntervalGatesNextEvolution(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", []string{"t1"}))
	require.NoError(t, err)
	_, err = reg.Register(ctx, newTestGenerator(func(meta core.ResolverMetadata, _ []FailureRecord) (core.Resolver, error) {
		return baselineResolver("flaky", "1.1.0", []string{"t1"}), nil
	}))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.MinIntervalSec = 3600
	e := NewEvolver(reg, cfg)

	_, err = e.Evolve(ctx, "flaky")
	require.NoError(t, err)

	// Threshold crossed again, but the interval has not elapsed.
	for i := 0; i < 3; i++ {
		assert.False(t, e.RecordFailure(failureFor("flaky", "1.1.0")))
	}
}

func TestNotifyRunsEvolutionInBackground(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", []string{"t1"}))
	require.NoError(t, err)

	evolved := make(chan struct{})
	_, err = reg.Register(ctx, newTestGenerator(func(meta core.ResolverMetadata, _ []FailureRecord) (core.Resolver, error) {
		defer close(evolved)
		return baselineResolver("flaky", "1.1.0", []string{"t1"}), nil
	}))
	require.NoError(t, err)

	e := NewEvolver(reg, testConfig())
	for i := 0; i < 3; i++ {
		e.Notify(ctx, failureFor("flaky", "1.0.0"))
	}

	select {
	case <-evolved:
	case <-time.After(2 * time.Second):
		t.Fatal("background evolution never ran")
	}
}

func TestStateRoundTrip(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", nil))
	require.NoError(t, err)

	e := NewEvolver(reg, testConfig())
	e.RecordFailure(failureFor("flaky", "1.0.0"))
	e.RecordFailure(failureFor("ghost", "1.0.0")) // discarded
	e.mu.Lock()
	e.stateLocked("flaky").Halted = true
	e.mu.Unlock()

	dir := t.TempDir()
	require.NoError(t, e.SaveState(dir))

	restored := NewEvolver(reg, testConfig())
	require.NoError(t, restored.LoadState(dir))
	assert.Equal(t, 1, restored.FailureCount("flaky"))
	assert.True(t, restored.Halted("flaky"))
}

func TestLoadStateDropsUnregisteredResolvers(t *testing.T) {
	reg := registry.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, baselineResolver("flaky", "1.0.0", nil))
	require.NoError(t, err)

	e := NewEvolver(reg, testConfig())
	e.RecordFailure(failureFor("flaky", "1.0.0"))

	dir := t.TempDir()
	require.NoError(t, e.SaveState(dir))
	require.NoError(t, reg.Unregister("flaky", "1.0.0"))

	restored := NewEvolver(reg, testConfig())
	require.NoError(t, restored.LoadState(dir))
	assert.Zero(t, restored.FailureCount("flaky"))
}

func TestLoadStateMissingFileIsFine(t *testing.T) {
	e := NewEvolver(registry.New(), testConfig())
	assert.NoError(t, e.LoadState(t.TempDir()))
}
