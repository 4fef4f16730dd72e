package orchestration

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// stubResolver builds a minimal function-backed resolver for selector tests.
func stubResolver(name, version string, capabilities []string, schemas ...json.RawMessage) *core.FuncResolver {
	meta := core.ResolverMetadata{
		Name:         name,
		Version:      version,
		Description:  name + " test resolver",
		Capabilities: capabilities,
	}
	if len(schemas) > 0 {
		meta.InputSchema = schemas[0]
	}
	if len(schemas) > 1 {
		meta.ResultSchema = schemas[1]
	}
	return core.NewFuncResolver(meta, func(ctx context.Context, task *core.Task) *core.Task {
		_ = task.SetResult(&core.TaskResult{Data: task.Input})
		return task
	})
}

func validPlan(name, version string) *MasteryPlan {
	return &MasteryPlan{
		Name:    name,
		Version: version,
		Steps:   []Step{{ID: "only", Resolver: StepSelector{Name: "echo"}}},
	}
}

func TestMasteryRegisterAndGet(t *testing.T) {
	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()

	entry, err := m.Register(ctx, validPlan("p", "1.0.0"))
	require.NoError(t, err)
	assert.True(t, entry.Latest)

	got, err := m.Get("p", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "p", got.Plan.Name)

	latest, err := m.Get("p", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.Plan.Version)
}

func TestMasteryRegisterRejectsDuplicateAndInvalid(t *testing.T) {
	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()

	_, err := m.Register(ctx, validPlan("p", "1.0.0"))
	require.NoError(t, err)

	_, err = m.Register(ctx, validPlan("p", "1.0.0"))
	assert.ErrorIs(t, err, core.ErrAlreadyRegistered)

	_, err = m.Register(ctx, validPlan("p", "one-dot-oh"))
	assert.ErrorIs(t, err, core.ErrInvalidVersion)

	_, err = m.Register(ctx, &MasteryPlan{Name: "empty", Version: "1.0.0"})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestMasteryLatestPromotion(t *testing.T) {
	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()

	for _, v := range []string{"1.9.0", "1.10.0", "1.2.0"} {
		_, err := m.Register(ctx, validPlan("p", v))
		require.NoError(t, err)
	}

	latest, err := m.Get("p", "")
	require.NoError(t, err)
	assert.Equal(t, "1.10.0", latest.Plan.Version, "versions compare as tuples, not strings")

	require.NoError(t, m.Unregister("p", "1.10.0"))
	latest, err = m.Get("p", "")
	require.NoError(t, err)
	assert.Equal(t, "1.9.0", latest.Plan.Version)
}

func TestMasteryListOrder(t *testing.T) {
	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()
	for _, pair := range [][2]string{{"b", "1.0.0"}, {"a", "2.0.0"}, {"a", "1.0.0"}} {
		_, err := m.Register(ctx, validPlan(pair[0], pair[1]))
		require.NoError(t, err)
	}

	var got []string
	for _, e := range m.List() {
		got = append(got, e.Plan.Name+"@"+e.Plan.Version)
	}
	assert.Equal(t, []string{"a@2.0.0", "a@1.0.0", "b@1.0.0"}, got)
}

func TestMasteryMatchSubstringFallback(t *testing.T) {
	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()

	plan := validPlan("orders", "1.0.0")
	plan.Description = "Fetch and enrich customer orders"
	_, err := m.Register(ctx, plan)
	require.NoError(t, err)

	matches, err := m.Match(ctx, "enrich customer orders", 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "orders", matches[0].Entry.Plan.Name)
	assert.Equal(t, float64(1), matches[0].Score)

	matches, err = m.Match(ctx, "launch rockets", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestResolveSelectorByName(t *testing.T) {
	resolvers := registry.New()
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		_, err := resolvers.Register(ctx, stubResolver("echo", v, nil))
		require.NoError(t, err)
	}
	m := NewMasteryRegistry(resolvers)

	latest, err := m.ResolveSelector(StepSelector{Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Metadata.Version)

	latest, err = m.ResolveSelector(StepSelector{Name: "echo", Constraint: "latest"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Metadata.Version)

	exact, err := m.ResolveSelector(StepSelector{Name: "echo", Constraint: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", exact.Metadata.Version)

	caret, err := m.ResolveSelector(StepSelector{Name: "echo", Constraint: "^1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", caret.Metadata.Version, "caret stays within the major version")

	_, err = m.ResolveSelector(StepSelector{Name: "echo", Constraint: "^3.0.0"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.ResolveSelector(StepSelector{Name: "ghost"})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestResolveSelectorByCapability(t *testing.T) {
	resolvers := registry.New()
	ctx := context.Background()
	_, err := resolvers.Register(ctx, stubResolver("translator", "1.5.0", []string{"translate"}))
	require.NoError(t, err)
	m := NewMasteryRegistry(resolvers)

	entry, err := m.ResolveSelector(StepSelector{Capability: "translate"})
	require.NoError(t, err)
	assert.Equal(t, "translator", entry.Metadata.Name)

	entry, err = m.ResolveSelector(StepSelector{Capability: "translate", Constraint: "^1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", entry.Metadata.Version)

	_, err = m.ResolveSelector(StepSelector{Capability: "translate", Constraint: "^2.0.0"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.ResolveSelector(StepSelector{Capability: "teleport"})
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = m.ResolveSelector(StepSelector{})
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func TestSaveAndLoadPlans(t *testing.T) {
	store, err := registry.NewFileStore(t.TempDir())
	require.NoError(t, err)

	m := NewMasteryRegistry(registry.New())
	ctx := context.Background()
	for _, v := range []string{"1.0.0", "2.0.0"} {
		_, err := m.Register(ctx, validPlan("p", v))
		require.NoError(t, err)
	}
	require.NoError(t, m.SavePlans(store))

	restored := NewMasteryRegistry(registry.New())
	loaded, err := restored.LoadPlans(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded)

	latest, err := restored.Get("p", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", latest.Plan.Version)
}
