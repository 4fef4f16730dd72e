package orchestration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskfabric/fabric/core"
)

func TestParsePlanYAML(t *testing.T) {
	data := []byte(`
name: enrich-order
version: 1.0.0
description: fetch and enrich an order
steps:
  - id: fetch
    resolver:
      name: order-fetcher
      constraint: ^1.0.0
    timeout: 5s
  - id: enrich
    resolver:
      capability: enrichment
    depends_on: [fetch]
    input_bindings:
      order: steps.fetch.order
      locale: input.locale
`)
	plan, err := ParsePlanYAML(data)
	require.NoError(t, err)

	assert.Equal(t, "enrich-order", plan.Name)
	assert.Len(t, plan.Steps, 2)

	fetch := plan.Step("fetch")
	require.NotNil(t, fetch)
	assert.Equal(t, "order-fetcher", fetch.Resolver.Name)
	assert.Equal(t, "^1.0.0", fetch.Resolver.Constraint)
	assert.Equal(t, 5*time.Second, fetch.Timeout)
	assert.Equal(t, PolicyPropagate, fetch.Policy())

	enrich := plan.Step("enrich")
	require.NotNil(t, enrich)
	assert.Equal(t, "enrichment", enrich.Resolver.Capability)
	assert.Equal(t, "steps.fetch.order", enrich.InputBindings["order"])

	out, err := plan.ToYAML()
	require.NoError(t, err)
	reparsed, err := ParsePlanYAML(out)
	require.NoError(t, err)
	assert.Equal(t, plan.Name, reparsed.Name)
}

func TestParsePlanYAMLRejectsGarbage(t *testing.T) {
	_, err := ParsePlanYAML([]byte("{not yaml"))
	assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
}

func simpleStep(id string, deps ...string) Step {
	return Step{ID: id, Resolver: StepSelector{Name: "echo"}, DependsOn: deps}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name string
		plan MasteryPlan
		want string
	}{
		{
			name: "missing name",
			plan: MasteryPlan{Steps: []Step{simpleStep("a")}},
			want: "name is required",
		},
		{
			name: "no steps",
			plan: MasteryPlan{Name: "p"},
			want: "has no steps",
		},
		{
			name: "duplicate id",
			plan: MasteryPlan{Name: "p", Steps: []Step{simpleStep("a"), simpleStep("a")}},
			want: "duplicate step id",
		},
		{
			name: "empty selector",
			plan: MasteryPlan{Name: "p", Steps: []Step{{ID: "a"}}},
			want: "empty resolver selector",
		},
		{
			name: "unknown dependency",
			plan: MasteryPlan{Name: "p", Steps: []Step{simpleStep("a", "ghost")}},
			want: "unknown step",
		},
		{
			name: "cycle",
			plan: MasteryPlan{Name: "p", Steps: []Step{simpleStep("a", "b"), simpleStep("b", "a")}},
			want: "cycle",
		},
		{
			name: "unknown policy",
			plan: MasteryPlan{Name: "p", Steps: []Step{{ID: "a", Resolver: StepSelector{Name: "echo"}, OnError: "explode"}}},
			want: "unknown on_error",
		},
		{
			name: "compensate without target",
			plan: MasteryPlan{Name: "p", Steps: []Step{{ID: "a", Resolver: StepSelector{Name: "echo"}, OnError: PolicyCompensate}}},
			want: "without a target",
		},
		{
			name: "compensate unknown target",
			plan: MasteryPlan{Name: "p", Steps: []Step{{ID: "a", Resolver: StepSelector{Name: "echo"}, OnError: PolicyCompensate, CompensateWith: "ghost"}}},
			want: "unknown step",
		},
		{
			name: "dependency on compensation step",
			plan: MasteryPlan{Name: "p", Steps: []Step{
				{ID: "a", Resolver: StepSelector{Name: "echo"}, OnError: PolicyCompensate, CompensateWith: "undo"},
				simpleStep("undo"),
				simpleStep("b", "undo"),
			}},
			want: "depends on compensation step",
		},
		{
			name: "binding reads non-predecessor",
			plan: MasteryPlan{Name: "p", Steps: []Step{
				simpleStep("a"),
				{ID: "b", Resolver: StepSelector{Name: "echo"},
					InputBindings: map[string]string{"x": "steps.a.x"}},
			}},
			want: "not a predecessor",
		},
		{
			name: "binding malformed source",
			plan: MasteryPlan{Name: "p", Steps: []Step{
				{ID: "a", Resolver: StepSelector{Name: "echo"},
					InputBindings: map[string]string{"x": "outputs.a.x"}},
			}},
			want: "malformed source",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestPlanValidateAcceptsTransitiveBinding(t *testing.T) {
	plan := MasteryPlan{Name: "p", Steps: []Step{
		simpleStep("a"),
		simpleStep("b", "a"),
		{ID: "c", Resolver: StepSelector{Name: "echo"}, DependsOn: []string{"b"},
			InputBindings: map[string]string{"x": "steps.a.x"}},
	}}
	assert.NoError(t, plan.Validate())
}

func TestCompensationStepsExcludedFromDAGChecks(t *testing.T) {
	// "undo" forms no cycle and needs no dependency edges even though it
	// binds the failed step's output.
	plan := MasteryPlan{Name: "p", Steps: []Step{
		{ID: "a", Resolver: StepSelector{Name: "echo"}, OnError: PolicyCompensate, CompensateWith: "undo"},
		{ID: "undo", Resolver: StepSelector{Name: "echo"},
			InputBindings: map[string]string{"order": "steps.a.order"}},
	}}
	require.NoError(t, plan.Validate())
	assert.True(t, plan.CompensationSteps()["undo"])
}

func TestStepSelectorString(t *testing.T) {
	assert.Equal(t, "echo@^1.0.0", StepSelector{Name: "echo", Constraint: "^1.0.0"}.String())
	assert.Equal(t, "echo", StepSelector{Name: "echo"}.String())
	assert.Equal(t, "capability:plan", StepSelector{Capability: "plan"}.String())
}
