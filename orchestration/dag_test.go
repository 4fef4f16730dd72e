package orchestration

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondDAG() *PlanDAG {
	d := NewPlanDAG()
	d.AddStep("fetch", nil)
	d.AddStep("left", []string{"fetch"})
	d.AddStep("right", []string{"fetch"})
	d.AddStep("merge", []string{"left", "right"})
	return d
}

func TestReadyStepsFollowDependencies(t *testing.T) {
	d := diamondDAG()
	assert.Equal(t, []string{"fetch"}, d.ReadySteps())

	d.SetState("fetch", StepSucceeded)
	assert.Equal(t, []string{"left", "right"}, d.ReadySteps())

	d.SetState("left", StepSucceeded)
	assert.Equal(t, []string{"right"}, d.ReadySteps())

	d.SetState("right", StepSucceeded)
	assert.Equal(t, []string{"merge"}, d.ReadySteps())
}

func TestSkippedDependencySatisfiesReadiness(t *testing.T) {
	d := diamondDAG()
	d.SetState("fetch", StepSucceeded)
	d.SetState("left", StepSkipped)
	d.SetState("right", StepSucceeded)
	assert.Equal(t, []string{"merge"}, d.ReadySteps())
}

func TestFailedDependencyBlocksReadiness(t *testing.T) {
	d := diamondDAG()
	d.SetState("fetch", StepFailed)
	assert.Empty(t, d.ReadySteps())
}

func TestTerminalStateIsSticky(t *testing.T) {
	d := diamondDAG()
	d.SetState("fetch", StepSucceeded)
	d.SetState("fetch", StepFailed)
	assert.Equal(t, StepSucceeded, d.State("fetch"))
}

func TestCancelPendingLeavesRunningAlone(t *testing.T) {
	d := diamondDAG()
	d.SetState("fetch", StepRunning)
	d.CancelPending()

	assert.Equal(t, StepRunning, d.State("fetch"))
	assert.Equal(t, StepCancelled, d.State("merge"))
	assert.Equal(t, []string{"fetch"}, d.RunningSteps())
}

func TestValidateRejectsCycle(t *testing.T) {
	d := NewPlanDAG()
	d.AddStep("a", []string{"b"})
	d.AddStep("b", []string{"a"})
	assert.Error(t, d.Validate())
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	d := NewPlanDAG()
	d.AddStep("a", []string{"ghost"})
	assert.Error(t, d.Validate())
}

func TestCompleteAndSuccess(t *testing.T) {
	d := diamondDAG()
	assert.False(t, d.Complete())

	for _, id := range []string{"fetch", "left", "right"} {
		d.SetState(id, StepSucceeded)
	}
	d.SetState("merge", StepSkipped)

	assert.True(t, d.Complete())
	assert.True(t, d.AllNonSkippedSucceeded())
}

func TestFailureBreaksSuccess(t *testing.T) {
	d := diamondDAG()
	d.SetState("fetch", StepSucceeded)
	d.SetState("left", StepFailed)
	d.SetState("right", StepSucceeded)
	d.SetState("merge", StepCancelled)

	assert.True(t, d.Complete())
	assert.False(t, d.AllNonSkippedSucceeded())
}

func TestTopologicalOrder(t *testing.T) {
	d := diamondDAG()
	order := d.TopologicalOrder()
	require.Equal(t, []string{"fetch", "left", "right", "merge"}, order)
}

func TestTransitiveDependencies(t *testing.T) {
	d := diamondDAG()
	deps := d.TransitiveDependencies()

	assert.Empty(t, deps["fetch"])
	assert.Equal(t, map[string]bool{"fetch": true}, deps["left"])
	assert.Equal(t, map[string]bool{"fetch": true, "left": true, "right": true}, deps["merge"])
}
