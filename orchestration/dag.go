package orchestration

import (
	"fmt"
	"sort"
	"sync"
)

// StepState is the per-step execution state inside a running plan.
type StepState string

const (
	StepPending   StepState = "pending"
	StepRunning   StepState = "running"
	StepSucceeded StepState = "succeeded"
	StepFailed    StepState = "failed"
	StepSkipped   StepState = "skipped"
	StepCancelled StepState = "cancelled"
)

// Terminal reports whether the state admits no further transition.
func (s StepState) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// PlanDAG tracks the dependency graph of a plan's schedulable steps and
// their execution states.
type PlanDAG struct {
	nodes map[string]*dagNode
	mu    sync.RWMutex
}

type dagNode struct {
	id           string
	dependencies []string
	dependents   []string
	state        StepState
}

// NewPlanDAG creates an empty DAG.
func NewPlanDAG() *PlanDAG {
	return &PlanDAG{nodes: make(map[string]*dagNode)}
}

// AddStep adds a step and its dependencies, then rebuilds dependent edges.
func (d *PlanDAG) AddStep(id string, dependencies []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if node, exists := d.nodes[id]; exists {
		node.dependencies = dependencies
	} else {
		d.nodes[id] = &dagNode{
			id:           id,
			dependencies: dependencies,
			state:        StepPending,
		}
	}
	d.rebuildDependents()
}

func (d *PlanDAG) rebuildDependents() {
	for _, node := range d.nodes {
		node.dependents = nil
	}
	for id, node := range d.nodes {
		for _, dep := range node.dependencies {
			if depNode, exists := d.nodes[dep]; exists {
				depNode.dependents = append(depNode.dependents, id)
			}
		}
	}
}

// Validate rejects graphs with cycles or unknown dependencies.
func (d *PlanDAG) Validate() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, node := range d.nodes {
		for _, dep := range node.dependencies {
			if _, exists := d.nodes[dep]; !exists {
				return fmt.Errorf("step %s depends on unknown step %s", id, dep)
			}
		}
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)
	for id := range d.nodes {
		if !visited[id] {
			if d.hasCycleDFS(id, visited, recStack) {
				return fmt.Errorf("dependency graph contains a cycle")
			}
		}
	}
	return nil
}

func (d *PlanDAG) hasCycleDFS(id string, visited, recStack map[string]bool) bool {
	visited[id] = true
	recStack[id] = true
	for _, dependent := range d.nodes[id].dependents {
		if !visited[dependent] {
			if d.hasCycleDFS(dependent, visited, recStack) {
				return true
			}
		} else if recStack[dependent] {
			return true
		}
	}
	recStack[id] = false
	return false
}

// ReadySteps returns pending steps whose dependencies are all satisfied
// (Succeeded, or Skipped for optional steps). Sorted for determinism.
func (d *PlanDAG) ReadySteps() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []string
	for id, node := range d.nodes {
		if node.state != StepPending {
			continue
		}
		ok := true
		for _, dep := range node.dependencies {
			s := d.nodes[dep].state
			if s != StepSucceeded && s != StepSkipped {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// SetState transitions a step. A terminal step never leaves its state.
func (d *PlanDAG) SetState(id string, state StepState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if node, exists := d.nodes[id]; exists && !node.state.Terminal() {
		node.state = state
	}
}

// State returns a step's current state.
func (d *PlanDAG) State(id string) StepState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if node, exists := d.nodes[id]; exists {
		return node.state
	}
	return ""
}

// CancelPending marks every non-terminal, non-running step Cancelled. Used
// when the plan fails so no further step transitions to Running.
func (d *PlanDAG) CancelPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, node := range d.nodes {
		if node.state == StepPending {
			node.state = StepCancelled
		}
	}
}

// RunningSteps returns ids currently in Running state.
func (d *PlanDAG) RunningSteps() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var running []string
	for id, node := range d.nodes {
		if node.state == StepRunning {
			running = append(running, id)
		}
	}
	sort.Strings(running)
	return running
}

// Complete reports whether every step reached a terminal state.
func (d *PlanDAG) Complete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		if !node.state.Terminal() {
			return false
		}
	}
	return true
}

// AllNonSkippedSucceeded reports whether the plan completed successfully:
// every step is Succeeded or Skipped.
func (d *PlanDAG) AllNonSkippedSucceeded() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, node := range d.nodes {
		if node.state != StepSucceeded && node.state != StepSkipped {
			return false
		}
	}
	return true
}

// TransitiveDependencies returns, per step, the set of every step reachable
// through dependsOn edges.
func (d *PlanDAG) TransitiveDependencies() map[string]map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make(map[string]map[string]bool, len(d.nodes))
	var collect func(id string, into map[string]bool)
	collect = func(id string, into map[string]bool) {
		for _, dep := range d.nodes[id].dependencies {
			if _, exists := d.nodes[dep]; !exists {
				continue
			}
			if !into[dep] {
				into[dep] = true
				collect(dep, into)
			}
		}
	}
	for id := range d.nodes {
		set := make(map[string]bool)
		collect(id, set)
		result[id] = set
	}
	return result
}

// TopologicalOrder returns step ids in dependency order.
func (d *PlanDAG) TopologicalOrder() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	inDegree := make(map[string]int, len(d.nodes))
	for id, node := range d.nodes {
		inDegree[id] = len(node.dependencies)
	}

	var queue []string
	for id, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var result []string
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		result = append(result, current)

		var unlocked []string
		for _, dependent := range d.nodes[current].dependents {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				unlocked = append(unlocked, dependent)
			}
		}
		sort.Strings(unlocked)
		queue = append(queue, unlocked...)
	}
	return result
}
