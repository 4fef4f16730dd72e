package orchestration

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
	"github.com/taskfabric/fabric/resilience"
)

// PerformanceSink receives one sample per executed step when a plan reaches
// terminal state. The monitoring metrics store implements this.
type PerformanceSink interface {
	RecordStepPerformance(planName, stepID, resolver string, duration time.Duration, success bool)
}

// StepRecord is the per-step outcome inside an Execution.
type StepRecord struct {
	State    StepState              `json:"state"`
	Resolver string                 `json:"resolver,omitempty"`
	Output   map[string]interface{} `json:"output,omitempty"`
	Error    *core.TaskError        `json:"error,omitempty"`
	Attempts int                    `json:"attempts,omitempty"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Execution records one run of a plan. It is created by the executor,
// persisted through the execution store while running, and appended to
// history on terminal status.
type Execution struct {
	ID          string                 `json:"id"`
	PlanName    string                 `json:"plan_name"`
	PlanVersion string                 `json:"plan_version"`
	TaskID      string                 `json:"task_id"`
	Input       map[string]interface{} `json:"input,omitempty"`

	Status core.TaskStatus        `json:"status"`
	Steps  map[string]*StepRecord `json:"steps"`
	Error  *core.TaskError        `json:"error,omitempty"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// LeafOutputs merges the outputs of succeeded steps no other step depends
// on, in sorted step order. This is the plan-level result.
func (e *Execution) LeafOutputs(plan *MasteryPlan) map[string]interface{} {
	depended := make(map[string]bool)
	for _, s := range plan.Steps {
		for _, dep := range s.DependsOn {
			depended[dep] = true
		}
	}
	compensation := plan.CompensationSteps()

	var leaves []string
	for _, s := range plan.Steps {
		if depended[s.ID] || compensation[s.ID] {
			continue
		}
		leaves = append(leaves, s.ID)
	}
	sort.Strings(leaves)

	merged := make(map[string]interface{})
	for _, id := range leaves {
		record, ok := e.Steps[id]
		if !ok || record.State != StepSucceeded {
			continue
		}
		for k, v := range record.Output {
			merged[k] = v
		}
	}
	return merged
}

// Executor drives a MasteryPlan to terminal state with a bounded fan-out.
type Executor struct {
	masteries *MasteryRegistry
	resolvers *registry.Registry

	retry       resilience.Policy
	validator   *core.SchemaValidator
	fanOut      int
	cancelGrace time.Duration

	history *History
	sink    PerformanceSink
	store   ExecutionStore

	logger    core.Logger
	telemetry core.Telemetry

	statsMu   sync.Mutex
	finished  int64
	completed int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRetryPolicy sets the per-step retry policy.
func WithRetryPolicy(p resilience.Policy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithFanOut bounds how many steps run concurrently.
func WithFanOut(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.fanOut = n
		}
	}
}

// WithCancelGrace bounds how long cancelled steps may linger before being
// recorded as failed.
func WithCancelGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.cancelGrace = d }
}

// WithHistory attaches a bounded execution history.
func WithHistory(h *History) ExecutorOption {
	return func(e *Executor) { e.history = h }
}

// WithPerformanceSink attaches the monitoring sample sink.
func WithPerformanceSink(s PerformanceSink) ExecutorOption {
	return func(e *Executor) { e.sink = s }
}

// WithExecutionStore attaches durable execution state.
func WithExecutionStore(s ExecutionStore) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(l core.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorTelemetry sets the tracer.
func WithExecutorTelemetry(t core.Telemetry) ExecutorOption {
	return func(e *Executor) { e.telemetry = t }
}

// NewExecutor creates an executor over the given mastery registry.
func NewExecutor(masteries *MasteryRegistry, resolvers *registry.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		masteries:   masteries,
		resolvers:   resolvers,
		retry:       resilience.DefaultPolicy(),
		validator:   core.NewSchemaValidator(),
		fanOut:      5,
		cancelGrace: 5 * time.Second,
		store:       NewInMemoryExecutionStore(),
		logger:      &core.NoOpLogger{},
		telemetry:   &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type stepOutcome struct {
	id       string
	state    StepState
	resolver string
	output   map[string]interface{}
	err      *core.TaskError
	attempts int
}

// Execute runs the plan against the task input and returns the execution
// record. The returned error is non-nil only for structural failures
// (invalid plan); runtime failures are reported through the record.
func (e *Executor) Execute(ctx context.Context, plan *MasteryPlan, task *core.Task) (*Execution, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	ctx, span := e.telemetry.StartSpan(ctx, "executor.execute")
	defer span.End()
	span.SetAttribute("plan", plan.Name)

	exec := &Execution{
		ID:          newExecutionID(),
		PlanName:    plan.Name,
		PlanVersion: plan.Version,
		TaskID:      task.ID,
		Input:       task.Input,
		Status:      core.StatusInProgress,
		Steps:       make(map[string]*StepRecord, len(plan.Steps)),
		StartedAt:   time.Now(),
	}
	for _, s := range plan.Steps {
		exec.Steps[s.ID] = &StepRecord{State: StepPending}
	}
	e.saveExecution(ctx, exec)

	compensation := plan.CompensationSteps()
	dag := NewPlanDAG()
	for _, s := range plan.Steps {
		if compensation[s.ID] {
			continue
		}
		dag.AddStep(s.ID, s.DependsOn)
	}

	planCtx, planCancel := context.WithCancel(ctx)
	defer planCancel()

	results := make(chan stepOutcome, len(plan.Steps))
	running := 0
	planFailed := false

	schedule := func() {
		if planFailed {
			return
		}
		for _, id := range dag.ReadySteps() {
			if e.fanOut > 0 && running >= e.fanOut {
				break
			}
			step := plan.Step(id)
			dag.SetState(id, StepRunning)
			now := time.Now()
			exec.Steps[id].State = StepRunning
			exec.Steps[id].StartedAt = &now
			running++
			go func(step *Step) {
				results <- e.runStep(planCtx, plan, step, exec)
			}(step)
		}
	}

	schedule()
	for running > 0 {
		outcome := <-results
		running--
		e.recordOutcome(plan, dag, exec, &outcome)

		if outcome.state == StepFailed || outcome.state == StepCancelled {
			step := plan.Step(outcome.id)
			if outcome.state == StepFailed && step.Policy() == PolicyCompensate {
				e.runCompensation(planCtx, plan, step, exec)
			}
			planFailed = true
		}

		if planFailed {
			planCancel()
			dag.CancelPending()
			e.drain(plan, dag, exec, results, &running)
			break
		}
		schedule()
	}

	e.finish(ctx, plan, dag, exec)
	return exec, nil
}

// recordOutcome folds a step result into the DAG and the execution record.
// An optional step's failure is downgraded to Skipped.
func (e *Executor) recordOutcome(plan *MasteryPlan, dag *PlanDAG, exec *Execution, outcome *stepOutcome) {
	if outcome.state == StepFailed {
		if step := plan.Step(outcome.id); step != nil && step.Policy() == PolicySkipOptional {
			outcome.state = StepSkipped
		}
	}

	now := time.Now()
	dag.SetState(outcome.id, outcome.state)
	record := exec.Steps[outcome.id]
	record.State = outcome.state
	record.Resolver = outcome.resolver
	record.Output = outcome.output
	record.Error = outcome.err
	record.Attempts = outcome.attempts
	record.EndedAt = &now

	e.logger.Debug("Step reached terminal state", map[string]interface{}{
		"operation": "executor_step_done",
		"execution": exec.ID,
		"step":      outcome.id,
		"state":     string(outcome.state),
		"resolver":  outcome.resolver,
	})
}

// drain waits out still-running steps after a plan failure, up to the grace
// period. Stragglers are recorded Failed with a Cancelled error.
func (e *Executor) drain(plan *MasteryPlan, dag *PlanDAG, exec *Execution, results chan stepOutcome, running *int) {
	deadline := time.NewTimer(e.cancelGrace)
	defer deadline.Stop()

	for *running > 0 {
		select {
		case outcome := <-results:
			*running--
			e.recordOutcome(plan, dag, exec, &outcome)
		case <-deadline.C:
			now := time.Now()
			for _, id := range dag.RunningSteps() {
				dag.SetState(id, StepFailed)
				record := exec.Steps[id]
				record.State = StepFailed
				record.Error = core.NewTaskError(core.KindCancelled, "step did not stop within cancellation grace period")
				record.EndedAt = &now
			}
			*running = 0
		}
	}

	// Pending steps that never started are cancelled, not failed.
	for id, record := range exec.Steps {
		if dag.State(id) == StepCancelled && record.State == StepPending {
			record.State = StepCancelled
		}
	}
}

// finish derives the plan-level status, persists the record, and notifies
// history and monitoring.
func (e *Executor) finish(ctx context.Context, plan *MasteryPlan, dag *PlanDAG, exec *Execution) {
	now := time.Now()
	exec.EndedAt = &now

	switch {
	case ctx.Err() != nil:
		exec.Status = core.StatusCancelled
		exec.Error = core.WrapTaskError(core.KindCancelled, "plan cancelled", ctx.Err())
	case dag.AllNonSkippedSucceeded():
		exec.Status = core.StatusCompleted
	default:
		exec.Status = core.StatusFailed
		exec.Error = firstStepError(exec)
	}

	e.statsMu.Lock()
	e.finished++
	if exec.Status == core.StatusCompleted {
		e.completed++
	}
	e.statsMu.Unlock()

	e.saveExecution(ctx, exec)
	if e.history != nil {
		e.history.Append(exec)
	}
	if e.sink != nil {
		for id, record := range exec.Steps {
			if record.StartedAt == nil || record.EndedAt == nil {
				continue
			}
			e.sink.RecordStepPerformance(plan.Name, id, record.Resolver,
				record.EndedAt.Sub(*record.StartedAt), record.State == StepSucceeded)
		}
	}

	e.logger.Info("Plan execution finished", map[string]interface{}{
		"operation": "executor_finish",
		"execution": exec.ID,
		"plan":      plan.Name,
		"status":    string(exec.Status),
		"duration":  now.Sub(exec.StartedAt).String(),
	})
}

// SuccessRate reports the fraction of finished plan executions that
// completed. Zero until the first execution reaches terminal state.
func (e *Executor) SuccessRate() float64 {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	if e.finished == 0 {
		return 0
	}
	return float64(e.completed) / float64(e.finished)
}

func firstStepError(exec *Execution) *core.TaskError {
	var ids []string
	for id, record := range exec.Steps {
		if record.State == StepFailed && record.Error != nil {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return core.NewTaskError(core.KindInternal, "plan failed with no step error")
	}
	sort.Strings(ids)
	err := exec.Steps[ids[0]].Error
	wrapped := core.WrapTaskError(err.Kind, fmt.Sprintf("step %s failed", ids[0]), err)
	return wrapped.WithDetails(map[string]interface{}{"step": ids[0]})
}

// runStep resolves the selector, builds the step input from bindings, and
// drives the resolver through the retry engine under the step timeout.
func (e *Executor) runStep(planCtx context.Context, plan *MasteryPlan, step *Step, exec *Execution) stepOutcome {
	outcome := stepOutcome{id: step.ID, state: StepFailed}

	entry, err := e.masteries.ResolveSelector(step.Resolver)
	if err != nil {
		outcome.err = core.WrapTaskError(core.KindNotFound,
			fmt.Sprintf("no resolver for selector %s", step.Resolver), err)
		return outcome
	}
	outcome.resolver = entry.Metadata.Name + "@" + entry.Metadata.Version

	input := e.bindInput(step, exec)
	if err := e.validator.Validate(entry.Metadata.InputSchema, input); err != nil {
		outcome.err = core.AsTaskError(err)
		return outcome
	}

	stepCtx := planCtx
	var cancel context.CancelFunc
	if step.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(planCtx, step.Timeout)
		defer cancel()
	}

	started := time.Now()
	var result *core.Task
	callErr := resilience.Call(stepCtx, e.retry, func(ctx context.Context) error {
		attempt := core.NewTask(fmt.Sprintf("%s step %s", plan.Name, step.ID), input)
		resolved := entry.Resolver.Resolve(ctx, attempt)
		if resolved == nil {
			return core.NewTaskError(core.KindInternal, "resolver returned nil task")
		}
		if resolved.Error != nil {
			return resolved.Error
		}
		if resolved.Status != core.StatusCompleted {
			return core.NewTaskError(core.KindInternal,
				fmt.Sprintf("resolver left task in non-terminal status %s", resolved.Status))
		}
		result = resolved
		return nil
	})
	duration := time.Since(started)
	_ = e.resolvers.RecordExecution(entry.Metadata.Name, entry.Metadata.Version, callErr == nil, duration)

	if callErr != nil {
		te := core.AsTaskError(callErr)
		outcome.attempts = te.Attempts
		// A step deadline maps to Timeout; plan-level cancellation stays
		// Cancelled.
		if te.Kind == core.KindCancelled {
			if planCtx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
				te = core.WrapTaskError(core.KindTimeout,
					fmt.Sprintf("step %s exceeded its %s timeout", step.ID, step.Timeout), te)
			} else {
				outcome.state = StepCancelled
				outcome.err = te
				return outcome
			}
		}
		outcome.err = te
		return outcome
	}

	outcome.state = StepSucceeded
	if result != nil && result.Result != nil {
		outcome.output = result.Result.Data
	}
	return outcome
}

// runCompensation executes the compensation step synchronously and records
// it. The plan still fails; compensation is cleanup, not recovery.
func (e *Executor) runCompensation(planCtx context.Context, plan *MasteryPlan, failed *Step, exec *Execution) {
	comp := plan.Step(failed.CompensateWith)
	if comp == nil {
		return
	}
	record := exec.Steps[comp.ID]
	now := time.Now()
	record.State = StepRunning
	record.StartedAt = &now

	// Compensation runs even while the plan is being torn down.
	compCtx := context.WithoutCancel(planCtx)
	if e.cancelGrace > 0 {
		var cancel context.CancelFunc
		compCtx, cancel = context.WithTimeout(compCtx, e.cancelGrace)
		defer cancel()
	}

	outcome := e.runStep(compCtx, plan, comp, exec)
	end := time.Now()
	record.State = outcome.state
	record.Resolver = outcome.resolver
	record.Output = outcome.output
	record.Error = outcome.err
	record.Attempts = outcome.attempts
	record.EndedAt = &end

	e.logger.Info("Compensation step executed", map[string]interface{}{
		"operation": "executor_compensation",
		"execution": exec.ID,
		"failed":    failed.ID,
		"step":      comp.ID,
		"state":     string(outcome.state),
	})
}

// bindInput assembles a step's input from its bindings. Unbound steps get
// the initial task input.
func (e *Executor) bindInput(step *Step, exec *Execution) map[string]interface{} {
	if len(step.InputBindings) == 0 {
		return exec.Input
	}

	input := make(map[string]interface{}, len(step.InputBindings))
	for field, source := range step.InputBindings {
		switch {
		case strings.HasPrefix(source, "input."):
			key := strings.TrimPrefix(source, "input.")
			if v, ok := exec.Input[key]; ok {
				input[field] = v
			}
		case strings.HasPrefix(source, "steps."):
			rest := strings.TrimPrefix(source, "steps.")
			dot := strings.Index(rest, ".")
			if dot <= 0 {
				continue
			}
			record, ok := exec.Steps[rest[:dot]]
			if !ok || record.Output == nil {
				continue
			}
			if v, ok := record.Output[rest[dot+1:]]; ok {
				input[field] = v
			}
		}
	}
	return input
}

func (e *Executor) saveExecution(ctx context.Context, exec *Execution) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, exec); err != nil {
		e.logger.Warn("Persisting execution failed", map[string]interface{}{
			"operation": "executor_save",
			"execution": exec.ID,
			"error":     err.Error(),
		})
	}
}

// newExecutionID returns a time-ordered unique id.
func newExecutionID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
