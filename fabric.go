// Package fabric is the runtime glue over the task-resolution packages: a
// Fabric routes submitted tasks to registered resolvers through the retry
// engine and a per-resolver circuit breaker, feeds failures to the evolver,
// and records performance samples. Plans compose and execute through the
// orchestration package.
package fabric

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/evolution"
	"github.com/taskfabric/fabric/monitoring"
	"github.com/taskfabric/fabric/orchestration"
	"github.com/taskfabric/fabric/registry"
	"github.com/taskfabric/fabric/resilience"
)

// Route tells Submit how to pick a resolver. An explicit Resolver name wins;
// otherwise the first entry advertising Capability; otherwise a semantic
// search over the task description.
type Route struct {
	Resolver   string
	Version    string
	Capability string
}

// Fabric ties the registry, retry engine, evolver and monitoring together
// behind a single dispatch surface.
type Fabric struct {
	resolvers *registry.Registry
	masteries *orchestration.MasteryRegistry
	composer  *orchestration.Composer
	executor  *orchestration.Executor
	evolver   *evolution.Evolver

	store     *monitoring.MetricsStore
	policy    resilience.Policy
	validator *core.SchemaValidator

	breakerMu sync.Mutex
	breakers  map[string]*resilience.CircuitBreaker

	logger    core.Logger
	telemetry core.Telemetry
}

// FabricOption configures a Fabric.
type FabricOption func(*Fabric)

// WithRetryPolicy sets the dispatch retry policy.
func WithRetryPolicy(p resilience.Policy) FabricOption {
	return func(f *Fabric) { f.policy = p }
}

// WithEvolver attaches the evolution loop; resolver failures are fed to it.
func WithEvolver(e *evolution.Evolver) FabricOption {
	return func(f *Fabric) { f.evolver = e }
}

// WithMetricsStore attaches the monitoring store; every dispatch records a
// performance sample.
func WithMetricsStore(s *monitoring.MetricsStore) FabricOption {
	return func(f *Fabric) { f.store = s }
}

// WithComposer overrides the default composer.
func WithComposer(c *orchestration.Composer) FabricOption {
	return func(f *Fabric) { f.composer = c }
}

// WithExecutor overrides the default executor.
func WithExecutor(e *orchestration.Executor) FabricOption {
	return func(f *Fabric) { f.executor = e }
}

// WithLogger sets the logger.
func WithLogger(l core.Logger) FabricOption {
	return func(f *Fabric) { f.logger = l }
}

// WithTelemetry sets the telemetry provider.
func WithTelemetry(t core.Telemetry) FabricOption {
	return func(f *Fabric) { f.telemetry = t }
}

// New creates a Fabric over the given resolver and mastery registries. When
// no composer or executor is supplied, defaults are built over the same
// registries.
func New(resolvers *registry.Registry, masteries *orchestration.MasteryRegistry, opts ...FabricOption) *Fabric {
	f := &Fabric{
		resolvers: resolvers,
		masteries: masteries,
		policy:    resilience.DefaultPolicy(),
		validator: core.NewSchemaValidator(),
		breakers:  make(map[string]*resilience.CircuitBreaker),
		logger:    &core.NoOpLogger{},
		telemetry: &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.composer == nil {
		f.composer = orchestration.NewComposer(masteries, resolvers)
	}
	if f.executor == nil {
		execOpts := []orchestration.ExecutorOption{
			orchestration.WithRetryPolicy(f.policy),
		}
		if f.store != nil {
			execOpts = append(execOpts, orchestration.WithPerformanceSink(f.store))
		}
		f.executor = orchestration.NewExecutor(masteries, resolvers, execOpts...)
	}
	return f
}

// Registry returns the resolver registry.
func (f *Fabric) Registry() *registry.Registry { return f.resolvers }

// Masteries returns the mastery registry.
func (f *Fabric) Masteries() *orchestration.MasteryRegistry { return f.masteries }

// Submit routes the task to one resolver and drives it to a terminal status.
// The returned task is the caller's task: Completed with a result, Failed
// with a TaskError, or Cancelled when the context won. The error mirrors the
// task's failure so callers can branch with errors.Is.
func (f *Fabric) Submit(ctx context.Context, task *core.Task, route Route) (*core.Task, error) {
	ctx, span := f.telemetry.StartSpan(ctx, "fabric.submit")
	defer span.End()
	span.SetAttribute("task_id", task.ID)

	if task.CurrentStatus().Terminal() {
		return task, fmt.Errorf("task %s: %w", task.ID, core.ErrTaskTerminal)
	}
	if task.Expired() {
		terr := core.NewTaskError(core.KindTimeout, "task expired before dispatch")
		_ = task.SetError(terr)
		return task, terr
	}

	entry, err := f.selectEntry(ctx, task, route)
	if err != nil {
		terr := core.AsTaskError(err)
		_ = task.SetError(terr)
		span.RecordError(terr)
		return task, terr
	}
	identity := entry.Metadata.Name + "@" + entry.Metadata.Version
	span.SetAttribute("resolver", identity)

	if err := f.validator.Validate(entry.Metadata.InputSchema, task.Input); err != nil {
		terr := core.WrapTaskError(core.KindValidation,
			fmt.Sprintf("input rejected by %s schema", identity), err)
		_ = task.SetError(terr)
		return task, terr
	}

	_ = task.Start()

	start := time.Now()
	result, err := f.dispatch(ctx, entry, task)
	duration := time.Since(start)
	success := err == nil

	_ = f.resolvers.RecordExecution(entry.Metadata.Name, entry.Metadata.Version, success, duration)
	if f.store != nil {
		f.store.RecordPerformance(entry.Metadata.Name, "resolve", duration, success)
	}

	if err != nil {
		terr := core.AsTaskError(err)
		span.RecordError(terr)
		f.reportFailure(ctx, entry, task, terr)
		if terr.Kind == core.KindCancelled {
			_ = task.Cancel()
			return task, terr
		}
		_ = task.SetError(terr)
		return task, terr
	}

	_ = task.SetResult(result)
	f.logger.Debug("Task resolved", map[string]interface{}{
		"operation": "fabric_submit",
		"task_id":   task.ID,
		"resolver":  identity,
		"duration":  duration.String(),
	})
	return task, nil
}

// selectEntry applies the routing precedence: explicit name, capability,
// semantic search over the description.
func (f *Fabric) selectEntry(ctx context.Context, task *core.Task, route Route) (*registry.Entry, error) {
	if route.Resolver != "" {
		return f.resolvers.Get(route.Resolver, route.Version)
	}
	if route.Capability != "" {
		matches := f.resolvers.FindByCapability(route.Capability)
		if len(matches) == 0 {
			return nil, fmt.Errorf("no resolver with capability %q: %w", route.Capability, core.ErrNotFound)
		}
		return &matches[0], nil
	}
	results, err := f.resolvers.SemanticSearch(ctx, task.Description, 1)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no resolver matches %q: %w", task.Description, core.ErrNotFound)
	}
	return &results[0].Entry, nil
}

// dispatch runs the resolver under the retry policy and the entry's circuit
// breaker. Each attempt resolves a fresh shadow task so a failed attempt
// never leaves the caller's task half-mutated.
func (f *Fabric) dispatch(ctx context.Context, entry *registry.Entry, task *core.Task) (*core.TaskResult, error) {
	breaker := f.breakerFor(entry)

	var result *core.TaskResult
	attempts := 0
	err := resilience.CallWithBreaker(ctx, f.policy, breaker, func(ctx context.Context) error {
		attempts++
		if attempts > 1 {
			task.RecordRetry()
		}

		shadow := core.NewTask(task.Description, task.Input)
		shadow.Metadata = task.Metadata
		resolved := entry.Resolver.Resolve(ctx, shadow)
		if resolved == nil {
			return core.NewTaskError(core.KindInternal, "resolver returned nil task")
		}
		if resolved.Error != nil {
			return resolved.Error
		}
		if resolved.Status != core.StatusCompleted || resolved.Result == nil {
			return core.NewTaskError(core.KindInternal,
				fmt.Sprintf("resolver left task %s without a result", resolved.Status))
		}
		result = resolved.Result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// breakerFor returns the entry's circuit breaker, creating it on first use.
// Breaker state drives the registry degraded flag.
func (f *Fabric) breakerFor(entry *registry.Entry) *resilience.CircuitBreaker {
	identity := entry.Metadata.Name + "@" + entry.Metadata.Version
	f.breakerMu.Lock()
	defer f.breakerMu.Unlock()

	if cb, ok := f.breakers[identity]; ok {
		return cb
	}
	cb, err := resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig(identity))
	if err != nil {
		// DefaultBreakerConfig always validates; reaching this is a bug.
		panic(err)
	}
	name, version := entry.Metadata.Name, entry.Metadata.Version
	cb.AddStateChangeListener(func(_ string, _, to resilience.CircuitState) {
		degraded := to != resilience.StateClosed
		_ = f.resolvers.MarkDegraded(name, version, degraded)
	})
	resilience.InstrumentBreaker(cb)
	f.breakers[identity] = cb
	return cb
}

// reportFailure feeds the evolver, except for cancellations which say nothing
// about resolver quality.
func (f *Fabric) reportFailure(ctx context.Context, entry *registry.Entry, task *core.Task, terr *core.TaskError) {
	if f.evolver == nil || terr.Kind == core.KindCancelled {
		return
	}
	f.evolver.Notify(ctx, evolution.FailureRecord{
		ResolverName:    entry.Metadata.Name,
		ResolverVersion: entry.Metadata.Version,
		TaskID:          task.ID,
		Kind:            terr.Kind,
		Message:         terr.Message,
		At:              time.Now(),
	})
}

// ComposeAndExecute turns a description into a plan and runs it. Composed
// plans are registered for reuse; a plan that already exists is executed
// as-is.
func (f *Fabric) ComposeAndExecute(ctx context.Context, description string, input map[string]interface{}) (*orchestration.Execution, error) {
	ctx, span := f.telemetry.StartSpan(ctx, "fabric.compose_and_execute")
	defer span.End()

	plan, err := f.composer.Compose(ctx, description, input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttribute("plan", plan.Name)

	if _, err := f.masteries.Register(ctx, plan); err != nil && !errors.Is(err, core.ErrAlreadyRegistered) {
		f.logger.Warn("Composed plan not registered", map[string]interface{}{
			"operation": "fabric_compose",
			"plan":      plan.Name,
			"error":     err.Error(),
		})
	}

	task := core.NewTask(description, input)
	return f.executor.Execute(ctx, plan, task)
}

// ExecutePlan runs a registered mastery plan by name.
func (f *Fabric) ExecutePlan(ctx context.Context, name, version string, input map[string]interface{}) (*orchestration.Execution, error) {
	entry, err := f.masteries.Get(name, version)
	if err != nil {
		return nil, err
	}
	task := core.NewTask(fmt.Sprintf("execute plan %s", name), input)
	return f.executor.Execute(ctx, &entry.Plan, task)
}
