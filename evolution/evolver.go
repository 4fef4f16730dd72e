package evolution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// GeneratorCapability marks a resolver that can produce evolved candidates.
const GeneratorCapability = "evolve_resolver"

// CandidateGenerator is implemented by generator resolvers. It receives the
// failing resolver's metadata plus the recent failure window and returns a
// replacement resolver carrying a new version.
type CandidateGenerator interface {
	GenerateCandidate(ctx context.Context, meta core.ResolverMetadata, failures []FailureRecord) (core.Resolver, error)
}

// FailureRecord is one observed resolver failure.
type FailureRecord struct {
	ResolverName    string         `json:"resolver_name"`
	ResolverVersion string         `json:"resolver_version"`
	TaskID          string         `json:"task_id,omitempty"`
	Kind            core.ErrorKind `json:"kind"`
	Message         string         `json:"message,omitempty"`
	At              time.Time      `json:"at"`
}

// EventKind classifies evolution lifecycle events.
type EventKind string

const (
	EventEvolved               EventKind = "evolved"
	EventRejected              EventKind = "evolution_rejected"
	EventInterventionRequested EventKind = "human_intervention_requested"
)

// Event is emitted to listeners at each evolution decision point.
type Event struct {
	Kind       EventKind `json:"kind"`
	Resolver   string    `json:"resolver"`
	OldVersion string    `json:"old_version,omitempty"`
	NewVersion string    `json:"new_version,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}

// AlertSink receives operator-facing alerts. The monitoring alert manager
// implements it.
type AlertSink interface {
	Raise(ctx context.Context, source, severity, message string, labels map[string]string) error
}

// resolverState is the per-name evolution bookkeeping.
type resolverState struct {
	Window         []FailureRecord `json:"window"`
	LastEvolvedAt  time.Time       `json:"last_evolved_at,omitempty"`
	NextEligibleAt time.Time       `json:"next_eligible_at,omitempty"`
	Rejections     int             `json:"rejections"`
	Halted         bool            `json:"halted"`

	evolving bool
}

// Evolver watches resolver failures and replaces chronically failing
// resolvers with verified candidates. At most one evolution runs per
// resolver name at a time.
type Evolver struct {
	registry *registry.Registry
	cfg      core.EvolverConfig

	mu    sync.Mutex
	state map[string]*resolverState

	alerts    AlertSink
	listeners []func(Event)
	logger    core.Logger
}

// EvolverOption configures an Evolver.
type EvolverOption func(*Evolver)

// WithAlertSink routes HumanInterventionRequested alerts.
func WithAlertSink(s AlertSink) EvolverOption {
	return func(e *Evolver) { e.alerts = s }
}

// WithEventListener registers a lifecycle event callback. Listeners run
// synchronously on the evolving goroutine and must be fast.
func WithEventListener(fn func(Event)) EvolverOption {
	return func(e *Evolver) { e.listeners = append(e.listeners, fn) }
}

// WithEvolverLogger sets the logger.
func WithEvolverLogger(l core.Logger) EvolverOption {
	return func(e *Evolver) { e.logger = l }
}

// NewEvolver creates an evolver over the given registry.
func NewEvolver(reg *registry.Registry, cfg core.EvolverConfig, opts ...EvolverOption) *Evolver {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 256
	}
	if cfg.ThresholdFailures <= 0 {
		cfg.ThresholdFailures = 5
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = 3
	}
	e := &Evolver{
		registry: reg,
		cfg:      cfg,
		state:    make(map[string]*resolverState),
		logger:   &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Evolver) minInterval() time.Duration {
	return time.Duration(e.cfg.MinIntervalSec) * time.Second
}

// limitsFor returns the failure threshold and minimum evolution interval for
// the resolver. The resolver's own metadata wins over the evolver defaults
// when set.
func (e *Evolver) limitsFor(name string) (int, time.Duration) {
	threshold := e.cfg.ThresholdFailures
	interval := e.minInterval()
	entry, err := e.registry.Latest(name)
	if err != nil {
		return threshold, interval
	}
	if entry.Metadata.EvolutionThresholdFailures > 0 {
		threshold = entry.Metadata.EvolutionThresholdFailures
	}
	if entry.Metadata.MinEvolutionInterval > 0 {
		interval = entry.Metadata.MinEvolutionInterval
	}
	return threshold, interval
}

// RecordFailure folds a failure into the resolver's rolling window and
// reports whether the resolver is now due for evolution. Records for
// resolvers no longer in the registry are discarded.
func (e *Evolver) RecordFailure(record FailureRecord) bool {
	if _, err := e.registry.Get(record.ResolverName, record.ResolverVersion); err != nil {
		e.logger.Debug("Discarding orphaned failure record", map[string]interface{}{
			"operation": "evolver_record",
			"resolver":  record.ResolverName,
			"version":   record.ResolverVersion,
		})
		return false
	}
	if record.At.IsZero() {
		record.At = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	s := e.stateLocked(record.ResolverName)
	s.Window = append(s.Window, record)
	if len(s.Window) > e.cfg.WindowSize {
		s.Window = s.Window[len(s.Window)-e.cfg.WindowSize:]
	}
	return e.dueLocked(record.ResolverName, s)
}

func (e *Evolver) stateLocked(name string) *resolverState {
	s, ok := e.state[name]
	if !ok {
		s = &resolverState{}
		e.state[name] = s
	}
	return s
}

func (e *Evolver) dueLocked(name string, s *resolverState) bool {
	if s.Halted || s.evolving {
		return false
	}
	threshold, interval := e.limitsFor(name)
	if len(s.Window) < threshold {
		return false
	}
	now := time.Now()
	if !s.NextEligibleAt.IsZero() && now.Before(s.NextEligibleAt) {
		return false
	}
	if !s.LastEvolvedAt.IsZero() && now.Sub(s.LastEvolvedAt) < interval {
		return false
	}
	return true
}

// Notify records the failure and, when the resolver becomes due, runs the
// evolution flow in a background goroutine.
func (e *Evolver) Notify(ctx context.Context, record FailureRecord) {
	if e.RecordFailure(record) {
		go func() {
			if _, err := e.Evolve(ctx, record.ResolverName); err != nil {
				e.logger.Warn("Background evolution failed", map[string]interface{}{
					"operation": "evolver_notify",
					"resolver":  record.ResolverName,
					"error":     err.Error(),
				})
			}
		}()
	}
}

// Evolve runs the evolution flow for the named resolver: snapshot the
// current latest entry's baseline, generate a candidate, verify it passes
// every test the baseline passed, then register and promote it. Returns the
// new entry on success.
func (e *Evolver) Evolve(ctx context.Context, name string) (*registry.Entry, error) {
	e.mu.Lock()
	s := e.stateLocked(name)
	if s.Halted {
		e.mu.Unlock()
		return nil, fmt.Errorf("evolution halted for %s pending operator intervention", name)
	}
	if s.evolving {
		e.mu.Unlock()
		return nil, fmt.Errorf("evolution already in progress for %s", name)
	}
	s.evolving = true
	failures := make([]FailureRecord, len(s.Window))
	copy(failures, s.Window)
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		s.evolving = false
		e.mu.Unlock()
	}()

	current, err := e.registry.Latest(name)
	if err != nil {
		return nil, err
	}

	entry, rejectReason, err := e.attempt(ctx, current, failures)
	if err != nil {
		return nil, err
	}
	if rejectReason != "" {
		e.reject(ctx, name, current.Metadata.Version, rejectReason)
		return nil, fmt.Errorf("%s: %s", name, rejectReason)
	}

	now := time.Now()
	_, interval := e.limitsFor(name)
	e.mu.Lock()
	s.LastEvolvedAt = now
	s.NextEligibleAt = now.Add(interval)
	s.Rejections = 0
	s.Window = nil
	e.mu.Unlock()

	_ = e.registry.RecordEvolved(name, entry.Metadata.Version, now)
	e.emit(Event{
		Kind:       EventEvolved,
		Resolver:   name,
		OldVersion: current.Metadata.Version,
		NewVersion: entry.Metadata.Version,
		At:         now,
	})
	e.logger.Info("Resolver evolved", map[string]interface{}{
		"operation":   "evolver_evolve",
		"resolver":    name,
		"old_version": current.Metadata.Version,
		"new_version": entry.Metadata.Version,
	})
	return entry, nil
}

// attempt produces and verifies one candidate. A non-empty rejectReason
// means the candidate was discarded; err means the flow itself failed.
func (e *Evolver) attempt(ctx context.Context, current *registry.Entry, failures []FailureRecord) (*registry.Entry, string, error) {
	baseline := &core.BaselineReport{}
	if tester, ok := current.Resolver.(core.BaselineTester); ok {
		report, err := tester.RunBaselineTests(ctx)
		if err != nil {
			return nil, fmt.Sprintf("baseline snapshot failed: %v", err), nil
		}
		baseline = report
	}

	generator := e.findGenerator()
	if generator == nil {
		return nil, "no candidate generator registered", nil
	}

	candidate, err := generator.GenerateCandidate(ctx, current.Metadata, failures)
	if err != nil {
		return nil, fmt.Sprintf("candidate generation failed: %v", err), nil
	}
	if candidate == nil {
		return nil, "generator returned no candidate", nil
	}
	meta := candidate.Metadata()
	if meta.Name != current.Metadata.Name {
		return nil, fmt.Sprintf("candidate renamed resolver to %q", meta.Name), nil
	}
	if meta.Version == current.Metadata.Version {
		return nil, "candidate reused the current version", nil
	}

	tester, ok := candidate.(core.BaselineTester)
	if !ok {
		return nil, "candidate carries no baseline tests", nil
	}
	report, err := tester.RunBaselineTests(ctx)
	if err != nil {
		return nil, fmt.Sprintf("candidate baseline run failed: %v", err), nil
	}
	if !report.PassesSupersetOf(baseline) {
		return nil, "candidate regressed the baseline", nil
	}

	entry, err := e.registry.Register(ctx, candidate)
	if err != nil {
		return nil, "", fmt.Errorf("registering candidate: %w", err)
	}
	return entry, "", nil
}

func (e *Evolver) findGenerator() CandidateGenerator {
	for _, entry := range e.registry.FindByCapability(GeneratorCapability) {
		if gen, ok := entry.Resolver.(CandidateGenerator); ok {
			return gen
		}
	}
	return nil
}

// reject records a discarded candidate. Exhausting the retry budget halts
// evolution for the resolver and raises an operator alert.
func (e *Evolver) reject(ctx context.Context, name, version, reason string) {
	now := time.Now()
	_, interval := e.limitsFor(name)

	e.mu.Lock()
	s := e.stateLocked(name)
	s.Rejections++
	s.NextEligibleAt = now.Add(interval)
	exhausted := s.Rejections >= e.cfg.RetryBudget
	if exhausted {
		s.Halted = true
	}
	e.mu.Unlock()

	e.emit(Event{
		Kind:       EventRejected,
		Resolver:   name,
		OldVersion: version,
		Reason:     reason,
		At:         now,
	})
	e.logger.Warn("Evolution candidate rejected", map[string]interface{}{
		"operation": "evolver_reject",
		"resolver":  name,
		"reason":    reason,
	})

	if !exhausted {
		return
	}

	_ = e.registry.MarkDegraded(name, version, true)
	e.emit(Event{
		Kind:     EventInterventionRequested,
		Resolver: name,
		Reason:   fmt.Sprintf("retry budget (%d) exhausted: %s", e.cfg.RetryBudget, reason),
		At:       now,
	})
	if e.alerts != nil {
		_ = e.alerts.Raise(ctx, "evolver", "critical",
			fmt.Sprintf("resolver %s exhausted its evolution retry budget: %s", name, reason),
			map[string]string{"resolver": name, "version": version})
	}
}

// ClearHalt re-enables evolution for a resolver after operator review.
func (e *Evolver) ClearHalt(name string) {
	e.mu.Lock()
	s := e.stateLocked(name)
	s.Halted = false
	s.Rejections = 0
	e.mu.Unlock()

	e.logger.Info("Evolution halt cleared", map[string]interface{}{
		"operation": "evolver_clear_halt",
		"resolver":  name,
	})
}

// Halted reports whether evolution is halted for the resolver.
func (e *Evolver) Halted(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.state[name]
	return ok && s.Halted
}

// FailureCount returns the current rolling-window size for the resolver.
func (e *Evolver) FailureCount(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.state[name]; ok {
		return len(s.Window)
	}
	return 0
}

func (e *Evolver) emit(event Event) {
	for _, fn := range e.listeners {
		fn(event)
	}
}
