package core

import (
	"context"
	"encoding/json"
	"time"
)

// ResolverMetadata describes a registered resolver. It is stable for the
// lifetime of a registry entry; evolving a resolver produces a new entry
// with new metadata.
type ResolverMetadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`

	// Depth prevents recursion: a resolver may only invoke resolvers of
	// strictly lower depth.
	Depth int `json:"depth"`

	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	ResultSchema json.RawMessage `json:"result_schema,omitempty"`
	ErrorSchema  json.RawMessage `json:"error_schema,omitempty"`

	Tags         []string `json:"tags,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	EvolutionThresholdFailures int           `json:"evolution_threshold_failures"`
	MinEvolutionInterval       time.Duration `json:"min_evolution_interval"`
}

// HasCapability reports whether the capability set contains the value.
func (m ResolverMetadata) HasCapability(capability string) bool {
	for _, c := range m.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasTag reports whether the tag set contains the value.
func (m ResolverMetadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Resolver is the contract every task resolver must satisfy.
//
// Resolve consumes a Task and returns it with a terminal status set. It may
// suspend on I/O but must respect cancellation from ctx. Failures surface as
// a TaskError on the returned task, never as a panic past the retry engine
// boundary.
type Resolver interface {
	Resolve(ctx context.Context, task *Task) *Task

	// HealthCheck is a cheap, side-effect-free probe. It must honor the
	// caller's context deadline.
	HealthCheck(ctx context.Context) (bool, map[string]interface{})

	Metadata() ResolverMetadata
}

// BaselineTester is implemented by resolvers that carry a fixed regression
// suite. The evolver uses the report to gate replacement.
type BaselineTester interface {
	RunBaselineTests(ctx context.Context) (*BaselineReport, error)
}

// BaselineReport is the outcome of running a resolver's baseline bundle.
type BaselineReport struct {
	Passed   []string      `json:"passed"`
	Failed   []string      `json:"failed"`
	Duration time.Duration `json:"duration"`
}

// PassedSet returns the passing test names as a set.
func (r *BaselineReport) PassedSet() map[string]bool {
	set := make(map[string]bool, len(r.Passed))
	for _, name := range r.Passed {
		set[name] = true
	}
	return set
}

// PassesSupersetOf reports whether this report passes every test the
// baseline passed.
func (r *BaselineReport) PassesSupersetOf(baseline *BaselineReport) bool {
	passed := r.PassedSet()
	for _, name := range baseline.Passed {
		if !passed[name] {
			return false
		}
	}
	return true
}

// ResolveFunc is the signature of a function-backed resolver body.
type ResolveFunc func(ctx context.Context, task *Task) *Task

// FuncResolver adapts a function to the Resolver interface. It is the
// cheapest way to build in-process resolvers and test fixtures.
type FuncResolver struct {
	Meta     ResolverMetadata
	Fn       ResolveFunc
	HealthFn func(ctx context.Context) (bool, map[string]interface{})
	Baseline func(ctx context.Context) (*BaselineReport, error)
}

// NewFuncResolver builds a FuncResolver that is always healthy.
func NewFuncResolver(meta ResolverMetadata, fn ResolveFunc) *FuncResolver {
	return &FuncResolver{Meta: meta, Fn: fn}
}

func (r *FuncResolver) Resolve(ctx context.Context, task *Task) *Task {
	return r.Fn(ctx, task)
}

func (r *FuncResolver) HealthCheck(ctx context.Context) (bool, map[string]interface{}) {
	if r.HealthFn != nil {
		return r.HealthFn(ctx)
	}
	return true, nil
}

func (r *FuncResolver) Metadata() ResolverMetadata {
	return r.Meta
}

// RunBaselineTests implements BaselineTester when a baseline function is set.
func (r *FuncResolver) RunBaselineTests(ctx context.Context) (*BaselineReport, error) {
	if r.Baseline == nil {
		return &BaselineReport{}, nil
	}
	return r.Baseline(ctx)
}
