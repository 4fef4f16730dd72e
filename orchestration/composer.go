package orchestration

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/taskfabric/fabric/core"
	"github.com/taskfabric/fabric/registry"
)

// PlannerCapability marks a resolver that can turn a task description into
// an ordered capability list. Its result carries a "capabilities" field.
const PlannerCapability = "plan"

// Composer produces a MasteryPlan from a task description. It first looks
// for an existing plan in the mastery registry; failing that it asks a
// planning resolver for an ordered capability list and synthesizes a plan
// around it. The composer never executes, mutates registries, or persists.
type Composer struct {
	masteries *MasteryRegistry
	resolvers *registry.Registry

	threshold float64
	timeout   time.Duration
	logger    core.Logger
}

// ComposerOption configures a Composer.
type ComposerOption func(*Composer)

// WithMatchThreshold sets the minimum similarity score for reusing an
// existing plan.
func WithMatchThreshold(t float64) ComposerOption {
	return func(c *Composer) { c.threshold = t }
}

// WithPlannerTimeout bounds the planning resolver call.
func WithPlannerTimeout(d time.Duration) ComposerOption {
	return func(c *Composer) { c.timeout = d }
}

// WithComposerLogger sets the logger.
func WithComposerLogger(l core.Logger) ComposerOption {
	return func(c *Composer) { c.logger = l }
}

// NewComposer creates a composer over the given registries.
func NewComposer(masteries *MasteryRegistry, resolvers *registry.Registry, opts ...ComposerOption) *Composer {
	c := &Composer{
		masteries: masteries,
		resolvers: resolvers,
		threshold: 0.8,
		timeout:   30 * time.Second,
		logger:    &core.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compose returns a plan for the described task. The returned plan is
// validated; ErrComposerFailure wraps every planning failure.
func (c *Composer) Compose(ctx context.Context, description string, input map[string]interface{}) (*MasteryPlan, error) {
	if matches, err := c.masteries.Match(ctx, description, 1); err == nil && len(matches) > 0 {
		if matches[0].Score >= c.threshold {
			plan := matches[0].Entry.Plan
			c.logger.Info("Reusing existing plan", map[string]interface{}{
				"operation": "composer_reuse",
				"plan":      plan.Name,
				"version":   plan.Version,
				"score":     matches[0].Score,
			})
			return &plan, nil
		}
	}

	capabilities, err := c.planCapabilities(ctx, description, input)
	if err != nil {
		return nil, err
	}

	plan, err := c.synthesize(description, input, capabilities)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Plan synthesized", map[string]interface{}{
		"operation": "composer_synthesize",
		"plan":      plan.Name,
		"steps":     len(plan.Steps),
	})
	return plan, nil
}

// planCapabilities calls the planning resolver and extracts the ordered
// capability list from its result.
func (c *Composer) planCapabilities(ctx context.Context, description string, input map[string]interface{}) ([]string, error) {
	planners := c.resolvers.FindByCapability(PlannerCapability)
	if len(planners) == 0 {
		return nil, fmt.Errorf("%w: no planning resolver registered", core.ErrComposerFailure)
	}
	planner := planners[0]

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	task := core.NewTask(description, map[string]interface{}{
		"description": description,
		"input":       input,
	})
	resolved := planner.Resolver.Resolve(ctx, task)
	if resolved == nil || resolved.Error != nil || resolved.Result == nil {
		return nil, fmt.Errorf("%w: planning resolver %s failed", core.ErrComposerFailure, planner.Metadata.Name)
	}

	raw, ok := resolved.Result.Data["capabilities"]
	if !ok {
		return nil, fmt.Errorf("%w: planning resolver returned no capability list", core.ErrComposerFailure)
	}
	capabilities, err := toStringList(raw)
	if err != nil || len(capabilities) == 0 {
		return nil, fmt.Errorf("%w: planning resolver returned a malformed capability list", core.ErrComposerFailure)
	}
	return capabilities, nil
}

// synthesize builds a plan with one step per capability. Each step binds the
// fields its input schema names, preferring the output of the nearest
// earlier step whose result schema advertises the field, falling back to
// the initial input.
func (c *Composer) synthesize(description string, input map[string]interface{}, capabilities []string) (*MasteryPlan, error) {
	// field name -> latest producing step
	produced := make(map[string]string)

	plan := &MasteryPlan{
		Name:        composedPlanName(description),
		Version:     "1.0.0",
		Description: description,
		Steps:       make([]Step, 0, len(capabilities)),
	}

	for _, capability := range capabilities {
		candidates := c.resolvers.FindByCapability(capability)
		if len(candidates) == 0 {
			return nil, fmt.Errorf("%w: no resolver provides capability %q", core.ErrComposerFailure, capability)
		}
		meta := candidates[0].Metadata

		step := Step{
			ID:       stepID(plan, capability),
			Resolver: StepSelector{Capability: capability, Constraint: "latest"},
		}

		bindings := make(map[string]string)
		deps := make(map[string]bool)
		fields := core.SchemaProperties(meta.InputSchema)
		sort.Strings(fields)
		for _, field := range fields {
			if p, ok := produced[field]; ok {
				bindings[field] = fmt.Sprintf("steps.%s.%s", p, field)
				deps[p] = true
				continue
			}
			if _, ok := input[field]; ok {
				bindings[field] = "input." + field
			}
		}
		if len(bindings) > 0 {
			step.InputBindings = bindings
		}
		for dep := range deps {
			step.DependsOn = append(step.DependsOn, dep)
		}
		sort.Strings(step.DependsOn)

		for _, field := range core.SchemaProperties(meta.ResultSchema) {
			produced[field] = step.ID
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("%w: synthesized plan is invalid: %v", core.ErrComposerFailure, err)
	}
	return plan, nil
}

// stepID derives a unique step id from the capability name.
func stepID(plan *MasteryPlan, capability string) string {
	id := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			return r
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return '-'
	}, capability)
	if plan.Step(id) == nil {
		return id
	}
	for i := 2; ; i++ {
		candidate := fmt.Sprintf("%s-%d", id, i)
		if plan.Step(candidate) == nil {
			return candidate
		}
	}
}

// composedPlanName derives a stable-looking plan name from the description.
func composedPlanName(description string) string {
	words := strings.Fields(strings.ToLower(description))
	if len(words) > 4 {
		words = words[:4]
	}
	slug := strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return -1
	}, strings.Join(words, "-"))
	if slug == "" {
		slug = "task"
	}
	return "composed-" + slug
}

func toStringList(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string capability %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected capability list type %T", raw)
	}
}
