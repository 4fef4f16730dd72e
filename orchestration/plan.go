package orchestration

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/taskfabric/fabric/core"
)

// OnErrorPolicy decides what happens when a step's resolver fails.
type OnErrorPolicy string

const (
	// PolicyPropagate fails the plan and cancels siblings.
	PolicyPropagate OnErrorPolicy = "propagate"
	// PolicySkipOptional marks the step Skipped and continues.
	PolicySkipOptional OnErrorPolicy = "skip_optional"
	// PolicyCompensate fails the step and triggers its compensation step.
	PolicyCompensate OnErrorPolicy = "compensate"
)

// StepSelector names the resolver a step should use, either directly by name
// plus version constraint (exact "1.2.3", caret "^1.2.0", or "latest") or
// indirectly by capability.
type StepSelector struct {
	Name       string `yaml:"name,omitempty" json:"name,omitempty"`
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
	Capability string `yaml:"capability,omitempty" json:"capability,omitempty"`
}

func (s StepSelector) String() string {
	if s.Name != "" {
		if s.Constraint != "" {
			return s.Name + "@" + s.Constraint
		}
		return s.Name
	}
	return "capability:" + s.Capability
}

// Step is one node of a mastery plan.
//
// InputBindings maps this step's input fields to sources: "input.<field>"
// reads the initial task input, "steps.<id>.<field>" reads a predecessor's
// output. Unbound steps receive the initial input unchanged.
type Step struct {
	ID             string            `yaml:"id" json:"id"`
	Resolver       StepSelector      `yaml:"resolver" json:"resolver"`
	InputBindings  map[string]string `yaml:"input_bindings,omitempty" json:"input_bindings,omitempty"`
	DependsOn      []string          `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	OnError        OnErrorPolicy     `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	CompensateWith string            `yaml:"compensate_with,omitempty" json:"compensate_with,omitempty"`
	Timeout        time.Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// Policy returns the effective error policy; unset means Propagate.
func (s Step) Policy() OnErrorPolicy {
	if s.OnError == "" {
		return PolicyPropagate
	}
	return s.OnError
}

// MasteryPlan is an ordered set of steps forming a DAG. Identity is
// (Name, Version), the same shape the resolver registry uses.
type MasteryPlan struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version" json:"version"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// ParsePlanYAML decodes and validates a plan definition.
func ParsePlanYAML(data []byte) (*MasteryPlan, error) {
	var plan MasteryPlan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: parsing plan: %v", core.ErrInvalidConfiguration, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// ToYAML renders the plan back to its definition form.
func (p *MasteryPlan) ToYAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// Step returns the step with the given id.
func (p *MasteryPlan) Step(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// CompensationSteps returns the set of step ids that only run as
// compensation targets. They are excluded from normal scheduling.
func (p *MasteryPlan) CompensationSteps() map[string]bool {
	set := make(map[string]bool)
	for _, s := range p.Steps {
		if s.Policy() == PolicyCompensate && s.CompensateWith != "" {
			set[s.CompensateWith] = true
		}
	}
	return set
}

// Validate checks structural invariants: unique step ids, a dependency graph
// that is a DAG with no unknown references, input bindings that only read the
// initial input or transitive predecessors, and well-formed error policies.
func (p *MasteryPlan) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: plan name is required", core.ErrInvalidConfiguration)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan %s has no steps", core.ErrInvalidConfiguration, p.Name)
	}

	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("%w: plan %s has a step with no id", core.ErrInvalidConfiguration, p.Name)
		}
		if seen[s.ID] {
			return fmt.Errorf("%w: duplicate step id %q", core.ErrInvalidConfiguration, s.ID)
		}
		seen[s.ID] = true

		if s.Resolver.Name == "" && s.Resolver.Capability == "" {
			return fmt.Errorf("%w: step %q has an empty resolver selector", core.ErrInvalidConfiguration, s.ID)
		}
		switch s.Policy() {
		case PolicyPropagate, PolicySkipOptional:
		case PolicyCompensate:
			if s.CompensateWith == "" {
				return fmt.Errorf("%w: step %q uses compensate without a target", core.ErrInvalidConfiguration, s.ID)
			}
		default:
			return fmt.Errorf("%w: step %q has unknown on_error %q", core.ErrInvalidConfiguration, s.ID, s.OnError)
		}
	}

	// Compensation targets must exist and must not participate in the
	// normal dependency flow.
	compensation := p.CompensationSteps()
	for _, s := range p.Steps {
		if s.Policy() == PolicyCompensate && !seen[s.CompensateWith] {
			return fmt.Errorf("%w: step %q compensates with unknown step %q", core.ErrInvalidConfiguration, s.ID, s.CompensateWith)
		}
		for _, dep := range s.DependsOn {
			if compensation[dep] {
				return fmt.Errorf("%w: step %q depends on compensation step %q", core.ErrInvalidConfiguration, s.ID, dep)
			}
		}
	}

	dag := NewPlanDAG()
	for _, s := range p.Steps {
		if compensation[s.ID] {
			continue
		}
		dag.AddStep(s.ID, s.DependsOn)
	}
	if err := dag.Validate(); err != nil {
		return fmt.Errorf("%w: plan %s: %v", core.ErrInvalidConfiguration, p.Name, err)
	}

	// Bindings may only read the initial input or transitive predecessors.
	predecessors := dag.TransitiveDependencies()
	for _, s := range p.Steps {
		for field, source := range s.InputBindings {
			switch {
			case strings.HasPrefix(source, "input."):
			case strings.HasPrefix(source, "steps."):
				rest := strings.TrimPrefix(source, "steps.")
				dot := strings.Index(rest, ".")
				if dot <= 0 {
					return fmt.Errorf("%w: step %q binding %q has malformed source %q", core.ErrInvalidConfiguration, s.ID, field, source)
				}
				sourceStep := rest[:dot]
				if !seen[sourceStep] {
					return fmt.Errorf("%w: step %q binding %q reads unknown step %q", core.ErrInvalidConfiguration, s.ID, field, sourceStep)
				}
				if !compensation[s.ID] && !predecessors[s.ID][sourceStep] {
					return fmt.Errorf("%w: step %q binding %q reads step %q which is not a predecessor", core.ErrInvalidConfiguration, s.ID, field, sourceStep)
				}
			default:
				return fmt.Errorf("%w: step %q binding %q has malformed source %q", core.ErrInvalidConfiguration, s.ID, field, source)
			}
		}
	}

	return nil
}
