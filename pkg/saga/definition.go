package saga

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// StepContext is passed to every forward action.
type StepContext struct {
	RunID string
	Step  string
	Input any
	// Results holds the values returned by the steps that already committed.
	Results map[string]any
}

// Result returns the value committed by step, if any.
func (c *StepContext) Result(step string) (any, bool) {
	if c == nil || c.Results == nil {
		return nil, false
	}
	v, ok := c.Results[step]
	return v, ok
}

// ActionFunc is the forward action of a step.
type ActionFunc func(ctx context.Context, stepCtx *StepContext) (any, error)

// CompensationFactory builds the undo closure from the value the forward action
// committed. Returning nil means there is nothing to reverse.
type CompensationFactory func(result any) CompensationFunc

// Step is one entry of a saga definition.
type Step struct {
	Name             string
	Status           Status
	Action           ActionFunc
	CompensationName string
	Compensate       CompensationFactory
	Timeout          time.Duration
	Retry            RetryPolicy
	ResultKey        string
}

// Reversible reports whether the step registers a compensation.
func (s *Step) Reversible() bool {
	return s.Compensate != nil
}

// StepOption configures one step.
type StepOption func(*Step)

// Action sets the forward action.
func Action(fn ActionFunc) StepOption {
	return func(s *Step) {
		s.Action = fn
	}
}

// Compensate registers the undo action named name.
func Compensate(name string, factory CompensationFactory) StepOption {
	return func(s *Step) {
		s.CompensationName = name
		s.Compensate = factory
	}
}

// EnterStatus sets the status the run reports while the step executes. It
// defaults to the step name.
func EnterStatus(status Status) StepOption {
	return func(s *Step) {
		s.Status = status
	}
}

// StepTimeout bounds each attempt of the step.
func StepTimeout(timeout time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = timeout
	}
}

// StepRetry overrides the definition retry policy for the step.
func StepRetry(policy RetryPolicy) StepOption {
	return func(s *Step) {
		s.Retry = policy
	}
}

// Publish exposes the committed value in snapshots under key.
func Publish(key string) StepOption {
	return func(s *Step) {
		s.ResultKey = key
	}
}

// Definition is an immutable, ordered list of steps.
type Definition struct {
	Name               string
	steps              []*Step
	DefaultStepTimeout time.Duration
	DefaultRetry       RetryPolicy
}

// Builder assembles a Definition.
type Builder struct {
	def  *Definition
	errs []error
}

// New starts a definition named name.
func New(name string) *Builder {
	return &Builder{
		def: &Definition{
			Name:               name,
			DefaultStepTimeout: DefaultStepTimeout,
			DefaultRetry:       DefaultRetryPolicy(),
		},
	}
}

// WithDefaultStepTimeout sets the timeout of steps that do not set their own.
func (b *Builder) WithDefaultStepTimeout(timeout time.Duration) *Builder {
	if timeout <= 0 {
		b.errs = append(b.errs, fmt.Errorf("default step timeout must be > 0"))
		return b
	}
	b.def.DefaultStepTimeout = timeout
	return b
}

// WithDefaultRetry sets the retry policy of steps that do not set their own.
func (b *Builder) WithDefaultRetry(policy RetryPolicy) *Builder {
	if err := policy.Validate(); err != nil {
		b.errs = append(b.errs, fmt.Errorf("default retry: %w", err))
		return b
	}
	b.def.DefaultRetry = policy
	return b
}

// Step appends a step.
func (b *Builder) Step(name string, opts ...StepOption) *Builder {
	step := &Step{Name: name}
	for _, opt := range opts {
		if opt != nil {
			opt(step)
		}
	}
	b.def.steps = append(b.def.steps, step)
	return b
}

// Build validates and returns the definition.
func (b *Builder) Build() (*Definition, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	def := b.def.clone()
	for _, step := range def.steps {
		if step.Status == "" {
			step.Status = Status(step.Name)
		}
		if step.Timeout <= 0 {
			step.Timeout = def.DefaultStepTimeout
		}
		step.Retry = step.Retry.orDefault(def.DefaultRetry)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// Validate checks the definition.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("saga definition cannot be nil")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("saga name cannot be empty")
	}
	if len(d.steps) == 0 {
		return fmt.Errorf("saga %q must contain at least one step", d.Name)
	}

	names := make(map[string]struct{}, len(d.steps))
	statuses := make(map[Status]struct{}, len(d.steps))
	for i, step := range d.steps {
		if step == nil {
			return fmt.Errorf("step %d cannot be nil", i)
		}
		if strings.TrimSpace(step.Name) == "" {
			return fmt.Errorf("step %d name cannot be empty", i)
		}
		if _, ok := names[step.Name]; ok {
			return fmt.Errorf("duplicate step %q", step.Name)
		}
		names[step.Name] = struct{}{}

		if step.Action == nil {
			return fmt.Errorf("step %q action cannot be nil", step.Name)
		}
		if step.Status.reserved() {
			return fmt.Errorf("step %q uses reserved status %q", step.Name, step.Status)
		}
		if _, ok := statuses[step.Status]; ok {
			return fmt.Errorf("duplicate status %q on step %q", step.Status, step.Name)
		}
		statuses[step.Status] = struct{}{}

		if step.Compensate != nil && step.CompensationName == "" {
			return fmt.Errorf("step %q compensation must be named", step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q timeout cannot be negative", step.Name)
		}
		if step.Retry.MaxAttempts != 0 {
			if err := step.Retry.Validate(); err != nil {
				return fmt.Errorf("step %q retry: %w", step.Name, err)
			}
		}
	}
	return nil
}

// Statuses returns the step statuses in execution order.
func (d *Definition) Statuses() []Status {
	statuses := make([]Status, 0, len(d.steps))
	for _, step := range d.steps {
		statuses = append(statuses, step.Status)
	}
	return statuses
}

// Steps returns copies of the steps in execution order. Changing them does not
// affect the definition.
func (d *Definition) Steps() []Step {
	steps := make([]Step, 0, len(d.steps))
	for _, step := range d.steps {
		steps = append(steps, *step)
	}
	return steps
}

// StepNames returns the step names in execution order.
func (d *Definition) StepNames() []string {
	names := make([]string, 0, len(d.steps))
	for _, step := range d.steps {
		names = append(names, step.Name)
	}
	return names
}

func (d *Definition) clone() *Definition {
	out := *d
	out.steps = make([]*Step, 0, len(d.steps))
	for _, step := range d.steps {
		if step == nil {
			out.steps = append(out.steps, nil)
			continue
		}
		copied := *step
		out.steps = append(out.steps, &copied)
	}
	return &out
}
