package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step is one forward action and its undo. Compensate receives the error
// that aborted the saga.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context, cause error) error
}

// Saga orchestrates a series of steps with automatic compensation on failure.
type Saga struct {
	name  string
	steps []Step
}

// Error reports which step failed and whether compensation succeeded.
// errors.Is and errors.As see both the step error and the compensation error.
type Error struct {
	Saga            string
	Step            string
	Index           int
	Err             error
	CompensationErr error
}

func (e *Error) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.CompensationErr != nil {
		return []error{e.Err, e.CompensationErr}
	}
	return []error{e.Err}
}

// New creates a new saga with the given name.
func New(name string) *Saga {
	return &Saga{name: name}
}

// AddStep adds a step to the saga.
func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Execute runs all steps in order. When a step fails, the steps that
// completed before it are compensated in reverse order and an *Error is
// returned.
func (s *Saga) Execute(ctx context.Context) error {
	completed := make([]int, 0, len(s.steps))

	for i, step := range s.steps {
		if err := step.Execute(ctx); err != nil {
			return &Error{
				Saga:            s.name,
				Step:            step.Name,
				Index:           i,
				Err:             err,
				CompensationErr: s.compensate(ctx, completed, err),
			}
		}
		completed = append(completed, i)
	}
	return nil
}

func (s *Saga) compensate(ctx context.Context, completedIndexes []int, cause error) error {
	var errs []error
	for i := len(completedIndexes) - 1; i >= 0; i-- {
		step := s.steps[completedIndexes[i]]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx, cause); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
		}
	}
	return errors.Join(errs...)
}
