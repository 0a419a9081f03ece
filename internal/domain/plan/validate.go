package plan

import (
	"errors"
	"fmt"
)

var (
	ErrIDRequired         = errors.New("plan id is required")
	ErrGoalRequired       = errors.New("goal is required")
	ErrNoSteps            = errors.New("at least one step is required")
	ErrNoSuccessCriteria  = errors.New("at least one success criterion is required")
	ErrStepIDRequired     = errors.New("step id is required")
	ErrStepIDDuplicate    = errors.New("step id is not unique within the plan")
	ErrStepToolRequired   = errors.New("step tool is required")
	ErrStepCapRequired    = errors.New("step capability is required")
	ErrNegativeTimeout    = errors.New("timeoutSeconds must be >= 0")
	ErrStepActionRequired = errors.New("step action is required")
)

// Validate checks the plan for structural correctness.
func (p *Plan) Validate() error {
	if p.ID == "" {
		return ErrIDRequired
	}
	if p.Goal == "" {
		return ErrGoalRequired
	}
	if len(p.Steps) == 0 {
		return ErrNoSteps
	}
	if len(p.SuccessCriteria) == 0 {
		return ErrNoSuccessCriteria
	}

	seen := make(map[string]struct{}, len(p.Steps))
	for i, s := range p.Steps {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("step %d (%s): %w", i, s.ID, ErrStepIDDuplicate)
		}
		seen[s.ID] = struct{}{}
	}
	return nil
}

// Validate checks a single step for structural correctness.
func (s *Step) Validate() error {
	if s.ID == "" {
		return ErrStepIDRequired
	}
	if s.Action == "" {
		return ErrStepActionRequired
	}
	if s.Tool == "" {
		return ErrStepToolRequired
	}
	if s.Capability == "" {
		return ErrStepCapRequired
	}
	if s.TimeoutSeconds < 0 {
		return ErrNegativeTimeout
	}
	return nil
}
