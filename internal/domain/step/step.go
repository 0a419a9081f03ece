// Package step defines the per-step lifecycle state machine and the
// durable StepRecord managed by the state store.
package step

import (
	"time"

	"github.com/planforge/planforge/internal/domain/plan"
)

// State represents the lifecycle state of a step.
type State string

const (
	StateQueued          State = "queued"
	StateRunning         State = "running"
	StateRetrying        State = "retrying"
	StateWaitingApproval State = "waiting_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
	StateDeadLettered    State = "dead_lettered"
)

// IsTerminal returns true if the state is final. Terminal states are
// absorbing: no further transitions succeed.
func (s State) IsTerminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateDeadLettered:
		return true
	}
	return false
}

// transitions is the set of legal edges of the step state machine.
// Absent keys (terminal states) have no outgoing edges.
var transitions = map[State][]State{
	StateQueued:          {StateRunning, StateRejected, StateFailed},
	StateRunning:         {StateCompleted, StateRetrying, StateDeadLettered, StateFailed, StateRejected},
	StateRetrying:        {StateQueued},
	StateWaitingApproval: {StateApproved, StateRejected},
	StateApproved:        {StateQueued, StateFailed},
}

// CanTransition reports whether the edge from -> to is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IdempotencyKey builds the stable per-step broker key.
func IdempotencyKey(planID, stepID string) string {
	return planID + ":" + stepID
}

// Record is the durable per-step state managed by the state store. It is
// created when a step is admitted and removed on terminal transition.
type Record struct {
	PlanID         string          `json:"planId"`
	StepID         string          `json:"stepId"`
	Step           plan.Step       `json:"step"`
	TraceID        string          `json:"traceId"`
	State          State           `json:"state"`
	Summary        string          `json:"summary,omitempty"`
	Output         map[string]any  `json:"output,omitempty"`
	Attempt        int             `json:"attempt"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	Approvals      map[string]bool `json:"approvals,omitempty"`
}
