package messagequeue

import (
	"time"

	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/step"
)

// StepDispatchPayload is the schema for plan.steps messages.
type StepDispatchPayload struct {
	PlanID    string    `json:"planId"`
	Step      plan.Step `json:"step"`
	TraceID   string    `json:"traceId"`
	Attempt   int       `json:"attempt"`
	CreatedAt time.Time `json:"createdAt"`
}

// CompletionPayload is the schema for plan.completions messages: terminal
// updates published out-of-band by agents that can outlive the engine.
type CompletionPayload struct {
	PlanID           string         `json:"planId"`
	StepID           string         `json:"stepId"`
	State            step.State     `json:"state"`
	Summary          string         `json:"summary,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
	TraceID          string         `json:"traceId,omitempty"`
	OccurredAt       time.Time      `json:"occurredAt,omitempty"`
	Attempt          int            `json:"attempt,omitempty"`
	Capability       string         `json:"capability,omitempty"`
	Tool             string         `json:"tool,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeoutSeconds,omitempty"`
	ApprovalRequired bool           `json:"approvalRequired,omitempty"`
}
