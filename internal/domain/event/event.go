// Package event defines the StepEvent published on every step transition.
package event

import (
	"time"

	"github.com/planforge/planforge/internal/domain/step"
)

// StepView is the embedded snapshot of a step carried by each event:
// current lifecycle fields plus the immutable step metadata.
type StepView struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capabilityLabel,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeoutSeconds"`
	ApprovalRequired bool           `json:"approvalRequired"`
	State            step.State     `json:"state"`
	Attempt          int            `json:"attempt"`
	Summary          string         `json:"summary,omitempty"`
	Output           map[string]any `json:"output,omitempty"`
}

// StepEvent is published once per state transition of a step.
type StepEvent struct {
	PlanID     string    `json:"planId"`
	StepID     string    `json:"stepId"`
	TraceID    string    `json:"traceId"`
	OccurredAt time.Time `json:"occurredAt"`
	Step       StepView  `json:"step"`
}

// FromRecord builds the event for a record's current state.
func FromRecord(rec step.Record, at time.Time) StepEvent {
	return StepEvent{
		PlanID:     rec.PlanID,
		StepID:     rec.StepID,
		TraceID:    rec.TraceID,
		OccurredAt: at,
		Step: StepView{
			ID:               rec.Step.ID,
			Action:           rec.Step.Action,
			Tool:             rec.Step.Tool,
			Capability:       rec.Step.Capability,
			CapabilityLabel:  rec.Step.CapabilityLabel,
			Labels:           rec.Step.Labels,
			TimeoutSeconds:   rec.Step.TimeoutSeconds,
			ApprovalRequired: rec.Step.ApprovalRequired,
			State:            rec.State,
			Attempt:          rec.Attempt,
			Summary:          rec.Summary,
			Output:           rec.Output,
		},
	}
}
