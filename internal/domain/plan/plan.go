// Package plan defines the Plan domain entity: an ordered list of
// capability-gated tool invocations produced from an operator goal.
package plan

// Step is a single capability-gated tool invocation. Steps are immutable
// after the plan is created.
type Step struct {
	ID               string         `json:"id"`
	Action           string         `json:"action"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capabilityLabel,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeoutSeconds"`
	ApprovalRequired bool           `json:"approvalRequired"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Plan is an ordered sequence of steps with the goal that produced it.
type Plan struct {
	ID              string   `json:"id"`
	Goal            string   `json:"goal"`
	Steps           []Step   `json:"steps"`
	SuccessCriteria []string `json:"successCriteria"`
}

// Step returns the step with the given id, or false when absent.
func (p *Plan) Step(stepID string) (Step, bool) {
	for _, s := range p.Steps {
		if s.ID == stepID {
			return s, true
		}
	}
	return Step{}, false
}
