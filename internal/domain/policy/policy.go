// Package policy defines the capability policy layer: a pure decision
// function over (subject, action, approvals) used to gate step admission,
// approval, and dispatch.
package policy

// DenyReason codes returned by Evaluate.
const (
	ReasonApprovalRequired     = "approval_required"
	ReasonCapabilityForbidden  = "capability_forbidden"
	ReasonCapabilityNotGranted = "capability_not_granted"
	ReasonRunModeForbidden     = "run_mode_forbidden"
	ReasonToolForbidden        = "tool_forbidden"
)

// Subject describes who is asking: the tool agent acting for a step,
// with the capabilities it claims and the approvals already granted.
type Subject struct {
	Agent        string          `json:"agent"`
	Tool         string          `json:"tool"`
	Capabilities []string        `json:"capabilities"`
	Approvals    map[string]bool `json:"approvals"`
	RunMode      string          `json:"run_mode"`
}

// Action describes what is being attempted.
type Action struct {
	Type         string   `json:"type"`
	PlanID       string   `json:"plan_id,omitempty"`
	StepID       string   `json:"step_id,omitempty"`
	Capabilities []string `json:"capabilities"`
	RunMode      string   `json:"run_mode"`
}

// Deny is one reason the gate refused an action.
type Deny struct {
	Reason     string `json:"reason"`
	Capability string `json:"capability,omitempty"`
}

// Result is the outcome of a policy evaluation.
type Result struct {
	Allow bool   `json:"allow"`
	Deny  []Deny `json:"deny,omitempty"`
}

// OnlyApprovalRequired reports whether every deny reason is
// approval_required. The engine uses this to distinguish "park the step
// for a human" from a hard rejection.
func (r Result) OnlyApprovalRequired() bool {
	if r.Allow || len(r.Deny) == 0 {
		return false
	}
	for _, d := range r.Deny {
		if d.Reason != ReasonApprovalRequired {
			return false
		}
	}
	return true
}

// ToolRule grants or withholds capabilities for tools matching a glob
// pattern. Rules are evaluated first-match-wins per tool.
type ToolRule struct {
	Tool  string   `json:"tool" yaml:"tool"`
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty" yaml:"deny,omitempty"`
}

// Bundle is a named policy configuration evaluated against step actions.
type Bundle struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	RunModes    []string   `json:"run_modes,omitempty" yaml:"run_modes,omitempty"`
	Tools       []ToolRule `json:"tools" yaml:"tools"`
	// ApprovalGated lists capability patterns that require an explicit
	// human approval before dispatch.
	ApprovalGated []string `json:"approval_gated,omitempty" yaml:"approval_gated,omitempty"`
	// Forbidden lists capability patterns that are never granted.
	Forbidden []string `json:"forbidden,omitempty" yaml:"forbidden,omitempty"`
}
