// Package toolagent defines the RPC contract with external tool agents.
package toolagent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/planforge/planforge/internal/domain/step"
)

// Invocation is the request sent to a tool agent for one step attempt.
type Invocation struct {
	InvocationID     string         `json:"invocationId"`
	PlanID           string         `json:"planId"`
	StepID           string         `json:"stepId"`
	Tool             string         `json:"tool"`
	Capability       string         `json:"capability"`
	CapabilityLabel  string         `json:"capabilityLabel,omitempty"`
	Labels           []string       `json:"labels,omitempty"`
	TimeoutSeconds   int            `json:"timeoutSeconds"`
	ApprovalRequired bool           `json:"approvalRequired"`
	Input            map[string]any `json:"input,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Event is one entry of the ordered, finite sequence a tool agent returns.
type Event struct {
	InvocationID string         `json:"invocationId"`
	PlanID       string         `json:"planId"`
	StepID       string         `json:"stepId"`
	State        step.State     `json:"state"`
	Summary      string         `json:"summary,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	OccurredAt   time.Time      `json:"occurredAt"`
	Attempt      int            `json:"attempt,omitempty"`
}

// Code classifies tool-agent errors.
type Code string

const (
	CodeUnavailable       Code = "unavailable"
	CodeResourceExhausted Code = "resource_exhausted"
	CodeAborted           Code = "aborted"
	CodeDeadlineExceeded  Code = "deadline_exceeded"
	CodeInvalidArgument   Code = "invalid_argument"
	CodePermissionDenied  Code = "permission_denied"
	CodeInternal          Code = "internal"
)

// Error is the typed failure raised after retries are exhausted or a
// non-retryable response is received.
type Error struct {
	Retryable bool
	Code      Code
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("tool agent %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("tool agent %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// AsError extracts a *Error from an error chain, or false.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Retryable reports whether the error chain carries a retryable tool error.
func Retryable(err error) bool {
	te, ok := AsError(err)
	return ok && te.Retryable
}

// Client is the port interface for invoking a tool agent. Execute blocks
// until the agent replies or the context deadline expires, and returns the
// ordered sequence of events the agent produced.
type Client interface {
	Execute(ctx context.Context, inv Invocation) ([]Event, error)
}
