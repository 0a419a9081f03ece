// Package statestore defines the durable state store port for active
// step records.
package statestore

import (
	"context"
	"time"

	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/step"
)

// RememberOptions carries the initial fields of a new record.
type RememberOptions struct {
	InitialState   step.State
	IdempotencyKey string
	Attempt        int
	CreatedAt      time.Time
	Approvals      map[string]bool
}

// StateUpdate carries optional field updates for SetState. Nil pointers
// leave the stored value untouched.
type StateUpdate struct {
	Summary *string
	Output  map[string]any
	Attempt *int
}

// Store is the port interface for durable, atomic per-step records.
// Implementations must make every write durable before returning and must
// never expose a partially written store to readers.
type Store interface {
	// Remember creates or overwrites the record for (planID, step.ID).
	Remember(ctx context.Context, planID string, st plan.Step, traceID string, opts RememberOptions) (step.Record, error)

	// SetState updates the record's state and optional fields. When state
	// is terminal the record is removed in the same durable write.
	SetState(ctx context.Context, planID, stepID string, state step.State, update StateUpdate) (step.Record, error)

	// RecordApproval sets approvals[capability] = granted on the record.
	RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) (step.Record, error)

	// Forget removes the record unconditionally.
	Forget(ctx context.Context, planID, stepID string) error

	// ListActive returns a snapshot of all active records for recovery.
	ListActive(ctx context.Context) ([]step.Record, error)

	// GetEntry returns the record, or false when absent.
	GetEntry(ctx context.Context, planID, stepID string) (step.Record, bool, error)
}
