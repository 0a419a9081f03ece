package service

import (
	"context"
	"fmt"

	otelpf "github.com/planforge/planforge/internal/adapter/otel"
	"github.com/planforge/planforge/internal/domain"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/statestore"
)

// Decision is an approval resolution outcome.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ResolveApproval resolves a step waiting for human approval. Approving
// records the grant, re-checks policy, and enqueues the step; rejecting
// is terminal. A step that is unknown returns ErrNotFound; a step in any
// other state returns ErrConflict.
func (e *Engine) ResolveApproval(ctx context.Context, planID, stepID string, decision Decision, rationale string) error {
	if decision != DecisionApprove && decision != DecisionReject {
		return fmt.Errorf("decision %q: %w", decision, domain.ErrValidation)
	}

	unlock := e.locks.Lock(step.IdempotencyKey(planID, stepID))
	defer unlock()

	rec, ok, err := e.store.GetEntry(ctx, planID, stepID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("step %s/%s: %w", planID, stepID, domain.ErrNotFound)
	}
	if rec.State != step.StateWaitingApproval {
		return fmt.Errorf("step %s/%s is %s: %w", planID, stepID, rec.State, domain.ErrConflict)
	}

	ctx, span := otelpf.StartApprovalSpan(ctx, planID, stepID, decision == DecisionApprove)
	defer span.End()
	if e.metrics != nil {
		e.metrics.Approvals.Add(ctx, 1)
	}

	if decision == DecisionReject {
		update := statestore.StateUpdate{}
		if rationale != "" {
			update.Summary = &rationale
		}
		if _, err := e.transition(ctx, planID, stepID, step.StateRejected, update); err != nil {
			return err
		}
		e.log.Info("step rejected by approver", "plan_id", planID, "step_id", stepID, "rationale", rationale)
		return nil
	}

	rec, err = e.approvals.Record(ctx, planID, stepID, rec.Step.Capability, true)
	if err != nil {
		return err
	}

	if res := e.evaluate(planID, rec.Step, rec.Approvals, "approve"); !res.Allow {
		return fmt.Errorf("step %s/%s: %s: %w", planID, stepID, denySummary(res), domain.ErrPolicyDenied)
	}

	rec, err = e.transition(ctx, planID, stepID, step.StateApproved, statestore.StateUpdate{})
	if err != nil {
		return err
	}

	// Fresh createdAt on the dispatch payload, same key, same attempt.
	if err := e.enqueueStep(ctx, rec, e.now()); err != nil {
		summary := err.Error()
		if _, terr := e.transition(ctx, planID, stepID, step.StateFailed, statestore.StateUpdate{Summary: &summary}); terr != nil {
			e.log.Error("failed to record enqueue failure", "plan_id", planID, "step_id", stepID, "error", terr)
		}
		return fmt.Errorf("enqueue approved step %s: %w", stepID, err)
	}

	if _, err := e.transition(ctx, planID, stepID, step.StateQueued, statestore.StateUpdate{}); err != nil {
		return err
	}

	e.log.Info("step approved", "plan_id", planID, "step_id", stepID)
	return nil
}
