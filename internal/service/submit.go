package service

import (
	"context"
	"fmt"

	otelpf "github.com/planforge/planforge/internal/adapter/otel"
	"github.com/planforge/planforge/internal/domain"
	"github.com/planforge/planforge/internal/domain/event"
	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/statestore"
)

// SubmitPlan admits every step of a validated plan in order. Steps that
// need approval park in waiting_approval; the rest are persisted and
// enqueued. A policy denial beyond approval gating, or a persist or
// enqueue failure, stops admission; already-admitted steps keep their
// state, there is no cross-step rollback.
func (e *Engine) SubmitPlan(ctx context.Context, p plan.Plan, traceID string) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("plan %s: %w: %w", p.ID, domain.ErrValidation, err)
	}

	ctx, span := otelpf.StartSubmitSpan(ctx, p.ID, len(p.Steps))
	defer span.End()

	for _, st := range p.Steps {
		if err := e.admit(ctx, p.ID, st, traceID); err != nil {
			return err
		}
	}
	e.log.Info("plan submitted", "plan_id", p.ID, "steps", len(p.Steps), "trace_id", traceID)
	return nil
}

// admit persists and, when allowed, enqueues one step.
func (e *Engine) admit(ctx context.Context, planID string, st plan.Step, traceID string) error {
	unlock := e.locks.Lock(step.IdempotencyKey(planID, st.ID))
	defer unlock()

	approvals, err := e.approvals.Approvals(ctx, planID, st.ID)
	if err != nil {
		return fmt.Errorf("load approvals for step %s: %w", st.ID, err)
	}

	res := e.evaluate(planID, st, approvals, "submit")
	if !res.Allow && !(st.ApprovalRequired && res.OnlyApprovalRequired()) {
		return fmt.Errorf("step %s: %s: %w", st.ID, denySummary(res), domain.ErrPolicyDenied)
	}

	initial := step.StateQueued
	if st.ApprovalRequired {
		initial = step.StateWaitingApproval
	}

	rec, err := e.store.Remember(ctx, planID, st, traceID, statestore.RememberOptions{
		InitialState: initial,
		Approvals:    approvals,
	})
	if err != nil {
		return fmt.Errorf("persist step %s: %w", st.ID, err)
	}

	if initial == step.StateQueued {
		if err := e.enqueueStep(ctx, rec, rec.CreatedAt); err != nil {
			summary := err.Error()
			if _, terr := e.transition(ctx, planID, st.ID, step.StateFailed, statestore.StateUpdate{Summary: &summary}); terr != nil {
				e.log.Error("failed to record enqueue failure", "plan_id", planID, "step_id", st.ID, "error", terr)
			}
			return fmt.Errorf("enqueue step %s: %w", st.ID, err)
		}
	}

	e.bus.Publish(event.FromRecord(rec, e.now()))
	return nil
}
