package service

import (
	"context"
	"encoding/json"

	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/port/statestore"
)

// RunCompletionConsumer subscribes the engine to the out-of-band
// completion queue. Agents that outlive the orchestrator publish
// terminal updates here.
func (e *Engine) RunCompletionConsumer(ctx context.Context) (func(), error) {
	return e.queue.Consume(ctx, messagequeue.QueuePlanCompletions, e.handleCompletionMessage)
}

// handleCompletionMessage applies a terminal out-of-band update.
// Non-terminal states and updates for unknown steps are acked and
// ignored; the dispatch path owns non-terminal transitions.
func (e *Engine) handleCompletionMessage(ctx context.Context, msg messagequeue.Message) error {
	if err := messagequeue.Validate(messagequeue.QueuePlanCompletions, msg.Data()); err != nil {
		e.log.Error("dropping malformed completion message", "message_id", msg.ID(), "error", err)
		return msg.Ack()
	}
	var payload messagequeue.CompletionPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		e.log.Error("dropping undecodable completion message", "message_id", msg.ID(), "error", err)
		return msg.Ack()
	}

	if !payload.State.IsTerminal() {
		e.log.Debug("ignoring non-terminal completion",
			"plan_id", payload.PlanID, "step_id", payload.StepID, "state", string(payload.State))
		return msg.Ack()
	}

	unlock := e.locks.Lock(step.IdempotencyKey(payload.PlanID, payload.StepID))
	defer unlock()

	rec, ok, err := e.store.GetEntry(ctx, payload.PlanID, payload.StepID)
	if err != nil {
		return err
	}
	if !ok {
		e.log.Debug("completion for unknown or finished step",
			"plan_id", payload.PlanID, "step_id", payload.StepID)
		return msg.Ack()
	}

	// Only legal edges apply. In particular a step parked in
	// waiting_approval cannot be finished from the completion queue;
	// the approval endpoint is the sole way past the gate.
	if !step.CanTransition(rec.State, payload.State) {
		e.log.Warn("ignoring completion with illegal transition",
			"plan_id", payload.PlanID, "step_id", payload.StepID,
			"from", string(rec.State), "to", string(payload.State))
		return msg.Ack()
	}

	update := statestore.StateUpdate{Output: payload.Output}
	if payload.Summary != "" {
		update.Summary = &payload.Summary
	}
	if _, err := e.transition(ctx, payload.PlanID, payload.StepID, payload.State, update); err != nil {
		return err
	}

	e.log.Info("out-of-band completion applied",
		"plan_id", payload.PlanID, "step_id", payload.StepID, "state", string(payload.State))
	return msg.Ack()
}
