package service

import (
	"context"
	"encoding/json"
	"strconv"

	otelpf "github.com/planforge/planforge/internal/adapter/otel"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/port/statestore"
	"github.com/planforge/planforge/internal/port/toolagent"
)

// RunStepConsumer subscribes the engine to the step dispatch queue.
func (e *Engine) RunStepConsumer(ctx context.Context) (func(), error) {
	return e.queue.Consume(ctx, messagequeue.QueuePlanSteps, e.handleStepMessage)
}

// handleStepMessage processes one step dispatch delivery. The presence
// check on the StepRecord is the dedupe point for at-least-once
// delivery: a duplicate arriving after the step finished sees no record
// and is acked without work.
func (e *Engine) handleStepMessage(ctx context.Context, msg messagequeue.Message) error {
	if err := messagequeue.Validate(messagequeue.QueuePlanSteps, msg.Data()); err != nil {
		e.log.Error("dropping malformed step message", "message_id", msg.ID(), "error", err)
		return msg.Ack()
	}
	var payload messagequeue.StepDispatchPayload
	if err := json.Unmarshal(msg.Data(), &payload); err != nil {
		e.log.Error("dropping undecodable step message", "message_id", msg.ID(), "error", err)
		return msg.Ack()
	}

	unlock := e.locks.Lock(step.IdempotencyKey(payload.PlanID, payload.Step.ID))
	defer unlock()

	rec, ok, err := e.store.GetEntry(ctx, payload.PlanID, payload.Step.ID)
	if err != nil {
		return err // unresolved: broker retries with default delay
	}
	if !ok {
		e.log.Debug("duplicate delivery for finished step",
			"plan_id", payload.PlanID, "step_id", payload.Step.ID)
		return msg.Ack()
	}

	if e.metrics != nil {
		e.metrics.StepsDispatched.Add(ctx, 1)
	}

	approvals, err := e.approvals.Approvals(ctx, rec.PlanID, rec.StepID)
	if err != nil {
		return err
	}
	if res := e.evaluate(rec.PlanID, rec.Step, approvals, "dispatch"); !res.Allow {
		summary := denySummary(res)
		if _, err := e.transition(ctx, rec.PlanID, rec.StepID, step.StateRejected, statestore.StateUpdate{Summary: &summary}); err != nil {
			return err
		}
		e.log.Warn("step rejected at dispatch", "plan_id", rec.PlanID, "step_id", rec.StepID, "summary", summary)
		return msg.Ack()
	}

	rec, err = e.transition(ctx, rec.PlanID, rec.StepID, step.StateRunning, statestore.StateUpdate{})
	if err != nil {
		return err
	}

	dispatchCtx, span := otelpf.StartDispatchSpan(ctx, rec.PlanID, rec.StepID, rec.Step.Tool, rec.Attempt)
	started := e.now()
	events, execErr := e.agent.Execute(dispatchCtx, invocation(rec))
	span.End()
	if e.metrics != nil {
		e.metrics.StepDuration.Record(ctx, e.now().Sub(started).Seconds())
	}

	if execErr != nil {
		return e.handleExecuteError(ctx, msg, rec, execErr)
	}
	return e.finishStep(ctx, msg, rec, events)
}

// finishStep publishes intermediate tool events and applies the
// terminal outcome. The last terminal tool event wins; when the agent
// returned none, the step completes.
func (e *Engine) finishStep(ctx context.Context, msg messagequeue.Message, rec step.Record, events []toolagent.Event) error {
	var final toolagent.Event
	hasTerminal := false

	for _, tev := range events {
		if tev.State.IsTerminal() {
			final = tev
			hasTerminal = true
			continue
		}
		if tev.State == "" {
			continue
		}
		summary := tev.Summary
		var err error
		rec, err = e.transition(ctx, rec.PlanID, rec.StepID, tev.State, statestore.StateUpdate{
			Summary: &summary,
			Output:  tev.Output,
		})
		if err != nil {
			return err
		}
	}

	state := step.StateCompleted
	update := statestore.StateUpdate{}
	if hasTerminal {
		state = final.State
		update.Summary = &final.Summary
		update.Output = final.Output
	}

	if _, err := e.transition(ctx, rec.PlanID, rec.StepID, state, update); err != nil {
		return err
	}

	if e.metrics != nil {
		switch state {
		case step.StateCompleted:
			e.metrics.StepsCompleted.Add(ctx, 1)
		case step.StateFailed:
			e.metrics.StepsFailed.Add(ctx, 1)
		}
	}
	e.log.Info("step finished", "plan_id", rec.PlanID, "step_id", rec.StepID, "state", string(state), "attempt", rec.Attempt)
	return msg.Ack()
}

// handleExecuteError applies the retry / dead-letter / failed policy
// for a tool invocation error.
func (e *Engine) handleExecuteError(ctx context.Context, msg messagequeue.Message, rec step.Record, execErr error) error {
	summary := execErr.Error()

	if toolagent.Retryable(execErr) {
		if rec.Attempt < e.opts.RetryMax {
			if _, err := e.transition(ctx, rec.PlanID, rec.StepID, step.StateRetrying, statestore.StateUpdate{Summary: &summary}); err != nil {
				return err
			}
			delay := backoff(e.opts.RetryBackoff, rec.Attempt)
			if err := msg.Retry(delay); err != nil {
				return err
			}
			next := rec.Attempt + 1
			if _, err := e.transition(ctx, rec.PlanID, rec.StepID, step.StateQueued, statestore.StateUpdate{Attempt: &next}); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.StepRetries.Add(ctx, 1)
			}
			e.log.Warn("step retrying", "plan_id", rec.PlanID, "step_id", rec.StepID,
				"attempt", next, "delay", delay, "error", execErr)
			return nil
		}

		if _, err := e.transition(ctx, rec.PlanID, rec.StepID, step.StateDeadLettered, statestore.StateUpdate{Summary: &summary}); err != nil {
			return err
		}
		if e.metrics != nil {
			e.metrics.StepsDeadLettered.Add(ctx, 1)
		}
		e.log.Error("step dead-lettered", "plan_id", rec.PlanID, "step_id", rec.StepID,
			"attempt", rec.Attempt, "error", execErr)
		return msg.DeadLetter(summary, "")
	}

	if _, err := e.transition(ctx, rec.PlanID, rec.StepID, step.StateFailed, statestore.StateUpdate{Summary: &summary}); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.StepsFailed.Add(ctx, 1)
	}
	e.log.Error("step failed", "plan_id", rec.PlanID, "step_id", rec.StepID, "error", execErr)
	return msg.Ack()
}

// invocation builds the tool-agent request for a record's current attempt.
func invocation(rec step.Record) toolagent.Invocation {
	return toolagent.Invocation{
		InvocationID:     rec.IdempotencyKey + ":" + strconv.Itoa(rec.Attempt),
		PlanID:           rec.PlanID,
		StepID:           rec.StepID,
		Tool:             rec.Step.Tool,
		Capability:       rec.Step.Capability,
		CapabilityLabel:  rec.Step.CapabilityLabel,
		Labels:           rec.Step.Labels,
		TimeoutSeconds:   rec.Step.TimeoutSeconds,
		ApprovalRequired: rec.Step.ApprovalRequired,
		Input:            rec.Step.Input,
		Metadata:         rec.Step.Metadata,
	}
}
