// Package service implements the plan execution engine: admission,
// dispatch, approval resolution, and crash recovery over the store,
// queue, policy, and tool-agent ports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	otelpf "github.com/planforge/planforge/internal/adapter/otel"
	"github.com/planforge/planforge/internal/approvalcache"
	"github.com/planforge/planforge/internal/domain/event"
	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/policy"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/eventbus"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/port/statestore"
	"github.com/planforge/planforge/internal/port/toolagent"
)

// Options tunes the engine.
type Options struct {
	// RetryMax is the number of requeues before a step dead-letters.
	RetryMax int
	// RetryBackoff is the base requeue delay, doubled per attempt.
	// Zero means immediate requeue.
	RetryBackoff time.Duration
	// RunMode is the policy run mode the engine operates under.
	RunMode string
	// AgentName identifies the engine as the policy subject's agent.
	AgentName string
}

// Engine owns the step lifecycle. All state transitions for one
// (planID, stepID) are serialized through a per-step lock.
type Engine struct {
	store     statestore.Store
	queue     messagequeue.Queue
	agent     toolagent.Client
	bus       *eventbus.Bus
	approvals *approvalcache.Cache
	bundle    *policy.Bundle
	opts      Options
	log       *slog.Logger

	metrics *otelpf.Metrics

	locks keyedMutex
	now   func() time.Time // for testing
}

// New wires an engine from its collaborators.
func New(
	store statestore.Store,
	queue messagequeue.Queue,
	agent toolagent.Client,
	bus *eventbus.Bus,
	approvals *approvalcache.Cache,
	bundle *policy.Bundle,
	opts Options,
	log *slog.Logger,
) *Engine {
	if opts.RunMode == "" {
		opts.RunMode = "headless"
	}
	if opts.AgentName == "" {
		opts.AgentName = "planforge"
	}
	return &Engine{
		store:     store,
		queue:     queue,
		agent:     agent,
		bus:       bus,
		approvals: approvals,
		bundle:    bundle,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// SetMetrics attaches metric instruments. Nil metrics are skipped.
func (e *Engine) SetMetrics(m *otelpf.Metrics) {
	e.metrics = m
}

// transition persists a state change and publishes the matching event.
// A failed persist emits nothing: the store and the bus never diverge.
// Caller must hold the step lock.
func (e *Engine) transition(ctx context.Context, planID, stepID string, state step.State, update statestore.StateUpdate) (step.Record, error) {
	rec, err := e.store.SetState(ctx, planID, stepID, state, update)
	if err != nil {
		return step.Record{}, err
	}
	if state.IsTerminal() {
		e.approvals.Invalidate(planID, stepID)
	}
	e.bus.Publish(event.FromRecord(rec, e.now()))
	return rec, nil
}

// evaluate runs the policy gate for one step action.
func (e *Engine) evaluate(planID string, st plan.Step, approvals map[string]bool, actionType string) policy.Result {
	subject := policy.Subject{
		Agent:        e.opts.AgentName,
		Tool:         st.Tool,
		Capabilities: []string{st.Capability},
		Approvals:    approvals,
		RunMode:      e.opts.RunMode,
	}
	action := policy.Action{
		Type:         actionType,
		PlanID:       planID,
		StepID:       st.ID,
		Capabilities: []string{st.Capability},
		RunMode:      e.opts.RunMode,
	}
	return e.bundle.Evaluate(subject, action)
}

// enqueueStep publishes the dispatch payload for a record.
func (e *Engine) enqueueStep(ctx context.Context, rec step.Record, createdAt time.Time) error {
	payload := messagequeue.StepDispatchPayload{
		PlanID:    rec.PlanID,
		Step:      rec.Step,
		TraceID:   rec.TraceID,
		Attempt:   rec.Attempt,
		CreatedAt: createdAt,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}
	return e.queue.Enqueue(ctx, messagequeue.QueuePlanSteps, data, messagequeue.EnqueueOptions{
		IdempotencyKey: rec.IdempotencyKey,
		Headers: map[string]string{
			messagequeue.HeaderTraceID:  rec.TraceID,
			messagequeue.HeaderAttempts: strconv.Itoa(rec.Attempt),
		},
	})
}

// backoff returns base·2^attempt with an overflow guard.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	const maxShift = 32
	if attempt > maxShift {
		attempt = maxShift
	}
	d := base << uint(attempt)
	if d < base {
		return base << maxShift
	}
	return d
}

// denySummary renders deny reasons for logs and step summaries.
func denySummary(res policy.Result) string {
	parts := make([]string, 0, len(res.Deny))
	for _, d := range res.Deny {
		if d.Capability != "" {
			parts = append(parts, d.Reason+"("+d.Capability+")")
		} else {
			parts = append(parts, d.Reason)
		}
	}
	return "policy denied: " + strings.Join(parts, ", ")
}

// keyedMutex serializes work per idempotency key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
