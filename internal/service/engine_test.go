package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/planforge/planforge/internal/approvalcache"
	"github.com/planforge/planforge/internal/domain"
	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/policy"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/eventbus"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/port/statestore"
	"github.com/planforge/planforge/internal/port/toolagent"
)

// memStore is an in-memory statestore.Store for engine tests.
type memStore struct {
	mu   sync.Mutex
	recs map[string]step.Record
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]step.Record{}}
}

func (s *memStore) Remember(_ context.Context, planID string, st plan.Step, traceID string, opts statestore.RememberOptions) (step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := step.IdempotencyKey(planID, st.ID)
	approvals := opts.Approvals
	if approvals == nil {
		approvals = map[string]bool{}
	}
	rec := step.Record{
		PlanID: planID, StepID: st.ID, Step: st, TraceID: traceID,
		State: opts.InitialState, Attempt: opts.Attempt,
		IdempotencyKey: key, CreatedAt: time.Now(), UpdatedAt: time.Now(),
		Approvals: approvals,
	}
	s.recs[key] = rec
	return rec, nil
}

func (s *memStore) SetState(_ context.Context, planID, stepID string, state step.State, update statestore.StateUpdate) (step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := step.IdempotencyKey(planID, stepID)
	rec, ok := s.recs[key]
	if !ok {
		return step.Record{}, fmt.Errorf("step %s: %w", key, domain.ErrNotFound)
	}
	rec.State = state
	rec.UpdatedAt = time.Now()
	if update.Summary != nil {
		rec.Summary = *update.Summary
	}
	if update.Output != nil {
		rec.Output = update.Output
	}
	if update.Attempt != nil {
		rec.Attempt = *update.Attempt
	}
	if state.IsTerminal() {
		delete(s.recs, key)
	} else {
		s.recs[key] = rec
	}
	return rec, nil
}

func (s *memStore) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) (step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := step.IdempotencyKey(planID, stepID)
	rec, ok := s.recs[key]
	if !ok {
		return step.Record{}, fmt.Errorf("step %s: %w", key, domain.ErrNotFound)
	}
	approvals := map[string]bool{}
	for k, v := range rec.Approvals {
		approvals[k] = v
	}
	approvals[capability] = granted
	rec.Approvals = approvals
	s.recs[key] = rec
	return rec, nil
}

func (s *memStore) Forget(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, step.IdempotencyKey(planID, stepID))
	return nil
}

func (s *memStore) ListActive(_ context.Context) ([]step.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]step.Record, 0, len(s.recs))
	for _, rec := range s.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) GetEntry(_ context.Context, planID, stepID string) (step.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[step.IdempotencyKey(planID, stepID)]
	return rec, ok, nil
}

// fakeQueue records enqueues; Consume is unused in engine unit tests.
type enqueuedMsg struct {
	queue string
	data  []byte
	opts  messagequeue.EnqueueOptions
}

type fakeQueue struct {
	mu         sync.Mutex
	msgs       []enqueuedMsg
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, queue string, data []byte, opts messagequeue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.msgs = append(q.msgs, enqueuedMsg{queue: queue, data: data, opts: opts})
	return nil
}

func (q *fakeQueue) Consume(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *fakeQueue) Depth(context.Context, string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs), nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) last(t *testing.T) enqueuedMsg {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.msgs) == 0 {
		t.Fatal("no message enqueued")
	}
	return q.msgs[len(q.msgs)-1]
}

// fakeMessage implements messagequeue.Message for direct handler calls.
type fakeMessage struct {
	data     []byte
	attempts int

	acked        bool
	retried      bool
	retryDelay   time.Duration
	deadLettered bool
	dlReason     string
}

func (m *fakeMessage) ID() string                 { return "m1" }
func (m *fakeMessage) Data() []byte               { return m.data }
func (m *fakeMessage) Headers() map[string]string { return nil }
func (m *fakeMessage) Attempts() int              { return m.attempts }
func (m *fakeMessage) Ack() error                 { m.acked = true; return nil }
func (m *fakeMessage) Retry(delay time.Duration) error {
	m.retried = true
	m.retryDelay = delay
	return nil
}
func (m *fakeMessage) DeadLetter(reason, _ string) error {
	m.deadLettered = true
	m.dlReason = reason
	return nil
}

// fakeAgent replays a scripted sequence of results, one per call.
type agentResult struct {
	events []toolagent.Event
	err    error
}

type fakeAgent struct {
	mu      sync.Mutex
	results []agentResult
	calls   int
}

func (a *fakeAgent) Execute(context.Context, toolagent.Invocation) ([]toolagent.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	a.calls++
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	if i < 0 {
		return nil, nil
	}
	r := a.results[i]
	return r.events, r.err
}

func completedEvent(summary string) toolagent.Event {
	return toolagent.Event{State: step.StateCompleted, Summary: summary}
}

func retryableErr() error {
	return &toolagent.Error{Retryable: true, Code: toolagent.CodeUnavailable, Message: "agent unreachable"}
}

// testEngine wires an engine over in-memory fakes.
func testEngine(t *testing.T, bundle policy.Bundle, opts Options, agent toolagent.Client) (*Engine, *memStore, *fakeQueue, *eventbus.Bus) {
	t.Helper()
	store := newMemStore()
	queue := &fakeQueue{}
	bus := eventbus.New(eventbus.Options{}, slog.New(slog.DiscardHandler))
	cache, err := approvalcache.New(store)
	if err != nil {
		t.Fatalf("approval cache: %v", err)
	}
	t.Cleanup(cache.Close)

	e := New(store, queue, agent, bus, cache, &bundle, opts, slog.New(slog.DiscardHandler))
	return e, store, queue, bus
}

func testPlan() plan.Plan {
	return plan.Plan{
		ID:   "p1",
		Goal: "Ship",
		Steps: []plan.Step{
			{ID: "s1", Action: "survey", Tool: "repo-agent", Capability: "repo.read"},
			{ID: "s2", Action: "change", Tool: "repo-agent", Capability: "repo.write", ApprovalRequired: true},
		},
		SuccessCriteria: []string{"shipped"},
	}
}

// states extracts the event state sequence for one step.
func states(bus *eventbus.Bus, planID, stepID string) []step.State {
	var out []step.State
	for _, ev := range bus.History(planID) {
		if ev.StepID == stepID {
			out = append(out, ev.Step.State)
		}
	}
	return out
}

func wantStates(t *testing.T, bus *eventbus.Bus, planID, stepID string, want ...step.State) {
	t.Helper()
	got := states(bus, planID, stepID)
	if len(got) != len(want) {
		t.Fatalf("step %s events = %v, want %v", stepID, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("step %s events = %v, want %v", stepID, got, want)
		}
	}
}

// dispatch delivers the queue's last enqueued message to the consumer.
func dispatch(t *testing.T, e *Engine, q *fakeQueue) *fakeMessage {
	t.Helper()
	msg := &fakeMessage{data: q.last(t).data}
	if err := e.handleStepMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle step message: %v", err)
	}
	return msg
}

func TestSubmitPlanAdmitsStepsInOrder(t *testing.T) {
	bundle := policy.PresetStandard()
	e, store, queue, bus := testEngine(t, bundle, Options{RetryMax: 5}, &fakeAgent{})

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	wantStates(t, bus, "p1", "s1", step.StateQueued)
	wantStates(t, bus, "p1", "s2", step.StateWaitingApproval)

	msg := queue.last(t)
	if msg.queue != messagequeue.QueuePlanSteps || msg.opts.IdempotencyKey != "p1:s1" {
		t.Errorf("enqueued = %s key %s", msg.queue, msg.opts.IdempotencyKey)
	}
	if _, ok, _ := store.GetEntry(context.Background(), "p1", "s2"); !ok {
		t.Error("approval-gated step should stay recorded")
	}
}

func TestSubmitPlanPolicyDenied(t *testing.T) {
	bundle := policy.PresetReadonly()
	e, store, _, _ := testEngine(t, bundle, Options{}, &fakeAgent{})

	p := plan.Plan{
		ID:   "p1",
		Goal: "run ci",
		Steps: []plan.Step{
			{ID: "s1", Action: "verify", Tool: "ci-agent", Capability: "ci.run"},
		},
		SuccessCriteria: []string{"ci green"},
	}
	err := e.SubmitPlan(context.Background(), p, "tr1")
	if !errors.Is(err, domain.ErrPolicyDenied) {
		t.Fatalf("got %v, want ErrPolicyDenied", err)
	}
	if active, _ := store.ListActive(context.Background()); len(active) != 0 {
		t.Errorf("no record should be persisted on hard denial, got %d", len(active))
	}
}

func TestSubmitPlanEnqueueFailure(t *testing.T) {
	bundle := policy.PresetStandard()
	e, store, queue, bus := testEngine(t, bundle, Options{}, &fakeAgent{})
	queue.enqueueErr = errors.New("broker down")

	err := e.SubmitPlan(context.Background(), testPlan(), "tr1")
	if err == nil || !errors.Is(err, queue.enqueueErr) {
		t.Fatalf("got %v, want wrapped broker error", err)
	}

	// Only a failed event, never a queued one, and no surviving record.
	wantStates(t, bus, "p1", "s1", step.StateFailed)
	if _, ok, _ := store.GetEntry(context.Background(), "p1", "s1"); ok {
		t.Error("failed step record should be removed")
	}
}

func TestStepConsumerHappyPath(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{{events: []toolagent.Event{completedEvent("done")}}}}
	e, store, queue, bus := testEngine(t, policy.PresetStandard(), Options{RetryMax: 5}, agent)

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	msg := dispatch(t, e, queue)

	if !msg.acked {
		t.Error("message should be acked")
	}
	wantStates(t, bus, "p1", "s1", step.StateQueued, step.StateRunning, step.StateCompleted)
	if _, ok, _ := store.GetEntry(context.Background(), "p1", "s1"); ok {
		t.Error("completed record should be removed")
	}
}

func TestStepConsumerDuplicateDelivery(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{{events: []toolagent.Event{completedEvent("done")}}}}
	e, _, queue, bus := testEngine(t, policy.PresetStandard(), Options{RetryMax: 5}, agent)

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	dispatch(t, e, queue)
	before := len(bus.History("p1"))

	// Redelivery of the same idempotency key after completion.
	dup := dispatch(t, e, queue)
	if !dup.acked {
		t.Error("duplicate should be acked")
	}
	if agent.calls != 1 {
		t.Errorf("agent calls = %d, want 1", agent.calls)
	}
	if got := len(bus.History("p1")); got != before {
		t.Errorf("duplicate produced %d new events", got-before)
	}
}

func TestStepConsumerRetryThenSuccess(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{
		{err: retryableErr()},
		{events: []toolagent.Event{completedEvent("done")}},
	}}
	e, _, queue, bus := testEngine(t, policy.PresetStandard(),
		Options{RetryMax: 3, RetryBackoff: 100 * time.Millisecond}, agent)

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}

	first := dispatch(t, e, queue)
	if !first.retried || first.acked || first.deadLettered {
		t.Fatalf("first delivery: retried=%v acked=%v dl=%v", first.retried, first.acked, first.deadLettered)
	}
	if first.retryDelay != 100*time.Millisecond {
		t.Errorf("retry delay = %v, want base for attempt 0", first.retryDelay)
	}

	second := dispatch(t, e, queue)
	if !second.acked {
		t.Error("second delivery should ack")
	}

	wantStates(t, bus, "p1", "s1",
		step.StateQueued, step.StateRunning, step.StateRetrying,
		step.StateQueued, step.StateRunning, step.StateCompleted)

	// Attempt is non-decreasing and increments on retry dispatch.
	var attempts []int
	for _, ev := range bus.History("p1") {
		if ev.StepID == "s1" {
			attempts = append(attempts, ev.Step.Attempt)
		}
	}
	want := []int{0, 0, 0, 1, 1, 1}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", attempts, want)
		}
	}
}

func TestStepConsumerDeadLetterWhenExhausted(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{{err: retryableErr()}}}
	e, store, queue, bus := testEngine(t, policy.PresetStandard(), Options{RetryMax: 0}, agent)

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	msg := dispatch(t, e, queue)

	if !msg.deadLettered {
		t.Fatal("message should be dead-lettered")
	}
	if msg.dlReason == "" {
		t.Error("dead-letter reason should carry the tool error")
	}
	wantStates(t, bus, "p1", "s1", step.StateQueued, step.StateRunning, step.StateDeadLettered)
	if _, ok, _ := store.GetEntry(context.Background(), "p1", "s1"); ok {
		t.Error("dead-lettered record should be removed")
	}
}

func TestStepConsumerNonRetryableFails(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{{
		err: &toolagent.Error{Code: toolagent.CodePermissionDenied, Message: "capability revoked"},
	}}}
	e, _, queue, bus := testEngine(t, policy.PresetStandard(), Options{RetryMax: 5}, agent)

	if err := e.SubmitPlan(context.Background(), testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	msg := dispatch(t, e, queue)

	if !msg.acked || msg.retried || msg.deadLettered {
		t.Fatalf("resolution: acked=%v retried=%v dl=%v", msg.acked, msg.retried, msg.deadLettered)
	}
	wantStates(t, bus, "p1", "s1", step.StateQueued, step.StateRunning, step.StateFailed)
}

func TestStepConsumerPolicyRejectsAtDispatch(t *testing.T) {
	e, store, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	// A queued record whose capability is approval-gated but ungranted:
	// submission would have parked it, so seed the store directly to
	// model a grant revoked between admission and dispatch.
	st := plan.Step{ID: "s9", Action: "change", Tool: "repo-agent", Capability: "repo.write"}
	rec, _ := store.Remember(ctx, "p1", st, "tr1", statestore.RememberOptions{InitialState: step.StateQueued})

	payload := messagequeue.StepDispatchPayload{PlanID: "p1", Step: st, TraceID: "tr1", Attempt: rec.Attempt}
	data, _ := json.Marshal(payload)
	msg := &fakeMessage{data: data}
	if err := e.handleStepMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if !msg.acked {
		t.Error("rejected dispatch should ack")
	}
	wantStates(t, bus, "p1", "s9", step.StateRejected)
	if _, ok, _ := store.GetEntry(ctx, "p1", "s9"); ok {
		t.Error("rejected record should be removed")
	}
}

func TestStepConsumerMalformedPayload(t *testing.T) {
	e, _, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})

	msg := &fakeMessage{data: []byte("{{{")}
	if err := e.handleStepMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if !msg.acked {
		t.Error("malformed payload should be acked as poison")
	}
	if len(bus.History("p1")) != 0 {
		t.Error("malformed payload must not produce events")
	}
}

func TestResolveApprovalApprove(t *testing.T) {
	agent := &fakeAgent{results: []agentResult{{events: []toolagent.Event{completedEvent("merged")}}}}
	e, _, queue, bus := testEngine(t, policy.PresetStandard(), Options{RetryMax: 5}, agent)
	ctx := context.Background()

	if err := e.SubmitPlan(ctx, testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	if err := e.ResolveApproval(ctx, "p1", "s2", DecisionApprove, ""); err != nil {
		t.Fatalf("approve: %v", err)
	}

	wantStates(t, bus, "p1", "s2", step.StateWaitingApproval, step.StateApproved, step.StateQueued)

	last := queue.last(t)
	if last.opts.IdempotencyKey != "p1:s2" {
		t.Errorf("enqueued key = %s", last.opts.IdempotencyKey)
	}

	msg := dispatch(t, e, queue)
	if !msg.acked {
		t.Error("approved step delivery should ack")
	}
	wantStates(t, bus, "p1", "s2",
		step.StateWaitingApproval, step.StateApproved, step.StateQueued,
		step.StateRunning, step.StateCompleted)
}

func TestResolveApprovalReject(t *testing.T) {
	e, store, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	if err := e.SubmitPlan(ctx, testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}
	if err := e.ResolveApproval(ctx, "p1", "s2", DecisionReject, "unsafe"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	wantStates(t, bus, "p1", "s2", step.StateWaitingApproval, step.StateRejected)
	if _, ok, _ := store.GetEntry(ctx, "p1", "s2"); ok {
		t.Error("rejected record should be removed")
	}

	// After rejection nothing further succeeds.
	err := e.ResolveApproval(ctx, "p1", "s2", DecisionApprove, "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	// s1 unaffected.
	wantStates(t, bus, "p1", "s1", step.StateQueued)
}

func TestResolveApprovalConflicts(t *testing.T) {
	e, _, _, _ := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	if err := e.SubmitPlan(ctx, testPlan(), "tr1"); err != nil {
		t.Fatal(err)
	}

	// Unknown step.
	if err := e.ResolveApproval(ctx, "p1", "nope", DecisionApprove, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown step: got %v, want ErrNotFound", err)
	}
	// Step not waiting for approval.
	if err := e.ResolveApproval(ctx, "p1", "s1", DecisionApprove, ""); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("queued step: got %v, want ErrConflict", err)
	}
	// Bad decision.
	if err := e.ResolveApproval(ctx, "p1", "s2", Decision("maybe"), ""); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("bad decision: got %v, want ErrValidation", err)
	}
}

func TestRecoverActiveReEmitsWithoutEnqueue(t *testing.T) {
	e, store, queue, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	s1 := plan.Step{ID: "s1", Action: "survey", Tool: "repo-agent", Capability: "repo.read"}
	s2 := plan.Step{ID: "s2", Action: "change", Tool: "repo-agent", Capability: "repo.write", ApprovalRequired: true}
	_, _ = store.Remember(ctx, "p1", s1, "tr1", statestore.RememberOptions{InitialState: step.StateRunning})
	_, _ = store.Remember(ctx, "p1", s2, "tr1", statestore.RememberOptions{InitialState: step.StateWaitingApproval})

	if err := e.RecoverActive(ctx); err != nil {
		t.Fatalf("recover: %v", err)
	}

	if got := len(bus.History("p1")); got != 2 {
		t.Fatalf("recovery events = %d, want 2", got)
	}
	wantStates(t, bus, "p1", "s1", step.StateRunning)
	wantStates(t, bus, "p1", "s2", step.StateWaitingApproval)
	if depth, _ := queue.Depth(ctx, messagequeue.QueuePlanSteps); depth != 0 {
		t.Errorf("recovery must not enqueue, got %d messages", depth)
	}
}

func TestCompletionConsumerAppliesTerminal(t *testing.T) {
	e, store, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	st := plan.Step{ID: "s1", Action: "survey", Tool: "repo-agent", Capability: "repo.read"}
	_, _ = store.Remember(ctx, "p1", st, "tr1", statestore.RememberOptions{InitialState: step.StateRunning})

	payload := messagequeue.CompletionPayload{PlanID: "p1", StepID: "s1", State: step.StateCompleted, Summary: "done elsewhere"}
	data, _ := json.Marshal(payload)
	msg := &fakeMessage{data: data}
	if err := e.handleCompletionMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if !msg.acked {
		t.Error("completion should ack")
	}
	wantStates(t, bus, "p1", "s1", step.StateCompleted)
	if _, ok, _ := store.GetEntry(ctx, "p1", "s1"); ok {
		t.Error("record should be removed on terminal completion")
	}
}

func TestCompletionConsumerIgnoresNonTerminal(t *testing.T) {
	e, store, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	st := plan.Step{ID: "s1", Action: "survey", Tool: "repo-agent", Capability: "repo.read"}
	_, _ = store.Remember(ctx, "p1", st, "tr1", statestore.RememberOptions{InitialState: step.StateRunning})

	payload := messagequeue.CompletionPayload{PlanID: "p1", StepID: "s1", State: step.StateRunning}
	data, _ := json.Marshal(payload)
	msg := &fakeMessage{data: data}
	if err := e.handleCompletionMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if !msg.acked {
		t.Error("non-terminal completion should still ack")
	}
	if len(bus.History("p1")) != 0 {
		t.Error("non-terminal completion must not publish")
	}
	if _, ok, _ := store.GetEntry(ctx, "p1", "s1"); !ok {
		t.Error("record must survive non-terminal completion")
	}
}

func TestCompletionConsumerCannotBypassApproval(t *testing.T) {
	e, store, _, bus := testEngine(t, policy.PresetStandard(), Options{}, &fakeAgent{})
	ctx := context.Background()

	st := plan.Step{ID: "s2", Action: "change", Tool: "repo-agent", Capability: "repo.write", ApprovalRequired: true}
	_, _ = store.Remember(ctx, "p1", st, "tr1", statestore.RememberOptions{InitialState: step.StateWaitingApproval})

	payload := messagequeue.CompletionPayload{PlanID: "p1", StepID: "s2", State: step.StateCompleted}
	data, _ := json.Marshal(payload)
	msg := &fakeMessage{data: data}
	if err := e.handleCompletionMessage(ctx, msg); err != nil {
		t.Fatal(err)
	}

	if !msg.acked {
		t.Error("illegal completion should ack")
	}
	if len(bus.History("p1")) != 0 {
		t.Error("illegal completion must not publish")
	}
	rec, ok, _ := store.GetEntry(ctx, "p1", "s2")
	if !ok {
		t.Fatal("gated record must survive")
	}
	if rec.State != step.StateWaitingApproval {
		t.Errorf("state = %s, want waiting_approval", rec.State)
	}

	// The gate still works afterwards.
	if err := e.ResolveApproval(ctx, "p1", "s2", DecisionApprove, ""); err != nil {
		t.Fatalf("approve after ignored completion: %v", err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		base    time.Duration
		attempt int
		want    time.Duration
	}{
		{0, 3, 0},
		{100 * time.Millisecond, 0, 100 * time.Millisecond},
		{100 * time.Millisecond, 1, 200 * time.Millisecond},
		{100 * time.Millisecond, 3, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := backoff(tt.base, tt.attempt); got != tt.want {
			t.Errorf("backoff(%v, %d) = %v, want %v", tt.base, tt.attempt, got, tt.want)
		}
	}
	// Large attempts must not overflow into negative delays.
	if got := backoff(time.Second, 200); got <= 0 {
		t.Errorf("backoff overflow: %v", got)
	}
}
