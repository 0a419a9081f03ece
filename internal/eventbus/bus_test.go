package eventbus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/planforge/planforge/internal/domain/event"
	"github.com/planforge/planforge/internal/domain/step"
)

func testBus(opts Options) *Bus {
	return New(opts, slog.New(slog.DiscardHandler))
}

func stepEvent(planID, stepID string, state step.State) event.StepEvent {
	return event.StepEvent{
		PlanID:     planID,
		StepID:     stepID,
		OccurredAt: time.Now(),
		Step:       event.StepView{ID: stepID, State: state},
	}
}

func TestHistoryOrderAndCap(t *testing.T) {
	b := testBus(Options{HistoryLimit: 3})

	for _, st := range []step.State{step.StateQueued, step.StateRunning, step.StateRetrying, step.StateQueued} {
		b.Publish(stepEvent("p1", "s1", st))
	}

	h := b.History("p1")
	if len(h) != 3 {
		t.Fatalf("history = %d, want 3", len(h))
	}
	// Oldest event evicted first.
	if h[0].Step.State != step.StateRunning || h[2].Step.State != step.StateQueued {
		t.Errorf("history states = %s %s %s", h[0].Step.State, h[1].Step.State, h[2].Step.State)
	}
}

func TestSubscribeReceivesLiveEvents(t *testing.T) {
	b := testBus(Options{})

	ch, cancel := b.Subscribe("p1")
	defer cancel()

	b.Publish(stepEvent("p1", "s1", step.StateQueued))
	b.Publish(stepEvent("p2", "s1", step.StateQueued)) // other plan, not delivered

	select {
	case ev := <-ch:
		if ev.PlanID != "p1" {
			t.Errorf("plan = %q", ev.PlanID)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event for plan %q", ev.PlanID)
	default:
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := testBus(Options{SubscriberBuffer: 1})

	ch, cancel := b.Subscribe("p1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			b.Publish(stepEvent("p1", "s1", step.StateRunning))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on slow subscriber")
	}

	// The subscriber still sees at least one event, and history holds all.
	<-ch
	if got := len(b.History("p1")); got != 10 {
		t.Errorf("history = %d, want 10", got)
	}
}

func TestCancelClosesChannel(t *testing.T) {
	b := testBus(Options{})
	ch, cancel := b.Subscribe("p1")
	cancel()

	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// Publishing after cancel must not panic.
	b.Publish(stepEvent("p1", "s1", step.StateQueued))
}

func TestPurgeAfterTerminalTTL(t *testing.T) {
	b := testBus(Options{TerminalTTL: time.Minute})
	base := time.Now()
	b.now = func() time.Time { return base }

	b.Publish(stepEvent("p1", "s1", step.StateRunning))
	b.Publish(stepEvent("p1", "s1", step.StateCompleted))
	b.Publish(stepEvent("p2", "s1", step.StateRunning))

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	b.purge()

	if b.Known("p1") {
		t.Error("finished plan should be purged after TTL")
	}
	if !b.Known("p2") {
		t.Error("active plan must survive purge")
	}
}

func TestReactivationCancelsTTL(t *testing.T) {
	b := testBus(Options{TerminalTTL: time.Minute})
	base := time.Now()
	b.now = func() time.Time { return base }

	// Step finishes, then a second step of the same plan starts.
	b.Publish(stepEvent("p1", "s1", step.StateCompleted))
	b.Publish(stepEvent("p1", "s2", step.StateQueued))

	b.now = func() time.Time { return base.Add(2 * time.Minute) }
	b.purge()

	if !b.Known("p1") {
		t.Error("plan with a non-terminal step must not be purged")
	}
}

func TestLatestPerStep(t *testing.T) {
	b := testBus(Options{})

	b.Publish(stepEvent("p1", "s1", step.StateQueued))
	b.Publish(stepEvent("p1", "s2", step.StateQueued))
	b.Publish(stepEvent("p1", "s1", step.StateRunning))

	ev, ok := b.Latest("p1", "s1")
	if !ok || ev.Step.State != step.StateRunning {
		t.Errorf("latest s1 = %v %v, want running", ev.Step.State, ok)
	}
	if _, ok := b.Latest("p1", "s3"); ok {
		t.Error("unknown step must report no event")
	}
	if _, ok := b.Latest("p2", "s1"); ok {
		t.Error("unknown plan must report no event")
	}
}
