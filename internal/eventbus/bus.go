// Package eventbus provides an in-process publish/subscribe bus for
// step events, with bounded per-plan history and TTL-based cleanup of
// finished plans.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/planforge/planforge/internal/domain/event"
)

const purgeInterval = 30 * time.Second

// Options configures the bus.
type Options struct {
	// HistoryLimit caps the retained events per plan; older events are
	// evicted first.
	HistoryLimit int
	// TerminalTTL is how long a plan's history survives after every
	// step of the plan reached a terminal state.
	TerminalTTL time.Duration
	// SubscriberBuffer sizes each subscriber channel. A full channel
	// drops the event for that subscriber rather than blocking the
	// publisher.
	SubscriberBuffer int
}

// Bus fans step events out to per-plan subscribers and global sinks.
type Bus struct {
	opts Options
	log  *slog.Logger

	mu    sync.RWMutex
	plans map[string]*planStream
	sinks []func(event.StepEvent)

	now func() time.Time // for testing
}

type planStream struct {
	history []event.StepEvent
	subs    map[int]subscriber
	nextSub int

	// stepStates holds the latest observed state per step. The plan is
	// eligible for purge once every known step is terminal.
	stepStates map[string]bool // stepID -> terminal
	terminalAt time.Time
}

type subscriber struct {
	ch      chan event.StepEvent
	dropped int
}

// New creates a bus with the given options.
func New(opts Options, log *slog.Logger) *Bus {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 200
	}
	if opts.TerminalTTL <= 0 {
		opts.TerminalTTL = 5 * time.Minute
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = 64
	}
	return &Bus{
		opts:  opts,
		log:   log,
		plans: make(map[string]*planStream),
		now:   time.Now,
	}
}

// RegisterSink adds a global observer invoked for every published
// event, regardless of plan. Sinks must not block.
func (b *Bus) RegisterSink(fn func(event.StepEvent)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, fn)
}

// Publish appends the event to the plan's history and fans it out.
// Subscribers that cannot keep up lose events; history is authoritative
// for replay.
func (b *Bus) Publish(ev event.StepEvent) {
	b.mu.Lock()

	ps := b.stream(ev.PlanID)
	ps.history = append(ps.history, ev)
	if len(ps.history) > b.opts.HistoryLimit {
		ps.history = ps.history[len(ps.history)-b.opts.HistoryLimit:]
	}

	ps.stepStates[ev.StepID] = ev.Step.State.IsTerminal()
	if allTerminal(ps.stepStates) {
		if ps.terminalAt.IsZero() {
			ps.terminalAt = b.now()
		}
	} else {
		ps.terminalAt = time.Time{}
	}

	for id, sub := range ps.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			ps.subs[id] = sub
			if sub.dropped == 1 || sub.dropped%100 == 0 {
				b.log.Warn("slow event subscriber dropping events",
					"plan_id", ev.PlanID, "dropped", sub.dropped)
			}
		}
	}

	sinks := make([]func(event.StepEvent), len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.Unlock()

	for _, sink := range sinks {
		sink(ev)
	}
}

// Subscribe returns a channel of future events for the plan plus a
// cancel function. Subscribing to an unknown plan is allowed; events
// arrive once the plan starts publishing.
func (b *Bus) Subscribe(planID string) (<-chan event.StepEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ps := b.stream(planID)
	id := ps.nextSub
	ps.nextSub++
	ch := make(chan event.StepEvent, b.opts.SubscriberBuffer)
	ps.subs[id] = subscriber{ch: ch}

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ps, ok := b.plans[planID]; ok {
			if sub, ok := ps.subs[id]; ok {
				delete(ps.subs, id)
				close(sub.ch)
			}
		}
	}
	return ch, cancel
}

// History returns a copy of the plan's retained events in publish
// order. Unknown plans yield an empty slice.
func (b *Bus) History(planID string) []event.StepEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ps, ok := b.plans[planID]
	if !ok {
		return nil
	}
	out := make([]event.StepEvent, len(ps.history))
	copy(out, ps.history)
	return out
}

// Latest returns the most recent retained event for the step, or false
// when none is held.
func (b *Bus) Latest(planID, stepID string) (event.StepEvent, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ps, ok := b.plans[planID]
	if !ok {
		return event.StepEvent{}, false
	}
	for i := len(ps.history) - 1; i >= 0; i-- {
		if ps.history[i].StepID == stepID {
			return ps.history[i], true
		}
	}
	return event.StepEvent{}, false
}

// Known reports whether the bus holds any history for the plan.
func (b *Bus) Known(planID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ps, ok := b.plans[planID]
	return ok && len(ps.history) > 0
}

// Run purges finished plans after their TTL until ctx is done.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.purge()
		}
	}
}

func (b *Bus) purge() {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.opts.TerminalTTL)
	for planID, ps := range b.plans {
		if ps.terminalAt.IsZero() || ps.terminalAt.After(cutoff) {
			continue
		}
		for _, sub := range ps.subs {
			close(sub.ch)
		}
		delete(b.plans, planID)
		b.log.Debug("purged plan event history", "plan_id", planID)
	}
}

// stream returns the plan's stream, creating it if needed. Caller holds
// b.mu for writing.
func (b *Bus) stream(planID string) *planStream {
	ps, ok := b.plans[planID]
	if !ok {
		ps = &planStream{
			subs:       make(map[int]subscriber),
			stepStates: make(map[string]bool),
		}
		b.plans[planID] = ps
	}
	return ps
}

func allTerminal(states map[string]bool) bool {
	if len(states) == 0 {
		return false
	}
	for _, terminal := range states {
		if !terminal {
			return false
		}
	}
	return true
}
