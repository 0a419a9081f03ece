package logger

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Closer flushes buffered log output on shutdown.
type Closer interface {
	Close()
}

// nopCloser is returned in synchronous mode.
type nopCloser struct{}

func (nopCloser) Close() {}

// AsyncHandler keeps log I/O off the hot paths (step dispatch, event
// fan-out): records go to a bounded queue drained by background
// workers, and a full queue drops the record instead of blocking a
// consumer loop. Drops are counted and reported once on Close.
type AsyncHandler struct {
	next  slog.Handler
	state *asyncState
}

// asyncState is shared by WithAttrs/WithGroup derivatives so they all
// feed one queue and one drop counter.
type asyncState struct {
	queue chan asyncRecord
	wg    sync.WaitGroup
	stop  sync.Once
	drops atomic.Int64
}

// asyncRecord pairs a record with the handler derivation it was logged
// through, so derived attrs and groups survive the queue.
type asyncRecord struct {
	h   slog.Handler
	rec slog.Record
}

// NewAsyncHandler wraps inner with a queue of the given capacity
// drained by the given number of workers.
func NewAsyncHandler(inner slog.Handler, capacity, workers int) *AsyncHandler {
	if workers < 1 {
		workers = 1
	}
	st := &asyncState{queue: make(chan asyncRecord, capacity)}
	for range workers {
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			for qr := range st.queue {
				_ = qr.h.Handle(context.Background(), qr.rec)
			}
		}()
	}
	return &AsyncHandler{next: inner, state: st}
}

// Enabled delegates to the wrapped handler.
func (h *AsyncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

// Handle queues the record; a full queue drops it.
func (h *AsyncHandler) Handle(_ context.Context, rec slog.Record) error {
	select {
	case h.state.queue <- asyncRecord{h: h.next, rec: rec}:
	default:
		h.state.drops.Add(1)
	}
	return nil
}

// WithAttrs derives a handler feeding the same queue.
func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &AsyncHandler{next: h.next.WithAttrs(attrs), state: h.state}
}

// WithGroup derives a handler feeding the same queue.
func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	return &AsyncHandler{next: h.next.WithGroup(name), state: h.state}
}

// DroppedCount returns the number of records dropped so far.
func (h *AsyncHandler) DroppedCount() int64 {
	return h.state.drops.Load()
}

// Close drains the queue, stops the workers, and reports drops. Safe to
// call more than once.
func (h *AsyncHandler) Close() {
	h.state.stop.Do(func() {
		close(h.state.queue)
		h.state.wg.Wait()
		if n := h.state.drops.Load(); n > 0 {
			rec := slog.NewRecord(time.Now(), slog.LevelWarn, "async logger dropped records", 0)
			rec.AddAttrs(slog.Int64("dropped", n))
			_ = h.next.Handle(context.Background(), rec)
		}
	})
}
