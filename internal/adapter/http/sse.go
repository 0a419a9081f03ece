package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/planforge/planforge/internal/domain/event"
)

// PlanEvents handles GET /plan/{id}/events. With an SSE Accept header
// the history is replayed and the stream stays open for live events;
// otherwise a JSON snapshot of the history is returned.
func (h *Handlers) PlanEvents(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "id")

	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		writeJSON(w, http.StatusOK, map[string][]event.StepEvent{
			"events": h.bus.History(planID),
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Subscribe before replay so no event between the two is lost;
	// duplicates across the boundary are possible and harmless.
	ch, cancel := h.bus.Subscribe(planID)
	defer cancel()

	for _, ev := range h.bus.History(planID) {
		if err := writeSSE(w, ev); err != nil {
			return
		}
	}
	flusher.Flush()

	keepAlive := time.NewTicker(h.sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				// Subscription dropped (history purge or overflow); the
				// client reconnects and gets a fresh replay.
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSE frames one step event for the stream.
func writeSSE(w http.ResponseWriter, ev event.StepEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: plan.step\ndata: %s\n\n", data)
	return err
}
