package ws

import (
	"context"
	"encoding/json"

	"github.com/planforge/planforge/internal/domain/event"
)

// Event type constants for WebSocket messages.
const (
	EventPlanStep = "plan.step"
)

// BroadcastStepEvent marshals a step event and broadcasts it to clients
// watching the event's plan. Satisfies the event bus sink signature.
func (h *Hub) BroadcastStepEvent(ev event.StepEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("marshal ws step event", "plan_id", ev.PlanID, "error", err)
		return
	}

	h.Broadcast(context.Background(), ev.PlanID, Message{
		Type:    EventPlanStep,
		Payload: json.RawMessage(data),
	})
}
