package http

import (
	"github.com/go-chi/chi/v5"

	"github.com/planforge/planforge/internal/adapter/ws"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, hub *ws.Hub) {
	r.Get("/health", h.Health)

	r.Post("/plan", h.SubmitPlan)
	r.Get("/plan/{id}", h.GetPlan)
	r.Get("/plan/{id}/events", h.PlanEvents)
	r.Post("/plan/{planId}/steps/{stepId}/approve", h.ResolveApproval)

	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}
}
