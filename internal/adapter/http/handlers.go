// Package http implements the plan HTTP surface: submission, event
// streaming, and approval resolution.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/eventbus"
	"github.com/planforge/planforge/internal/logger"
	"github.com/planforge/planforge/internal/service"
)

const bodyLimit = 1 << 20 // 1 MiB

// Handlers bundles the HTTP endpoint implementations.
type Handlers struct {
	engine       *service.Engine
	planner      service.Planner
	bus          *eventbus.Bus
	artifactsDir string
	sseKeepAlive time.Duration
	log          *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(engine *service.Engine, planner service.Planner, bus *eventbus.Bus, artifactsDir string, sseKeepAlive time.Duration, log *slog.Logger) *Handlers {
	if sseKeepAlive <= 0 {
		sseKeepAlive = 25 * time.Second
	}
	return &Handlers{
		engine:       engine,
		planner:      planner,
		bus:          bus,
		artifactsDir: artifactsDir,
		sseKeepAlive: sseKeepAlive,
		log:          log,
	}
}

type submitPlanRequest struct {
	Goal string `json:"goal"`
}

type submitPlanResponse struct {
	Plan    plan.Plan `json:"plan"`
	TraceID string    `json:"traceId"`
}

// SubmitPlan handles POST /plan: build a plan from the goal and admit
// every step.
func (h *Handlers) SubmitPlan(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[submitPlanRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Goal == "" {
		writeError(w, http.StatusBadRequest, "goal is required")
		return
	}

	traceID := logger.TraceID(r.Context())

	pl, err := h.planner.BuildPlan(r.Context(), req.Goal)
	if err != nil {
		writeDomainError(w, err, "plan could not be built")
		return
	}
	if err := h.engine.SubmitPlan(r.Context(), pl, traceID); err != nil {
		writeDomainError(w, err, "plan not found")
		return
	}

	writeJSON(w, http.StatusCreated, submitPlanResponse{Plan: pl, TraceID: traceID})
}

// GetPlan handles GET /plan/{id}: serve the stored plan artifact.
func (h *Handlers) GetPlan(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "id")

	data, err := os.ReadFile(filepath.Join(h.artifactsDir, planID, "plan.json")) //nolint:gosec // G304: id is a uuid path segment
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "plan not found")
			return
		}
		h.log.Error("read plan artifact", "plan_id", planID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	var pl plan.Plan
	if err := json.Unmarshal(data, &pl); err != nil {
		h.log.Error("corrupt plan artifact", "plan_id", planID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, pl)
}

type approveRequest struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale,omitempty"`
}

// ResolveApproval handles POST /plan/{planId}/steps/{stepId}/approve.
func (h *Handlers) ResolveApproval(w http.ResponseWriter, r *http.Request) {
	planID := urlParam(r, "planId")
	stepID := urlParam(r, "stepId")

	req, ok := readJSON[approveRequest](w, r, bodyLimit)
	if !ok {
		return
	}
	if req.Decision != string(service.DecisionApprove) && req.Decision != string(service.DecisionReject) {
		writeError(w, http.StatusBadRequest, `decision must be "approve" or "reject"`)
		return
	}

	err := h.engine.ResolveApproval(r.Context(), planID, stepID, service.Decision(req.Decision), req.Rationale)
	if err != nil {
		writeDomainError(w, err, "step not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
