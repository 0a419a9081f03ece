package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/planforge/planforge/internal/domain"
	"github.com/planforge/planforge/internal/domain/plan"
)

// Planner turns a goal into a validated plan. The engine only depends
// on this interface; tests substitute their own plans.
type Planner interface {
	BuildPlan(ctx context.Context, goal string) (plan.Plan, error)
}

// TemplatePlanner builds plans from a fixed four-step template:
// survey, change, verify, publish. Write-capable steps are
// approval-gated. Each built plan is written once to the artifacts
// directory as plan.json and plan.md.
type TemplatePlanner struct {
	artifactsDir string
	log          *slog.Logger

	newID func() string // for testing
}

// NewTemplatePlanner creates a planner writing artifacts under dir.
func NewTemplatePlanner(dir string, log *slog.Logger) *TemplatePlanner {
	return &TemplatePlanner{
		artifactsDir: dir,
		log:          log,
		newID:        uuid.NewString,
	}
}

// BuildPlan derives the step sequence for a goal and persists the plan
// artifacts. An empty goal is a validation error.
func (p *TemplatePlanner) BuildPlan(_ context.Context, goal string) (plan.Plan, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return plan.Plan{}, fmt.Errorf("goal is required: %w", domain.ErrValidation)
	}

	pl := plan.Plan{
		ID:   p.newID(),
		Goal: goal,
		Steps: []plan.Step{
			{
				ID:         "s1",
				Action:     "Survey the repository and collect context for: " + goal,
				Tool:       "repo-agent",
				Capability: "repo.read",
				Labels:     []string{"read"},
			},
			{
				ID:               "s2",
				Action:           "Apply the changes required for: " + goal,
				Tool:             "repo-agent",
				Capability:       "repo.write",
				Labels:           []string{"write"},
				ApprovalRequired: true,
			},
			{
				ID:         "s3",
				Action:     "Run the verification suite for: " + goal,
				Tool:       "ci-agent",
				Capability: "ci.run",
				Labels:     []string{"verify"},
			},
			{
				ID:               "s4",
				Action:           "Open a pull request with the result of: " + goal,
				Tool:             "pr-agent",
				Capability:       "pr.open",
				Labels:           []string{"publish"},
				ApprovalRequired: true,
			},
		},
		SuccessCriteria: []string{
			"verification suite passes",
			"pull request opened",
		},
	}

	if err := pl.Validate(); err != nil {
		return plan.Plan{}, fmt.Errorf("built plan invalid: %w", err)
	}
	if err := p.writeArtifacts(pl); err != nil {
		return plan.Plan{}, err
	}
	return pl, nil
}

// writeArtifacts persists plan.json and plan.md for a plan. Artifacts
// are written once and read-only for the engine afterwards.
func (p *TemplatePlanner) writeArtifacts(pl plan.Plan) error {
	dir := filepath.Join(p.artifactsDir, pl.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("plan artifacts dir: %w", err)
	}

	data, err := json.MarshalIndent(pl, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "plan.json"), data, 0o644); err != nil {
		return fmt.Errorf("write plan.json: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "plan.md"), []byte(renderMarkdown(pl)), 0o644); err != nil {
		return fmt.Errorf("write plan.md: %w", err)
	}

	p.log.Info("plan artifacts written", "plan_id", pl.ID, "dir", dir)
	return nil
}

func renderMarkdown(pl plan.Plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Plan %s\n\n", pl.ID)
	fmt.Fprintf(&b, "**Goal:** %s\n\n## Steps\n\n", pl.Goal)
	for i, st := range pl.Steps {
		gate := ""
		if st.ApprovalRequired {
			gate = " (approval required)"
		}
		fmt.Fprintf(&b, "%d. `%s` — %s [%s/%s]%s\n", i+1, st.ID, st.Action, st.Tool, st.Capability, gate)
	}
	b.WriteString("\n## Success criteria\n\n")
	for _, c := range pl.SuccessCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}
