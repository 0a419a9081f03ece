package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/planforge/planforge/internal/adapter/filestore"
	"github.com/planforge/planforge/internal/approvalcache"
	"github.com/planforge/planforge/internal/domain/event"
	"github.com/planforge/planforge/internal/domain/plan"
	"github.com/planforge/planforge/internal/domain/policy"
	"github.com/planforge/planforge/internal/domain/step"
	"github.com/planforge/planforge/internal/eventbus"
	"github.com/planforge/planforge/internal/middleware"
	"github.com/planforge/planforge/internal/port/messagequeue"
	"github.com/planforge/planforge/internal/port/toolagent"
	"github.com/planforge/planforge/internal/service"
)

// nullQueue accepts every enqueue and never delivers; the HTTP tests
// exercise admission and approval, not dispatch.
type nullQueue struct {
	mu   sync.Mutex
	msgs int
}

func (q *nullQueue) Enqueue(context.Context, string, []byte, messagequeue.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.msgs++
	return nil
}

func (q *nullQueue) Consume(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}

func (q *nullQueue) Depth(context.Context, string) (int, error) { return 0, nil }
func (q *nullQueue) Close() error                               { return nil }

type nullAgent struct{}

func (nullAgent) Execute(context.Context, toolagent.Invocation) ([]toolagent.Event, error) {
	return []toolagent.Event{{State: step.StateCompleted}}, nil
}

type testServer struct {
	srv *httptest.Server
	bus *eventbus.Bus
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.DiscardHandler)
	dir := t.TempDir()

	store, err := filestore.Open(filepath.Join(dir, "state.json"), log)
	if err != nil {
		t.Fatal(err)
	}
	cache, err := approvalcache.New(store)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(cache.Close)

	bus := eventbus.New(eventbus.Options{}, log)
	bundle := policy.PresetStandard()
	engine := service.New(store, &nullQueue{}, nullAgent{}, bus, cache, &bundle,
		service.Options{RetryMax: 5}, log)
	planner := service.NewTemplatePlanner(filepath.Join(dir, "plans"), log)

	h := NewHandlers(engine, planner, bus, filepath.Join(dir, "plans"), 50*time.Millisecond, log)

	r := chi.NewRouter()
	r.Use(middleware.TraceID)
	MountRoutes(r, h, nil)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, bus: bus}
}

func (ts *testServer) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.srv.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func (ts *testServer) submit(t *testing.T) plan.Plan {
	t.Helper()
	resp := ts.post(t, "/plan", `{"goal":"Ship"}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d", resp.StatusCode)
	}
	var out struct {
		Plan    plan.Plan `json:"plan"`
		TraceID string    `json:"traceId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.TraceID == "" {
		t.Error("traceId missing")
	}
	return out.Plan
}

func TestSubmitPlanEndpoint(t *testing.T) {
	ts := newTestServer(t)

	pl := ts.submit(t)
	if len(pl.Steps) != 4 {
		t.Fatalf("steps = %d, want 4", len(pl.Steps))
	}

	// One initial event per step, in plan order.
	history := ts.bus.History(pl.ID)
	if len(history) != 4 {
		t.Fatalf("history = %d events, want 4", len(history))
	}
	for i, st := range pl.Steps {
		if history[i].StepID != st.ID {
			t.Errorf("event %d for step %s, want %s", i, history[i].StepID, st.ID)
		}
		want := step.StateQueued
		if st.ApprovalRequired {
			want = step.StateWaitingApproval
		}
		if history[i].Step.State != want {
			t.Errorf("step %s initial state = %s, want %s", st.ID, history[i].Step.State, want)
		}
	}
}

func TestSubmitPlanEmptyGoal(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.post(t, "/plan", `{"goal":""}`)
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetPlanArtifact(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	resp, err := http.Get(ts.srv.URL + "/plan/" + pl.ID)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got plan.Plan
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got.ID != pl.ID {
		t.Errorf("plan id = %s, want %s", got.ID, pl.ID)
	}

	missing, err := http.Get(ts.srv.URL + "/plan/unknown")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = missing.Body.Close() }()
	if missing.StatusCode != http.StatusNotFound {
		t.Errorf("unknown plan status = %d, want 404", missing.StatusCode)
	}
}

func TestApproveEndpoint(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	// s2 is the approval-gated write step in the template.
	path := "/plan/" + pl.ID + "/steps/s2/approve"

	resp := ts.post(t, path, `{"decision":"approve"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("approve status = %d, want 204", resp.StatusCode)
	}

	// Approving again conflicts: the step moved on.
	resp = ts.post(t, path, `{"decision":"approve"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double approve status = %d, want 409", resp.StatusCode)
	}
}

func TestApproveErrors(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown step", "/plan/" + pl.ID + "/steps/nope/approve", `{"decision":"approve"}`, http.StatusNotFound},
		{"not waiting", "/plan/" + pl.ID + "/steps/s1/approve", `{"decision":"approve"}`, http.StatusConflict},
		{"bad decision", "/plan/" + pl.ID + "/steps/s2/approve", `{"decision":"maybe"}`, http.StatusBadRequest},
		{"bad body", "/plan/" + pl.ID + "/steps/s2/approve", `{{{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := ts.post(t, tt.path, tt.body)
			_ = resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestRejectEndpoint(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	resp := ts.post(t, "/plan/"+pl.ID+"/steps/s2/approve", `{"decision":"reject","rationale":"unsafe"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("reject status = %d, want 204", resp.StatusCode)
	}

	// Rejection is terminal: any further resolution is a 404.
	resp = ts.post(t, "/plan/"+pl.ID+"/steps/s2/approve", `{"decision":"approve"}`)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("approve after reject status = %d, want 404", resp.StatusCode)
	}
}

func TestPlanEventsJSONSnapshot(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	resp, err := http.Get(ts.srv.URL + "/plan/" + pl.ID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out struct {
		Events []event.StepEvent `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if len(out.Events) != 4 {
		t.Errorf("events = %d, want 4", len(out.Events))
	}
}

func TestPlanEventsSSE(t *testing.T) {
	ts := newTestServer(t)
	pl := ts.submit(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/plan/"+pl.ID+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type = %q", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("cache-control = %q", cc)
	}

	// Replay: one framed event per admitted step.
	reader := bufio.NewReader(resp.Body)
	frames := 0
	for frames < 4 {
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			t.Fatalf("read stream: %v", err)
		}
		if strings.HasPrefix(line, "event: plan.step") {
			frames++
		}
	}
	if frames != 4 {
		t.Fatalf("framed events = %d, want 4", frames)
	}

	// A live event published after the replay reaches the stream.
	ts.bus.Publish(event.StepEvent{
		PlanID: pl.ID, StepID: "s1", OccurredAt: time.Now(),
		Step: event.StepView{ID: "s1", State: step.StateRunning},
	})
	deadline := time.Now().Add(3 * time.Second)
	got := false
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, `"running"`) {
			got = true
			break
		}
	}
	if !got {
		t.Fatal("live event not observed on SSE stream")
	}
}
