package ws

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/planforge/planforge/internal/domain/event"
	"github.com/planforge/planforge/internal/domain/step"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

func TestNewHub(t *testing.T) {
	hub := testHub()
	if hub == nil {
		t.Fatal("expected non-nil hub")
	}
	if hub.ConnectionCount() != 0 {
		t.Fatalf("expected 0 connections, got %d", hub.ConnectionCount())
	}
}

func TestHubBroadcastNoConnections(t *testing.T) {
	hub := testHub()

	// Broadcast with no connections should not panic.
	hub.Broadcast(context.Background(), "p1", Message{
		Type:    "test",
		Payload: []byte(`{"key":"value"}`),
	})
}

func TestHubBroadcastStepEventNoConnections(t *testing.T) {
	hub := testHub()

	// BroadcastStepEvent with no connections should not panic.
	hub.BroadcastStepEvent(event.StepEvent{
		PlanID:     "p1",
		StepID:     "s1",
		OccurredAt: time.Now(),
		Step:       event.StepView{ID: "s1", State: step.StateCompleted},
	})
}

func TestHubRemoveNonexistent(t *testing.T) {
	hub := testHub()

	// Removing a connection that was never added should not panic.
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &conn{ws: nil, cancel: cancel, planID: "p1"}
	hub.remove(c)
}
