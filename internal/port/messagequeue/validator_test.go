package messagequeue

import "testing"

func TestValidateStepDispatch(t *testing.T) {
	payload := []byte(`{"planId":"p1","step":{"id":"s1","action":"a","tool":"t","capability":"repo.read"},"traceId":"tr","attempt":0}`)
	if err := Validate(QueuePlanSteps, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateCompletion(t *testing.T) {
	payload := []byte(`{"planId":"p1","stepId":"s1","state":"completed"}`)
	if err := Validate(QueuePlanCompletions, payload); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsNonJSON(t *testing.T) {
	if err := Validate(QueuePlanSteps, []byte("not json")); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateRejectsWrongShape(t *testing.T) {
	// step must be an object, not a string
	payload := []byte(`{"planId":"p1","step":"s1"}`)
	if err := Validate(QueuePlanSteps, payload); err == nil {
		t.Fatal("expected error")
	}
}

func TestValidateUnknownQueuePasses(t *testing.T) {
	if err := Validate("plan.audit", []byte(`{"anything":true}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDeadLetterQueue(t *testing.T) {
	if got := DeadLetterQueue(QueuePlanSteps); got != "plan.steps.dead" {
		t.Errorf("got %q", got)
	}
}
