package messagequeue

import (
	"encoding/json"
	"fmt"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given queue. Unknown queues pass validation
// (future-proof for new message types).
func Validate(queue string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on queue %s", queue)
	}

	var target any
	switch queue {
	case QueuePlanSteps:
		target = &StepDispatchPayload{}
	case QueuePlanCompletions:
		target = &CompletionPayload{}
	default:
		return nil
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("schema validation failed for %s: %w", queue, err)
	}
	return nil
}
