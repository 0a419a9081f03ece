// Package messagequeue defines the broker port (interface) used to
// dispatch plan steps with at-least-once delivery.
package messagequeue

import (
	"context"
	"time"
)

// Queue names used by the engine.
const (
	QueuePlanSteps       = "plan.steps"
	QueuePlanCompletions = "plan.completions"
)

// Header keys carried with every message.
const (
	HeaderIdempotencyKey   = "x-idempotency-key"
	HeaderTraceID          = "trace-id"
	HeaderAttempts         = "x-attempts"
	HeaderDeadLetterReason = "x-dead-letter-reason"
)

// DeadLetterQueue returns the dead-letter sibling for a queue.
func DeadLetterQueue(queue string) string {
	return queue + ".dead"
}

// EnqueueOptions carries publish metadata.
type EnqueueOptions struct {
	// IdempotencyKey identifies the logical message; the broker delivers
	// at least once per key, consumers must tolerate duplicates.
	IdempotencyKey string
	Headers        map[string]string
	// Delay postpones delivery; zero means immediate.
	Delay time.Duration
}

// Message is a single delivery handed to a consumer handler. Exactly one
// of Ack, Retry, or DeadLetter should be called; a handler error without
// an explicit resolution is treated as Retry with the default delay.
type Message interface {
	// ID is the broker-assigned delivery identifier.
	ID() string
	// Data is the raw payload.
	Data() []byte
	// Headers returns the message headers.
	Headers() map[string]string
	// Attempts is the number of prior deliveries of this message.
	Attempts() int

	// Ack removes the message from redelivery.
	Ack() error
	// Retry reinserts the message, optionally after a delay, with the
	// attempt count incremented.
	Retry(delay time.Duration) error
	// DeadLetter routes the message to the queue's dead-letter sibling
	// (or the named queue when non-empty) with the reason header set.
	DeadLetter(reason, queue string) error
}

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, msg Message) error

// Queue is the port interface over a durable broker.
type Queue interface {
	// Enqueue publishes a durable message to the given queue.
	Enqueue(ctx context.Context, queue string, data []byte, opts EnqueueOptions) error

	// Consume registers a handler for messages on the given queue.
	// The returned function cancels the subscription.
	Consume(ctx context.Context, queue string, handler Handler) (cancel func(), err error)

	// Depth reports the best-effort backlog size of the queue:
	// message count for RabbitMQ/NATS, summed consumer lag for Kafka.
	Depth(ctx context.Context, queue string) (int, error)

	// Close shuts down the broker connection.
	Close() error
}
