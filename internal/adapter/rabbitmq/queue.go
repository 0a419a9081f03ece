// Package rabbitmq implements the message queue port on RabbitMQ using
// durable queues, publisher confirms, and a TTL holding queue for
// delayed redelivery.
package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/planforge/planforge/internal/port/messagequeue"
)

const defaultRetryDelay = time.Second

// Queue implements messagequeue.Queue on an AMQP 0-9-1 broker.
type Queue struct {
	url      string
	prefetch int
	log      *slog.Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *amqp.Channel // confirm-mode channel for publishing
	declared map[string]bool
	closed   bool
}

// Connect dials the broker and opens a confirm-mode publishing channel.
func Connect(_ context.Context, url string, prefetch int, log *slog.Logger) (*Queue, error) {
	if prefetch <= 0 {
		prefetch = 8
	}
	q := &Queue{
		url:      url,
		prefetch: prefetch,
		log:      log,
		declared: make(map[string]bool),
	}
	if err := q.dial(); err != nil {
		return nil, err
	}
	log.Info("rabbitmq connected", "prefetch", prefetch)
	return q, nil
}

// dial (re)establishes the connection and publish channel. Caller must
// not hold q.mu.
func (q *Queue) dial() error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("rabbitmq dial: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	q.mu.Lock()
	q.conn = conn
	q.pub = pub
	q.declared = make(map[string]bool)
	q.mu.Unlock()
	return nil
}

// ensureTopology declares the queue, its dead-letter sibling, and a
// retry holding queue that dead-letters expired messages back to the
// main queue. Must be called with q.mu held.
func (q *Queue) ensureTopology(queue string) error {
	if q.declared[queue] {
		return nil
	}

	if _, err := q.pub.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	dlq := messagequeue.DeadLetterQueue(queue)
	if _, err := q.pub.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}
	if _, err := q.pub.QueueDeclare(retryQueue(queue), true, false, false, false, retryArgs); err != nil {
		return fmt.Errorf("declare %s: %w", retryQueue(queue), err)
	}

	q.declared[queue] = true
	return nil
}

func retryQueue(queue string) string { return queue + ".retry" }

// Enqueue publishes a persistent message and waits for broker
// confirmation. A positive delay routes through the TTL holding queue.
func (q *Queue) Enqueue(ctx context.Context, queue string, data []byte, opts messagequeue.EnqueueOptions) error {
	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	if opts.IdempotencyKey != "" {
		headers[messagequeue.HeaderIdempotencyKey] = opts.IdempotencyKey
	}

	pubMsg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    opts.IdempotencyKey,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         data,
	}

	routingKey := queue
	if opts.Delay > 0 {
		routingKey = retryQueue(queue)
		pubMsg.Expiration = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("rabbitmq publish %s: connection closed", queue)
	}
	if err := q.ensureTopology(queue); err != nil {
		return err
	}

	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(ctx, "", routingKey, false, false, pubMsg)
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", queue, err)
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm %s: %w", queue, err)
	}
	if !ok {
		return fmt.Errorf("rabbitmq publish %s: broker nacked", queue)
	}
	return nil
}

// Consume opens a dedicated channel for the queue and dispatches
// deliveries to the handler. Deliveries are acked only after explicit
// resolution; a handler error without resolution is retried with the
// default delay. A dropped connection is redialed with capped
// exponential backoff and the consumer is re-established.
func (q *Queue) Consume(ctx context.Context, queue string, handler messagequeue.Handler) (func(), error) {
	ch, deliveries, err := q.openConsumer(queue)
	if err != nil {
		return nil, err
	}

	current := make(chan *amqp.Channel, 1)
	current <- ch

	go func() {
		for {
			if done := q.consumeLoop(ctx, queue, deliveries, handler); done {
				return
			}

			// Channel closed underneath us: redial until it sticks.
			wait := time.Second
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
				if err := q.dial(); err == nil {
					if ch, deliveries, err = q.openConsumer(queue); err == nil {
						break
					}
				}
				q.log.Error("rabbitmq reconnect failed", "queue", queue, "retry_in", wait)
				if wait *= 2; wait > 30*time.Second {
					wait = 30 * time.Second
				}
			}
			q.log.Info("rabbitmq consumer re-established", "queue", queue)
			select {
			case <-current:
			default:
			}
			current <- ch
		}
	}()

	stop := func() {
		select {
		case ch := <-current:
			_ = ch.Close()
		default:
		}
	}
	return stop, nil
}

// openConsumer declares topology and starts a delivery stream on a
// fresh channel.
func (q *Queue) openConsumer(queue string) (*amqp.Channel, <-chan amqp.Delivery, error) {
	q.mu.Lock()
	if err := q.ensureTopology(queue); err != nil {
		q.mu.Unlock()
		return nil, nil, err
	}
	conn := q.conn
	q.mu.Unlock()

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq consumer channel: %w", err)
	}
	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("rabbitmq consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

// consumeLoop drains deliveries until the context ends (true) or the
// stream closes (false).
func (q *Queue) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler messagequeue.Handler) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-deliveries:
			if !ok {
				q.mu.Lock()
				closed := q.closed
				q.mu.Unlock()
				return closed
			}
			m := &message{queue: queue, delivery: d, q: q}
			if err := handler(ctx, m); err != nil && !m.resolved {
				q.log.Error("message handler failed", "queue", queue, "error", err)
				_ = m.Retry(defaultRetryDelay)
				continue
			}
			if !m.resolved {
				_ = m.Ack()
			}
		}
	}
}

// Depth reports the ready message count via a passive declare.
func (q *Queue) Depth(_ context.Context, queue string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	info, err := q.pub.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("rabbitmq depth %s: %w", queue, err)
	}
	return info.Messages, nil
}

// Close shuts down the connection and all channels.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.conn.Close()
}

// publish re-publishes a delivery body, used by Retry and DeadLetter.
func (q *Queue) publish(routingKey string, headers amqp.Table, body []byte, expiration string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("rabbitmq publish %s: connection closed", routingKey)
	}

	confirm, err := q.pub.PublishWithDeferredConfirmWithContext(context.Background(), "", routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         body,
		Expiration:   expiration,
	})
	if err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", routingKey, err)
	}
	if !confirm.Wait() {
		return fmt.Errorf("rabbitmq confirm %s: broker nacked", routingKey)
	}
	return nil
}

// message adapts an amqp.Delivery to the port's Message.
type message struct {
	queue    string
	delivery amqp.Delivery
	q        *Queue
	resolved bool
}

func (m *message) ID() string {
	if m.delivery.MessageId != "" {
		return m.delivery.MessageId
	}
	return fmt.Sprintf("%s:%d", m.queue, m.delivery.DeliveryTag)
}

func (m *message) Data() []byte { return m.delivery.Body }

func (m *message) Headers() map[string]string {
	out := map[string]string{}
	for k, v := range m.delivery.Headers {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (m *message) Attempts() int {
	v, ok := m.delivery.Headers[messagequeue.HeaderAttempts]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int32:
		return int(n)
	case int64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

func (m *message) Ack() error {
	m.resolved = true
	return m.delivery.Ack(false)
}

// Retry republishes the message with an incremented attempt counter. A
// positive delay parks it in the TTL holding queue first.
func (m *message) Retry(delay time.Duration) error {
	m.resolved = true

	headers := amqp.Table{}
	for k, v := range m.delivery.Headers {
		headers[k] = v
	}
	headers[messagequeue.HeaderAttempts] = int32(m.Attempts() + 1)

	routingKey := m.queue
	expiration := ""
	if delay > 0 {
		routingKey = retryQueue(m.queue)
		expiration = strconv.FormatInt(delay.Milliseconds(), 10)
	}

	if err := m.q.publish(routingKey, headers, m.delivery.Body, expiration); err != nil {
		// Leave redelivery to the broker when the republish failed.
		_ = m.delivery.Nack(false, true)
		return err
	}
	return m.delivery.Ack(false)
}

// DeadLetter moves the message to the dead-letter queue with a reason
// header and acknowledges the original.
func (m *message) DeadLetter(reason, queue string) error {
	m.resolved = true
	if queue == "" {
		queue = messagequeue.DeadLetterQueue(m.queue)
	}

	headers := amqp.Table{}
	for k, v := range m.delivery.Headers {
		headers[k] = v
	}
	headers[messagequeue.HeaderDeadLetterReason] = reason

	if err := m.q.publish(queue, headers, m.delivery.Body, ""); err != nil {
		_ = m.delivery.Nack(false, true)
		return err
	}
	return m.delivery.Ack(false)
}
