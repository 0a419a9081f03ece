// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/planforge/planforge/internal/port/messagequeue"
)

const (
	streamName = "PLANFORGE"

	// defaultRetryDelay applies when a handler fails without resolving
	// the message explicitly.
	defaultRetryDelay = time.Second
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream exists. The connection reconnects indefinitely with backoff;
// JetStream consumers survive reconnects server-side.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Queue, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects covering all plan queues.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"plan.>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", "url", url, "stream", streamName)
	return &Queue{nc: nc, js: js, log: log}, nil
}

// Enqueue publishes a durable message to the given queue subject.
func (q *Queue) Enqueue(ctx context.Context, queue string, data []byte, opts messagequeue.EnqueueOptions) error {
	msg := &nats.Msg{Subject: queue, Data: data, Header: nats.Header{}}
	for k, v := range opts.Headers {
		msg.Header.Set(k, v)
	}
	if opts.IdempotencyKey != "" {
		msg.Header.Set(messagequeue.HeaderIdempotencyKey, opts.IdempotencyKey)
	}
	if opts.Delay > 0 {
		msg.Header.Set(headerNotBefore, time.Now().Add(opts.Delay).Format(time.RFC3339Nano))
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", queue, err)
	}
	return nil
}

// headerNotBefore delays delivery: consumers requeue until the time passes.
const headerNotBefore = "x-not-before"

// Consume registers a handler for messages on the given queue.
func (q *Queue) Consume(ctx context.Context, queue string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		Durable:       durableName(queue),
		FilterSubject: queue,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(jmsg jetstream.Msg) {
		m := &message{queue: queue, msg: jmsg, js: q.js}

		if until, ok := notBefore(jmsg.Headers()); ok {
			if remaining := time.Until(until); remaining > 0 {
				_ = jmsg.NakWithDelay(remaining)
				return
			}
		}

		if err := handler(ctx, m); err != nil && !m.resolved {
			q.log.Error("message handler failed", "queue", queue, "error", err)
			_ = m.Retry(defaultRetryDelay)
			return
		}
		if !m.resolved {
			_ = m.Ack()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// Depth reports the number of messages pending for the queue's consumer.
func (q *Queue) Depth(ctx context.Context, queue string) (int, error) {
	consumer, err := q.js.Consumer(ctx, streamName, durableName(queue))
	if err != nil {
		return 0, fmt.Errorf("nats consumer lookup: %w", err)
	}
	info, err := consumer.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("nats consumer info: %w", err)
	}
	return int(info.NumPending) + info.NumAckPending, nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// durableName derives a JetStream-safe durable consumer name from a queue.
func durableName(queue string) string {
	return strings.ReplaceAll(queue, ".", "-")
}

func notBefore(h nats.Header) (time.Time, bool) {
	if h == nil {
		return time.Time{}, false
	}
	v := h.Get(headerNotBefore)
	if v == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// message adapts a jetstream.Msg to the port's Message.
type message struct {
	queue    string
	msg      jetstream.Msg
	js       jetstream.JetStream
	resolved bool
}

func (m *message) ID() string {
	meta, err := m.msg.Metadata()
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", m.queue, meta.Sequence.Stream)
}

func (m *message) Data() []byte { return m.msg.Data() }

func (m *message) Headers() map[string]string {
	out := map[string]string{}
	for k, v := range m.msg.Headers() {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

func (m *message) Attempts() int {
	meta, err := m.msg.Metadata()
	if err != nil {
		return 0
	}
	return int(meta.NumDelivered) - 1
}

func (m *message) Ack() error {
	m.resolved = true
	return m.msg.Ack()
}

func (m *message) Retry(delay time.Duration) error {
	m.resolved = true
	if delay > 0 {
		return m.msg.NakWithDelay(delay)
	}
	return m.msg.Nak()
}

func (m *message) DeadLetter(reason, queue string) error {
	m.resolved = true
	if queue == "" {
		queue = messagequeue.DeadLetterQueue(m.queue)
	}

	dead := &nats.Msg{Subject: queue, Data: m.msg.Data(), Header: nats.Header{}}
	for k, v := range m.msg.Headers() {
		for _, vv := range v {
			dead.Header.Add(k, vv)
		}
	}
	dead.Header.Set(messagequeue.HeaderDeadLetterReason, reason)

	if _, err := m.js.PublishMsg(context.Background(), dead); err != nil {
		return fmt.Errorf("nats dead-letter publish %s: %w", queue, err)
	}
	return m.msg.Term()
}
