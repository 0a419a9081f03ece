// Package kafka implements the message queue port on Kafka topics with
// consumer groups and manual offset commits.
package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/planforge/planforge/internal/port/messagequeue"
)

const (
	defaultRetryDelay = time.Second

	// headerNotBefore carries the earliest delivery time for messages
	// republished with a delay. Kafka has no native delayed delivery.
	headerNotBefore = "x-not-before"
)

// Options configures the Kafka queue.
type Options struct {
	Brokers []string
	GroupID string
	// ConsumeFromBeginning starts new consumer groups at the earliest
	// offset instead of the latest.
	ConsumeFromBeginning bool
}

// Queue implements messagequeue.Queue on Kafka.
type Queue struct {
	opts Options
	log  *slog.Logger

	writer *kafka.Writer
	client *kafka.Client

	mu      sync.Mutex
	readers []*kafka.Reader
	closed  bool
}

// Connect builds the shared writer and verifies broker reachability.
func Connect(ctx context.Context, opts Options, log *slog.Logger) (*Queue, error) {
	if len(opts.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: no brokers configured")
	}
	if opts.GroupID == "" {
		opts.GroupID = "planforge"
	}

	client := &kafka.Client{Addr: kafka.TCP(opts.Brokers...)}
	if _, err := client.Metadata(ctx, &kafka.MetadataRequest{}); err != nil {
		return nil, fmt.Errorf("kafka metadata: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	log.Info("kafka connected", "brokers", opts.Brokers, "group", opts.GroupID)
	return &Queue{opts: opts, log: log, writer: writer, client: client}, nil
}

// Enqueue produces a message to the topic. The idempotency key doubles
// as the partition key so redeliveries of one step stay ordered.
func (q *Queue) Enqueue(ctx context.Context, queue string, data []byte, opts messagequeue.EnqueueOptions) error {
	headers := make([]kafka.Header, 0, len(opts.Headers)+2)
	for k, v := range opts.Headers {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if opts.IdempotencyKey != "" {
		headers = append(headers, kafka.Header{Key: messagequeue.HeaderIdempotencyKey, Value: []byte(opts.IdempotencyKey)})
	}
	if opts.Delay > 0 {
		notBefore := time.Now().Add(opts.Delay).Format(time.RFC3339Nano)
		headers = append(headers, kafka.Header{Key: headerNotBefore, Value: []byte(notBefore)})
	}

	msg := kafka.Message{
		Topic:   queue,
		Key:     []byte(opts.IdempotencyKey),
		Value:   data,
		Headers: headers,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka produce %s: %w", queue, err)
	}
	return nil
}

// Consume joins the consumer group for the topic and dispatches
// messages to the handler. Offsets are committed only after the message
// is resolved, so an unresolved crash redelivers.
func (q *Queue) Consume(ctx context.Context, queue string, handler messagequeue.Handler) (func(), error) {
	startOffset := kafka.LastOffset
	if q.opts.ConsumeFromBeginning {
		startOffset = kafka.FirstOffset
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     q.opts.Brokers,
		GroupID:     q.opts.GroupID,
		Topic:       queue,
		StartOffset: startOffset,
	})

	q.mu.Lock()
	q.readers = append(q.readers, reader)
	q.mu.Unlock()

	go func() {
		for {
			kmsg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.log.Error("kafka fetch failed", "topic", queue, "error", err)
				continue
			}

			if until, ok := notBefore(kmsg.Headers); ok {
				if remaining := time.Until(until); remaining > 0 {
					select {
					case <-time.After(remaining):
					case <-ctx.Done():
						return
					}
				}
			}

			m := &message{queue: queue, msg: kmsg, reader: reader, q: q, ctx: ctx}
			if err := handler(ctx, m); err != nil && !m.resolved {
				q.log.Error("message handler failed", "topic", queue, "error", err)
				_ = m.Retry(defaultRetryDelay)
				continue
			}
			if !m.resolved {
				_ = m.Ack()
			}
		}
	}()

	stop := func() { _ = reader.Close() }
	return stop, nil
}

// Depth reports the total consumer lag for the topic: the gap between
// each partition's last offset and the group's committed offset.
func (q *Queue) Depth(ctx context.Context, queue string) (int, error) {
	meta, err := q.client.Metadata(ctx, &kafka.MetadataRequest{Topics: []string{queue}})
	if err != nil {
		return 0, fmt.Errorf("kafka metadata %s: %w", queue, err)
	}

	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != queue {
			continue
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}

	offsetReqs := make([]kafka.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		offsetReqs = append(offsetReqs, kafka.LastOffsetOf(p))
	}
	lastOffsets, err := q.client.ListOffsets(ctx, &kafka.ListOffsetsRequest{
		Topics: map[string][]kafka.OffsetRequest{queue: offsetReqs},
	})
	if err != nil {
		return 0, fmt.Errorf("kafka list offsets %s: %w", queue, err)
	}

	committed, err := q.client.OffsetFetch(ctx, &kafka.OffsetFetchRequest{
		GroupID: q.opts.GroupID,
		Topics:  map[string][]int{queue: partitions},
	})
	if err != nil {
		return 0, fmt.Errorf("kafka offset fetch %s: %w", queue, err)
	}

	committedByPartition := map[int]int64{}
	for _, parts := range committed.Topics {
		for _, p := range parts {
			committedByPartition[p.Partition] = p.CommittedOffset
		}
	}

	depth := 0
	for _, parts := range lastOffsets.Topics {
		for _, p := range parts {
			c := committedByPartition[p.Partition]
			if c < 0 {
				c = 0
			}
			if lag := p.LastOffset - c; lag > 0 {
				depth += int(lag)
			}
		}
	}
	return depth, nil
}

// Close shuts down the writer and all readers.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	for _, r := range q.readers {
		_ = r.Close()
	}
	return q.writer.Close()
}

func notBefore(headers []kafka.Header) (time.Time, bool) {
	for _, h := range headers {
		if h.Key != headerNotBefore {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, string(h.Value))
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}

// message adapts a kafka.Message to the port's Message.
type message struct {
	queue    string
	msg      kafka.Message
	reader   *kafka.Reader
	q        *Queue
	ctx      context.Context
	resolved bool
}

func (m *message) ID() string {
	return fmt.Sprintf("%s:%d:%d", m.queue, m.msg.Partition, m.msg.Offset)
}

func (m *message) Data() []byte { return m.msg.Value }

func (m *message) Headers() map[string]string {
	out := map[string]string{}
	for _, h := range m.msg.Headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func (m *message) Attempts() int {
	for _, h := range m.msg.Headers {
		if h.Key == messagequeue.HeaderAttempts {
			n, _ := strconv.Atoi(string(h.Value))
			return n
		}
	}
	return 0
}

func (m *message) Ack() error {
	m.resolved = true
	return m.reader.CommitMessages(m.ctx, m.msg)
}

// Retry republishes the message to its topic with an incremented
// attempt counter and, for a positive delay, a not-before header, then
// commits the original offset.
func (m *message) Retry(delay time.Duration) error {
	m.resolved = true

	headers := make([]kafka.Header, 0, len(m.msg.Headers)+2)
	for _, h := range m.msg.Headers {
		if h.Key == messagequeue.HeaderAttempts || h.Key == headerNotBefore {
			continue
		}
		headers = append(headers, h)
	}
	headers = append(headers, kafka.Header{
		Key:   messagequeue.HeaderAttempts,
		Value: []byte(strconv.Itoa(m.Attempts() + 1)),
	})
	if delay > 0 {
		notBefore := time.Now().Add(delay).Format(time.RFC3339Nano)
		headers = append(headers, kafka.Header{Key: headerNotBefore, Value: []byte(notBefore)})
	}

	err := m.q.writer.WriteMessages(m.ctx, kafka.Message{
		Topic:   m.queue,
		Key:     m.msg.Key,
		Value:   m.msg.Value,
		Headers: headers,
	})
	if err != nil {
		// Skip the commit so the group redelivers the original.
		return fmt.Errorf("kafka retry produce %s: %w", m.queue, err)
	}
	return m.reader.CommitMessages(m.ctx, m.msg)
}

// DeadLetter produces the message to the dead-letter topic with a
// reason header and commits the original offset.
func (m *message) DeadLetter(reason, queue string) error {
	m.resolved = true
	if queue == "" {
		queue = messagequeue.DeadLetterQueue(m.queue)
	}

	headers := make([]kafka.Header, 0, len(m.msg.Headers)+1)
	headers = append(headers, m.msg.Headers...)
	headers = append(headers, kafka.Header{
		Key:   messagequeue.HeaderDeadLetterReason,
		Value: []byte(reason),
	})

	err := m.q.writer.WriteMessages(m.ctx, kafka.Message{
		Topic:   queue,
		Key:     m.msg.Key,
		Value:   m.msg.Value,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("kafka dead-letter produce %s: %w", queue, err)
	}
	return m.reader.CommitMessages(m.ctx, m.msg)
}
