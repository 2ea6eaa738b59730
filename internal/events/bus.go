package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/taskescrow/internal/metrics"
)

// Sink delivers messages to one destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, msg LifecycleMessage, tags []string) error
}

// Publisher accepts messages for best-effort delivery. Publish never
// blocks on delivery and never reports delivery failures.
type Publisher interface {
	Publish(ctx context.Context, msg LifecycleMessage, tags ...string)
}

const (
	// DefaultBuffer is the queue depth before messages are dropped.
	DefaultBuffer = 1024

	// DefaultDeliveryTimeout bounds one sink delivery.
	DefaultDeliveryTimeout = 15 * time.Second
)

type delivery struct {
	msg  LifecycleMessage
	tags []string
}

// Bus fans messages out to its sinks from a single goroutine, so sinks
// observe messages in publication order.
type Bus struct {
	sinks   []Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan delivery
	done   chan struct{}
}

// NewBus starts a bus delivering to sinks.
func NewBus(logger *slog.Logger, buffer int, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		sinks:   sinks,
		logger:  logger,
		timeout: DefaultDeliveryTimeout,
		queue:   make(chan delivery, buffer),
		done:    make(chan struct{}),
	}
	go b.run()
	return b
}

// Publish enqueues msg. With no tags the type's default tags are used.
// A full or closed bus drops the message.
func (b *Bus) Publish(ctx context.Context, msg LifecycleMessage, tags ...string) {
	if len(tags) == 0 {
		tags = msg.Type.Tags()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		metrics.EventsDroppedTotal.Inc()
		b.logger.Warn("event bus closed, dropping message", "type", msg.Type, "payment_id", msg.PaymentID)
		return
	}

	select {
	case b.queue <- delivery{msg: msg, tags: tags}:
		metrics.EventsPublishedTotal.WithLabelValues(string(msg.Type)).Inc()
	default:
		metrics.EventsDroppedTotal.Inc()
		b.logger.Warn("event bus full, dropping message", "type", msg.Type, "payment_id", msg.PaymentID)
	}
}

// Close stops accepting messages and waits for queued ones to drain.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event bus drain: %w", ctx.Err())
	}
}

func (b *Bus) run() {
	defer close(b.done)
	for d := range b.queue {
		for _, sink := range b.sinks {
			b.deliver(sink, d)
		}
	}
}

func (b *Bus) deliver(sink Sink, d delivery) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			metrics.SinkDeliveriesTotal.WithLabelValues(sink.Name(), "panic").Inc()
			b.logger.Error("event sink panicked", "sink", sink.Name(), "message_id", d.msg.ID, "panic", r)
		}
	}()

	if err := sink.Deliver(ctx, d.msg, d.tags); err != nil {
		metrics.SinkDeliveriesTotal.WithLabelValues(sink.Name(), "error").Inc()
		b.logger.Warn("event delivery failed",
			"sink", sink.Name(), "message_id", d.msg.ID, "type", d.msg.Type,
			"thread_id", d.msg.ThreadID, "error", err)
		return
	}
	metrics.SinkDeliveriesTotal.WithLabelValues(sink.Name(), "ok").Inc()
}

// LogSink writes each message to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, msg LifecycleMessage, tags []string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "lifecycle message",
		"type", msg.Type,
		"from_agent", msg.FromAgent,
		"to_agent", msg.ToAgent,
		"payment_id", msg.PaymentID,
		"task_id", msg.TaskID,
		"thread_id", msg.ThreadID,
		"transaction_id", msg.TransactionID,
		"tags", tags,
	)
	return nil
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, LifecycleMessage, ...string) {}
