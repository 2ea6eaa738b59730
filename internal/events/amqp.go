package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange lifecycle messages are published to.
const DefaultExchange = "payment_events"

// amqpChannel is the subset of *amqp.Channel the sink uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes each message to a durable topic exchange. The
// routing key is the tags joined by dots, e.g. "payment.released".
type AMQPSink struct {
	exchange string
	open     func() (amqpChannel, error)
	closeFn  func() error

	mu sync.Mutex
	ch amqpChannel
}

// DialAMQP connects to rawURL and returns a sink publishing to exchange.
func DialAMQP(rawURL, exchange string) (*AMQPSink, error) {
	clean, err := sanitizeAMQPURL(rawURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp.DialConfig(clean, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	s, err := newAMQPSink(exchange, func() (amqpChannel, error) { return conn.Channel() })
	if err != nil {
		conn.Close()
		return nil, err
	}
	s.closeFn = conn.Close
	return s, nil
}

func newAMQPSink(exchange string, open func() (amqpChannel, error)) (*AMQPSink, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	s := &AMQPSink{exchange: exchange, open: open}
	ch, err := s.reopen()
	if err != nil {
		return nil, err
	}
	s.ch = ch
	return s, nil
}

func (s *AMQPSink) Name() string { return "amqp" }

// Deliver publishes msg. A failed publish reopens the channel and tries
// once more.
func (s *AMQPSink) Deliver(ctx context.Context, msg LifecycleMessage, tags []string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal amqp body: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.ID,
		CorrelationId: msg.ThreadID,
		Type:          string(msg.Type),
		Timestamp:     msg.Timestamp,
		Headers:       amqp.Table{"payment_id": msg.PaymentID, "task_id": msg.TaskID},
		Body:          body,
	}
	key := strings.Join(tags, ".")

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.ch.PublishWithContext(ctx, s.exchange, key, false, false, pub)
	if err == nil {
		return nil
	}

	ch, reopenErr := s.reopen()
	if reopenErr != nil {
		return errors.Join(err, reopenErr)
	}
	_ = s.ch.Close()
	s.ch = ch
	if err := s.ch.PublishWithContext(ctx, s.exchange, key, false, false, pub); err != nil {
		return fmt.Errorf("amqp publish %s: %w", key, err)
	}
	return nil
}

// Close releases the channel and the connection.
func (s *AMQPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
	}
	if s.closeFn != nil {
		errs = append(errs, s.closeFn())
	}
	return errors.Join(errs...)
}

func (s *AMQPSink) reopen() (amqpChannel, error) {
	ch, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(s.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", s.exchange, err)
	}
	return ch, nil
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("amqp url: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("amqp url: scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
