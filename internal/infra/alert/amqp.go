// Package alert delivers reconciliation alerts to operators.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"certchain/pkg/domain"
)

var (
	_ domain.Alerter = (*Publisher)(nil)
	_ domain.Alerter = (*LogAlerter)(nil)
)

// Publisher errors.
var (
	ErrPublisherClosed = errors.New("alert publisher closed")
	ErrNacked          = errors.New("alert was nacked by the broker")
	ErrConfirmTimeout  = errors.New("alert confirmation timed out")
)

const (
	defaultConfirmTimeout = 5 * time.Second
	// confirmBuffer leaves room for confirms that arrive after their Alert gave up.
	confirmBuffer = 16
)

// Channel is the subset of *amqp.Channel the publisher needs.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends each alert as a persistent JSON message and waits for the
// broker confirm.
type Publisher struct {
	mu             sync.Mutex
	ch             Channel
	confirms       chan amqp.Confirmation
	exchange       string
	routingKey     string
	confirmTimeout time.Duration
	// published counts successful publishes; it equals the broker's delivery
	// tag of the latest message.
	published uint64
	closed    bool
	closeConn      func() error
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithConfirmTimeout bounds the wait for a broker confirm.
func WithConfirmTimeout(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// NewPublisher puts ch in confirm mode and declares a durable topic exchange.
func NewPublisher(ch Channel, exchange, routingKey string, opts ...PublisherOption) (*Publisher, error) {
	if ch == nil {
		return nil, errors.New("alert: nil channel")
	}
	if exchange == "" {
		return nil, errors.New("alert: exchange required")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("enable confirms: %w", err)
	}
	p := &Publisher{
		ch:             ch,
		confirms:       ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer)),
		exchange:       exchange,
		routingKey:     routingKey,
		confirmTimeout: defaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Dial opens a connection and channel to url and builds a Publisher that
// closes both on Close.
func Dial(url, exchange, routingKey string, opts ...PublisherOption) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	p, err := NewPublisher(ch, exchange, routingKey, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.closeConn = conn.Close
	return p, nil
}

// Alert publishes alert. Publishes are serialized so confirms stay in order.
func (p *Publisher) Alert(ctx context.Context, alert domain.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    alert.At,
		Type:         string(alert.Kind),
		Body:         body,
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	p.published++
	tag := p.published

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()
	for {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				p.closed = true
				return ErrPublisherClosed
			}
			if c.DeliveryTag < tag {
				// Late confirm for an earlier alert that already timed out.
				continue
			}
			if !c.Ack {
				return fmt.Errorf("%w: delivery_tag=%d", ErrNacked, c.DeliveryTag)
			}
			return nil
		case <-timer.C:
			return ErrConfirmTimeout
		case <-ctx.Done():
			return fmt.Errorf("await confirm: %w", ctx.Err())
		}
	}
}

// Close closes the channel and, for dialed publishers, the connection.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && p.ch == nil {
		return nil
	}
	p.closed = true
	err := p.ch.Close()
	p.ch = nil
	if p.closeConn != nil {
		err = errors.Join(err, p.closeConn())
	}
	return err
}
