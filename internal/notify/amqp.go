package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// DepositExchange is the topic exchange deposit events are published to.
const DepositExchange = "deposit_events"

type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQPPublisher publishes notifications to a RabbitMQ topic exchange using
// the notification kind as routing key.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string

	mu       sync.Mutex
	channel  amqpChannel
	reopen   func() (amqpChannel, error)
	declared bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if idx := strings.Index(strings.ToLower(clean), "amqp"); idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("parse AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQPPublisher dials amqpURL with a bounded timeout.
func NewAMQPPublisher(amqpURL string) (*AMQPPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	p := newAMQPPublisher(ch, func() (amqpChannel, error) { return conn.Channel() })
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch amqpChannel, reopen func() (amqpChannel, error)) *AMQPPublisher {
	return &AMQPPublisher{exchange: DepositExchange, channel: ch, reopen: reopen}
}

// Notify publishes n as JSON. A failed publish reopens the channel and retries once.
func (p *AMQPPublisher) Notify(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.publishLocked(ctx, string(n.Kind), body)
	if err == nil {
		return nil
	}
	slog.Warn("Publish failed, reopening channel", "exchange", p.exchange, "routing_key", string(n.Kind), "error", err)

	if p.reopen == nil {
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	ch, chErr := p.reopen()
	if chErr != nil {
		return fmt.Errorf("reopen channel: %w", chErr)
	}
	_ = p.channel.Close()
	p.channel = ch
	p.declared = false

	if err := p.publishLocked(ctx, string(n.Kind), body); err != nil {
		return fmt.Errorf("publish %s: %w", n.Kind, err)
	}
	return nil
}

func (p *AMQPPublisher) publishLocked(ctx context.Context, routingKey string, body []byte) error {
	if !p.declared {
		if err := p.channel.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange: %w", err)
		}
		p.declared = true
	}
	return p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
