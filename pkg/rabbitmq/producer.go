/**
 * @description
 * This package provides a producer and a consumer for RabbitMQ. The producer publishes
 * JSON messages to durable topic exchanges and reopens its channel once when a publish
 * fails.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	declared map[string]bool
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

func dial(amqpURL string) (*amqp091.Connection, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	// Use a bounded dial timeout so startup does not hang indefinitely
	return amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch, declared: make(map[string]bool)}, nil
}

// Healthy reports whether the underlying connection is still open.
func (p *EventProducer) Healthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed()
}

func (p *EventProducer) reopenChannel() error {
	if p.conn == nil || p.conn.IsClosed() {
		return amqp091.ErrClosed
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	if p.channel != nil {
		p.channel.Close()
	}
	p.channel = ch
	p.declared = make(map[string]bool)
	return nil
}

func (p *EventProducer) declareExchange(exchange string) error {
	if p.declared[exchange] {
		return nil
	}
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	p.declared[exchange] = true
	return nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	publish := func() error {
		if err := p.declareExchange(exchange); err != nil {
			return err
		}
		return p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Timestamp:    time.Now(),
			Body:         jsonBody,
		})
	}

	if err = publish(); err == nil {
		return nil
	}
	log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)

	// One-shot retry on a fresh channel.
	if chErr := p.reopenChannel(); chErr != nil {
		return err
	}
	return publish()
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
