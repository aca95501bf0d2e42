package rabbitmq

import (
	"fmt"
	"log"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Consumer struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(amqpURL string) (*Consumer, error) {
	conn, err := dial(amqpURL)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(10, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	return &Consumer{conn: conn, ch: ch}, nil
}

// ConsumeWithBindings binds queueName to exchange for each routing key and dispatches
// deliveries to the matching handler. A handler returning false re-queues the message.
func (c *Consumer) ConsumeWithBindings(exchange, queueName string, bindings map[string]func([]byte) bool) error {
	if len(bindings) == 0 {
		return fmt.Errorf("no bindings provided")
	}

	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}

	handlers := make(map[string]func([]byte) bool)
	for routingKey, handler := range bindings {
		if handler == nil {
			continue
		}
		handlers[routingKey] = handler
		if err := c.ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
			return err
		}
	}

	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			handler, ok := handlers[d.RoutingKey]
			if !ok {
				log.Printf("level=warn component=rabbitmq_consumer routing_key=%s msg=\"no handler; acknowledging to drop\"", d.RoutingKey)
				d.Ack(false)
				continue
			}
			if handler(d.Body) {
				d.Ack(false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer routing_key=%s msg=\"handler failed; re-queuing\"", d.RoutingKey)
				d.Nack(false, true)
			}
		}
		log.Printf("level=warn component=rabbitmq_consumer queue=%s msg=\"delivery channel closed\"", q.Name)
	}()

	return nil
}

// Healthy reports whether the broker connection is still open.
func (c *Consumer) Healthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
