package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeTopic carries domain events (outbox relay) and notification
	// envelopes produced by the CRUD app.
	ExchangeTopic = "chat.topic"
	// ExchangePush receives messages for recipients that were offline at
	// broadcast time.
	ExchangePush = "chat.push"

	PushQueue = "push_notifications"
)

type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	mu      sync.Mutex
}

func NewRabbitMQClient(url string) (*RabbitMQClient, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(ExchangeTopic, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare topic exchange: %w", err)
	}
	if err := ch.ExchangeDeclare(ExchangePush, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare push exchange: %w", err)
	}

	return &RabbitMQClient{
		conn:    conn,
		channel: ch,
	}, nil
}

// Publish sends body as JSON to the topic exchange.
func (c *RabbitMQClient) Publish(ctx context.Context, routingKey string, body any) error {
	return c.PublishToExchange(ctx, ExchangeTopic, routingKey, body)
}

func (c *RabbitMQClient) PublishToExchange(ctx context.Context, exchange, routingKey string, body any) error {
	bytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal body: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err = c.channel.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         bytes,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", exchange, err)
	}
	return nil
}

// ConsumeQueue declares a durable queue bound to the topic exchange with
// routingKey and consumes it with manual acks.
func (c *RabbitMQClient) ConsumeQueue(queue, routingKey string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.channel.QueueDeclare(queue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := c.channel.QueueBind(q.Name, routingKey, ExchangeTopic, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	msgs, err := c.channel.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer on %s: %w", queue, err)
	}
	return msgs, nil
}

// ConsumePushQueue consumes everything routed to the push exchange.
func (c *RabbitMQClient) ConsumePushQueue() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, err := c.channel.QueueDeclare(PushQueue, true, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to declare push queue: %w", err)
	}
	if err := c.channel.QueueBind(q.Name, "#", ExchangePush, false, nil); err != nil {
		return nil, fmt.Errorf("failed to bind push queue: %w", err)
	}
	return c.channel.Consume(q.Name, "", false, false, false, false, nil)
}

func (c *RabbitMQClient) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
