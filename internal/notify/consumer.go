package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

const (
	Queue      = "realtime.notifications"
	RoutingKey = "notification.#"
)

// QueueSource opens the notification queue. Satisfied by
// broker.RabbitMQClient.
type QueueSource interface {
	ConsumeQueue(queue, routingKey string) (<-chan amqp.Delivery, error)
}

// Consumer feeds envelopes published by the CRUD app into a Fanout.
type Consumer struct {
	source QueueSource
	fanout *Fanout
	logger *slog.Logger
}

func NewConsumer(source QueueSource, fanout *Fanout, logger *slog.Logger) *Consumer {
	return &Consumer{source: source, fanout: fanout, logger: observability.Component(logger, "notify_consumer")}
}

func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.source.ConsumeQueue(Queue, RoutingKey)
	if err != nil {
		return fmt.Errorf("failed to start notification consumer: %w", err)
	}
	c.logger.Info("notification consumer started", "queue", Queue)
	c.Consume(ctx, msgs)
	return nil
}

// Consume handles deliveries until ctx is done or msgs is closed. Malformed
// bodies are dropped without requeue.
func (c *Consumer) Consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var env domain.NotificationEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		c.logger.Warn("dropping malformed notification", "routing_key", d.RoutingKey, "error", err)
		d.Nack(false, false)
		return
	}
	if err := Validate(&env); err != nil {
		c.logger.Warn("dropping invalid notification", "routing_key", d.RoutingKey, "error", err)
		d.Nack(false, false)
		return
	}
	c.fanout.Deliver(ctx, env)
	d.Ack(false)
}
