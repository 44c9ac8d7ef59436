// Package push hands messages for offline recipients to the push exchange and
// drains that exchange towards a device push provider.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/broker"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

// Publisher is the subset of the broker client used by Notifier.
type Publisher interface {
	PublishToExchange(ctx context.Context, exchange, routingKey string, body any) error
}

// Event is the body written to the push exchange.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func routingKey(userID domain.UserID) string {
	return "user." + strconv.FormatInt(int64(userID), 10)
}

// Notifier publishes one push event per offline recipient.
type Notifier struct {
	publisher Publisher
}

func NewNotifier(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher}
}

func (n *Notifier) NotifyOffline(ctx context.Context, userIDs []domain.UserID, msg *domain.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	ev := Event{Type: domain.EventTypeMessageCreated, Payload: payload}
	var errs []error
	for _, id := range userIDs {
		if err := n.publisher.PublishToExchange(ctx, broker.ExchangePush, routingKey(id), ev); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Request is a decoded push job.
type Request struct {
	UserID  domain.UserID
	Message domain.Message
}

// Sender delivers a push to the user's devices.
type Sender interface {
	Send(ctx context.Context, req Request) error
}

// LogSender only logs. Device tokens and providers live in the CRUD app.
type LogSender struct {
	Logger *slog.Logger
}

func (s LogSender) Send(ctx context.Context, req Request) error {
	observability.Component(s.Logger, "push").Info("push queued",
		"user_id", req.UserID,
		"message_id", req.Message.ID,
		"conversation_key", req.Message.ConversationKey,
	)
	return nil
}

var errSkip = errors.New("push: not a message event")

type Worker struct {
	broker *broker.RabbitMQClient
	sender Sender
	logger *slog.Logger
}

func NewWorker(broker *broker.RabbitMQClient, sender Sender, logger *slog.Logger) *Worker {
	return &Worker{
		broker: broker,
		sender: sender,
		logger: observability.Component(logger, "push_worker"),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	msgs, err := w.broker.ConsumePushQueue()
	if err != nil {
		return fmt.Errorf("failed to start push consumer: %w", err)
	}
	w.logger.Info("push worker started", "queue", broker.PushQueue)
	w.Consume(ctx, msgs)
	return nil
}

// Consume handles deliveries until ctx is done or msgs is closed.
func (w *Worker) Consume(ctx context.Context, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	req, err := decode(d)
	if err != nil {
		if !errors.Is(err, errSkip) {
			w.logger.Warn("dropping push delivery", "routing_key", d.RoutingKey, "error", err)
		}
		d.Ack(false)
		return
	}
	if err := w.sender.Send(ctx, req); err != nil {
		w.logger.Error("failed to send push", "user_id", req.UserID, "error", err)
		d.Nack(false, true)
		return
	}
	d.Ack(false)
}

func decode(d amqp.Delivery) (Request, error) {
	var ev Event
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		return Request{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	if ev.Type != domain.EventTypeMessageCreated {
		return Request{}, errSkip
	}
	var msg domain.Message
	if err := json.Unmarshal(ev.Payload, &msg); err != nil {
		return Request{}, fmt.Errorf("failed to unmarshal message payload: %w", err)
	}
	userID, err := recipientOf(d)
	if err != nil {
		return Request{}, err
	}
	return Request{UserID: userID, Message: msg}, nil
}

// recipientOf reads "user.<id>" from the routing key, falling back to the
// original key recorded in x-death for dead-lettered deliveries.
func recipientOf(d amqp.Delivery) (domain.UserID, error) {
	key := d.RoutingKey
	if !strings.HasPrefix(key, "user.") {
		if deaths, ok := d.Headers["x-death"].([]any); ok && len(deaths) > 0 {
			if death, ok := deaths[0].(amqp.Table); ok {
				if keys, ok := death["routing-keys"].([]any); ok && len(keys) > 0 {
					if s, ok := keys[0].(string); ok {
						key = s
					}
				}
			}
		}
	}
	idStr, ok := strings.CutPrefix(key, "user.")
	if !ok {
		return 0, fmt.Errorf("invalid routing key %q", key)
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user in routing key %q", key)
	}
	return domain.UserID(id), nil
}
