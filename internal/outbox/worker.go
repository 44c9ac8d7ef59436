// Package outbox relays events written next to messages in Postgres to the
// message broker.
package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/repository"
)

const defaultBatchSize = 100

// Publisher is satisfied by broker.RabbitMQClient and broker.StreamPublisher.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body any) error
}

// RoutingKey maps an outbox event type to its topic routing key.
func RoutingKey(eventType string) string {
	switch eventType {
	case domain.EventTypeMessageCreated:
		return "chat.message.created"
	case domain.EventTypeUserJoined:
		return "chat.room.user_joined"
	}
	return "chat.event"
}

type Worker struct {
	repo      repository.OutboxRepository
	publisher Publisher
	batchSize int
	metrics   *observability.Metrics
	logger    *slog.Logger
}

func NewWorker(repo repository.OutboxRepository, publisher Publisher, metrics *observability.Metrics, logger *slog.Logger) *Worker {
	return &Worker{
		repo:      repo,
		publisher: publisher,
		batchSize: defaultBatchSize,
		metrics:   metrics,
		logger:    observability.Component(logger, "outbox"),
	}
}

// Start relays a batch every interval until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.logger.Info("outbox relay started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.RelayBatch(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("failed to relay outbox batch", "error", err)
			}
		}
	}
}

// RelayBatch publishes up to one batch of pending events and marks the
// published ones processed. Publishing stops at the first failure so events
// leave in creation order; the rest are retried on the next tick.
func (w *Worker) RelayBatch(ctx context.Context) (int, error) {
	tx, err := w.repo.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := w.repo.FetchPending(ctx, tx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	ids := make([]uuid.UUID, 0, len(events))
	var publishErr error
	for _, ev := range events {
		body := struct {
			ID        uuid.UUID `json:"id"`
			EventType string    `json:"event_type"`
			Payload   any       `json:"payload"`
			CreatedAt time.Time `json:"created_at"`
		}{ev.ID, ev.EventType, ev.Payload, ev.CreatedAt}
		if err := w.publisher.Publish(ctx, RoutingKey(ev.EventType), body); err != nil {
			publishErr = fmt.Errorf("failed to publish event %s: %w", ev.ID, err)
			break
		}
		ids = append(ids, ev.ID)
	}

	if len(ids) > 0 {
		if err := w.repo.MarkProcessed(ctx, tx, ids); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("failed to commit outbox batch: %w", err)
		}
		w.metrics.OutboxPublished(len(ids))
	}
	return len(ids), publishErr
}
