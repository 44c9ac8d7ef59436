// Package notify pushes finished notification envelopes to a user's live
// connections.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

type Fanout struct {
	bc      *fanout.Broadcaster
	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(bc *fanout.Broadcaster, metrics *observability.Metrics, logger *slog.Logger) *Fanout {
	return &Fanout{bc: bc, metrics: metrics, logger: observability.Component(logger, "notify")}
}

// Validate checks an envelope received from outside the process and fills
// defaults.
func Validate(env *domain.NotificationEnvelope) error {
	if env.UserID <= 0 {
		return fmt.Errorf("%w: missing userId", domain.ErrInvalidPayload)
	}
	if env.Type == "" {
		return fmt.Errorf("%w: missing type", domain.ErrInvalidPayload)
	}
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	return nil
}

// Deliver sends new_notification to every live connection of env.UserID and
// returns how many connections took it. A user with no connections is not an
// error; the envelope stays readable through the CRUD API.
func (f *Fanout) Deliver(ctx context.Context, env domain.NotificationEnvelope) int {
	n := f.bc.ToUser(env.UserID, domain.Event{Type: domain.EventNewNotification, Payload: env})
	f.metrics.NotificationDelivered(n)
	f.logger.Debug("notification delivered", "notification_id", env.ID, "user_id", env.UserID, "connections", n)
	return n
}
