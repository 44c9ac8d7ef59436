package presence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

// Repository mirrors live sessions outside the process so other services
// (CRUD app, push workers) can answer "is this user online".
type Repository interface {
	AddSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error
	RemoveSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error
	IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) AddSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	query := `
		INSERT INTO active_sessions (user_id, device_id, node_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET node_id = $3, connected_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, int64(userID), connID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to add session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) RemoveSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	query := `
		DELETE FROM active_sessions
		WHERE user_id = $1 AND device_id = $2 AND node_id = $3
	`
	_, err := r.db.ExecContext(ctx, query, int64(userID), connID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to remove session: %w", err)
	}
	return nil
}

func (r *PostgresRepository) IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM active_sessions WHERE user_id = $1)`
	var exists bool
	err := r.db.QueryRowContext(ctx, query, int64(userID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check if user is online: %w", err)
	}
	return exists, nil
}

// ClearNode removes sessions left behind by a previous run of nodeID.
func (r *PostgresRepository) ClearNode(ctx context.Context, nodeID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM active_sessions WHERE node_id = $1`, nodeID)
	if err != nil {
		return fmt.Errorf("failed to clear node sessions: %w", err)
	}
	return nil
}
