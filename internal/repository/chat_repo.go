package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/lib/pq"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

//go:embed schema.sql
var Schema string

// Migrate applies the embedded schema. Statements are idempotent.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const memberCacheSize = 10000

type ChatRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
	// members caches recipient lists for fan-out. Membership belongs to the
	// CRUD app, so entries live for memberTTL only; nil disables caching.
	members *expirable.LRU[domain.RoomID, []domain.UserID]
}

// NewChatRepository builds the Postgres store. memberTTL bounds how long a
// room's recipient list is reused; zero reads it on every fan-out.
func NewChatRepository(db *sql.DB, outboxRepo OutboxRepository, memberTTL time.Duration) *ChatRepository {
	r := &ChatRepository{
		db:         db,
		outboxRepo: outboxRepo,
	}
	if memberTTL > 0 {
		r.members = expirable.NewLRU[domain.RoomID, []domain.UserID](memberCacheSize, nil, memberTTL)
	}
	return r
}

func (r *ChatRepository) Invalidate(roomID domain.RoomID) {
	if r.members != nil {
		r.members.Remove(roomID)
	}
}

// PersistMessage stores msg and its MESSAGE_CREATED outbox event in one
// transaction. created_at is assigned by the database and never goes below the
// latest created_at of the same conversation.
func (r *ChatRepository) PersistMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_key, sender_id, recipient_kind, recipient_id, content, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, GREATEST(
			clock_timestamp(),
			COALESCE((SELECT MAX(created_at) FROM messages WHERE conversation_key = $2), clock_timestamp())
		))
		RETURNING created_at
	`, msg.ID, string(msg.ConversationKey), int64(msg.SenderID), string(msg.RecipientKind),
		msg.RecipientID, msg.Content, string(msg.Type)).Scan(&msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}

	event := &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: domain.EventTypeMessageCreated,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return fmt.Errorf("failed to save outbox event: %w", err)
	}

	return tx.Commit()
}

func (r *ChatRepository) RoomMembersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	if r.members != nil {
		if members, ok := r.members.Get(roomID); ok {
			return members, nil
		}
	}

	rows, err := r.db.QueryContext(ctx, `SELECT user_id FROM room_members WHERE room_id = $1`, int64(roomID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room members: %w", err)
	}
	defer rows.Close()

	var members []domain.UserID
	for rows.Next() {
		var userID int64
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		members = append(members, domain.UserID(userID))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read room members: %w", err)
	}

	if r.members != nil {
		r.members.Add(roomID, members)
	}
	return members, nil
}

// IsRoomMember always asks the database: authorization must see removals made
// by the CRUD app immediately.
func (r *ChatRepository) IsRoomMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error) {
	var member bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id = $1 AND user_id = $2)`,
		int64(roomID), int64(userID)).Scan(&member)
	if err != nil {
		return false, fmt.Errorf("failed to check room membership: %w", err)
	}
	return member, nil
}

// JoinRoom adds userID to roomID. Joining twice is not an error: joined
// reports whether a membership row was created.
func (r *ChatRepository) JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT (room_id, user_id) DO NOTHING
	`, int64(roomID), int64(userID))
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23503" {
			return false, fmt.Errorf("room %d: %w", roomID, domain.ErrRecipientUnknown)
		}
		return false, fmt.Errorf("failed to insert room member: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if rowsAffected == 0 {
		return false, nil
	}

	payload, err := json.Marshal(domain.RoomJoinPayload{RoomID: roomID, UserID: userID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal join payload: %w", err)
	}
	event := &domain.OutboxEvent{
		ID:        uuid.New(),
		EventType: domain.EventTypeUserJoined,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
	if err := r.outboxRepo.Save(ctx, tx, event); err != nil {
		return false, fmt.Errorf("failed to save join event: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	r.Invalidate(roomID)
	return true, nil
}

func (r *ChatRepository) UserExists(ctx context.Context, userID domain.UserID) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, int64(userID)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check user: %w", err)
	}
	return exists, nil
}
