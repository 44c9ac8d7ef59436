// Package router validates, persists and fans out direct and room messages.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

// MessageStore persists a message and assigns its CreatedAt.
type MessageStore interface {
	PersistMessage(ctx context.Context, msg *domain.Message) error
}

// RoomDirectory resolves room membership.
type RoomDirectory interface {
	RoomMembersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)
	IsRoomMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error)
	JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error)
}

type UserDirectory interface {
	UserExists(ctx context.Context, userID domain.UserID) (bool, error)
}

// OfflineNotifier is told about recipients that had no live connection when a
// message was broadcast.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, userIDs []domain.UserID, msg *domain.Message) error
}

type Options struct {
	MaxMessageLength int
	RecentWindow     time.Duration
	RecentCapacity   int
}

type Router struct {
	store   MessageStore
	rooms   RoomDirectory
	users   UserDirectory
	bc      *fanout.Broadcaster
	offline OfflineNotifier
	recent  *recentIndex
	locks   *keyedMutex
	maxLen  int
	metrics *observability.Metrics
	logger  *slog.Logger
}

func New(store MessageStore, rooms RoomDirectory, users UserDirectory, bc *fanout.Broadcaster, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Router {
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = 4000
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 24 * time.Hour
	}
	return &Router{
		store:   store,
		rooms:   rooms,
		users:   users,
		bc:      bc,
		recent:  newRecentIndex(opts.RecentCapacity, opts.RecentWindow),
		locks:   newKeyedMutex(),
		maxLen:  opts.MaxMessageLength,
		metrics: metrics,
		logger:  observability.Component(logger, "router"),
	}
}

// SetOfflineNotifier enables offline hand-off. Call before traffic starts.
func (r *Router) SetOfflineNotifier(n OfflineNotifier) {
	r.offline = n
}

func (r *Router) validate(senderID domain.UserID, content string, msgType domain.MessageType) (string, domain.MessageType, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", "", fmt.Errorf("%w: content is empty", domain.ErrInvalidPayload)
	}
	if utf8.RuneCountInString(content) > r.maxLen {
		return "", "", fmt.Errorf("%w: content exceeds %d characters", domain.ErrInvalidPayload, r.maxLen)
	}
	if msgType == "" {
		msgType = domain.MessageText
	}
	if !msgType.Valid() {
		return "", "", fmt.Errorf("%w: unknown message type %q", domain.ErrInvalidPayload, msgType)
	}
	if !r.bc.IsOnline(senderID) {
		return "", "", fmt.Errorf("%w: sender %d is not connected", domain.ErrNotAuthorized, senderID)
	}
	return content, msgType, nil
}

// SendDirect persists a direct message and delivers it to every live
// connection of the recipient.
func (r *Router) SendDirect(ctx context.Context, senderID, recipientID domain.UserID, content string, msgType domain.MessageType) (*domain.Message, error) {
	content, msgType, err := r.validate(senderID, content, msgType)
	if err != nil {
		r.metrics.MessageRouted(string(domain.RecipientDirect), false)
		return nil, err
	}
	if recipientID <= 0 || recipientID == senderID {
		r.metrics.MessageRouted(string(domain.RecipientDirect), false)
		return nil, fmt.Errorf("%w: invalid recipient %d", domain.ErrInvalidPayload, recipientID)
	}
	exists, err := r.users.UserExists(ctx, recipientID)
	if err != nil {
		r.metrics.MessageRouted(string(domain.RecipientDirect), false)
		return nil, fmt.Errorf("%w: resolve recipient: %v", domain.ErrPersistenceFailure, err)
	}
	if !exists {
		r.metrics.MessageRouted(string(domain.RecipientDirect), false)
		return nil, fmt.Errorf("%w: user %d", domain.ErrRecipientUnknown, recipientID)
	}

	msg := &domain.Message{
		ID:              uuid.New(),
		ConversationKey: domain.DirectKey(senderID, recipientID),
		SenderID:        senderID,
		RecipientKind:   domain.RecipientDirect,
		RecipientID:     int64(recipientID),
		Content:         content,
		Type:            msgType,
	}

	unlock := r.locks.Lock(string(msg.ConversationKey))
	defer unlock()

	if err := r.persist(ctx, msg); err != nil {
		return nil, err
	}
	delivered := r.bc.ToUser(recipientID, domain.Event{Type: domain.EventNewDirectMessage, Payload: msg})
	r.recent.touch(senderID, recipientID, msg.CreatedAt)
	r.metrics.MessageRouted(string(domain.RecipientDirect), true)

	if delivered == 0 {
		r.notifyOffline(ctx, []domain.UserID{recipientID}, msg)
	}
	return msg, nil
}

// SendRoom persists a room message and delivers it to every member except the
// sender.
func (r *Router) SendRoom(ctx context.Context, senderID domain.UserID, roomID domain.RoomID, content string, msgType domain.MessageType) (*domain.Message, error) {
	content, msgType, err := r.validate(senderID, content, msgType)
	if err != nil {
		r.metrics.MessageRouted(string(domain.RecipientRoom), false)
		return nil, err
	}
	if roomID <= 0 {
		r.metrics.MessageRouted(string(domain.RecipientRoom), false)
		return nil, fmt.Errorf("%w: invalid room %d", domain.ErrInvalidPayload, roomID)
	}
	member, err := r.rooms.IsRoomMember(ctx, senderID, roomID)
	if err != nil {
		r.metrics.MessageRouted(string(domain.RecipientRoom), false)
		return nil, fmt.Errorf("%w: check membership: %v", domain.ErrPersistenceFailure, err)
	}
	if !member {
		r.metrics.MessageRouted(string(domain.RecipientRoom), false)
		return nil, fmt.Errorf("%w: user %d is not a member of room %d", domain.ErrNotAuthorized, senderID, roomID)
	}

	msg := &domain.Message{
		ID:              uuid.New(),
		ConversationKey: domain.RoomKey(roomID),
		SenderID:        senderID,
		RecipientKind:   domain.RecipientRoom,
		RecipientID:     int64(roomID),
		Content:         content,
		Type:            msgType,
	}

	unlock := r.locks.Lock(string(msg.ConversationKey))
	defer unlock()

	if err := r.persist(ctx, msg); err != nil {
		return nil, err
	}
	members, err := r.rooms.RoomMembersOf(ctx, roomID)
	if err != nil {
		// Persisted but not fanned out; members catch up from the store.
		r.logger.Error("failed to resolve room members after persist", "room_id", roomID, "message_id", msg.ID, "error", err)
		r.metrics.MessageRouted(string(domain.RecipientRoom), true)
		return msg, nil
	}

	ev := domain.Event{Type: domain.EventNewRoomMessage, Payload: msg}
	var offline []domain.UserID
	for _, m := range members {
		if m == senderID {
			continue
		}
		if r.bc.ToUser(m, ev) == 0 {
			offline = append(offline, m)
		}
	}
	r.metrics.MessageRouted(string(domain.RecipientRoom), true)
	r.notifyOffline(ctx, offline, msg)
	return msg, nil
}

func (r *Router) persist(ctx context.Context, msg *domain.Message) error {
	if err := r.store.PersistMessage(ctx, msg); err != nil {
		r.metrics.MessageRouted(string(msg.RecipientKind), false)
		r.logger.Error("failed to persist message", "conversation_key", msg.ConversationKey, "sender_id", msg.SenderID, "error", err)
		if errors.Is(err, domain.ErrRecipientUnknown) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return nil
}

func (r *Router) notifyOffline(ctx context.Context, userIDs []domain.UserID, msg *domain.Message) {
	if r.offline == nil || len(userIDs) == 0 {
		return
	}
	if err := r.offline.NotifyOffline(ctx, userIDs, msg); err != nil {
		r.logger.Warn("failed to hand off offline recipients", "message_id", msg.ID, "recipients", len(userIDs), "error", err)
	}
}

// JoinRoom adds userID to roomID. Joining as an existing member succeeds with
// joined=false and emits nothing.
func (r *Router) JoinRoom(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error) {
	if roomID <= 0 {
		return false, fmt.Errorf("%w: invalid room %d", domain.ErrInvalidPayload, roomID)
	}
	joined, err := r.rooms.JoinRoom(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrRecipientUnknown) {
			return false, err
		}
		return false, fmt.Errorf("%w: join room: %v", domain.ErrPersistenceFailure, err)
	}
	if !joined {
		return false, nil
	}
	members, err := r.rooms.RoomMembersOf(ctx, roomID)
	if err != nil {
		r.logger.Warn("failed to resolve room members after join", "room_id", roomID, "error", err)
		return true, nil
	}
	others := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		if m != userID {
			others = append(others, m)
		}
	}
	r.bc.ToUsers(others, domain.Event{
		Type:    domain.EventUserJoinedRoom,
		Payload: domain.RoomJoinPayload{RoomID: roomID, UserID: userID},
	})
	r.logger.Info("user joined room", "room_id", roomID, "user_id", userID)
	return true, nil
}

// PeersOf lists users that exchanged a direct message with userID inside the
// recent window.
func (r *Router) PeersOf(userID domain.UserID) []domain.UserID {
	return r.recent.peersOf(userID)
}
