package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UserID identifies a platform account. Identities come from the auth token.
type UserID int64

// RoomID identifies a community room.
type RoomID int64

// ConnID identifies one live transport session (a browser tab or device).
type ConnID = uuid.UUID

type RecipientKind string

const (
	RecipientDirect RecipientKind = "direct"
	RecipientRoom   RecipientKind = "room"
)

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageAudio  MessageType = "audio"
	MessageVideo  MessageType = "video"
	MessageSystem MessageType = "system"
)

// Valid reports whether t is one of the supported message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageAudio, MessageVideo, MessageSystem:
		return true
	}
	return false
}

type ConnectionRecord struct {
	ConnID      ConnID    `json:"connectionId"`
	UserID      UserID    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

type Message struct {
	ID              uuid.UUID       `json:"id"`
	ConversationKey ConversationKey `json:"conversationId"`
	SenderID        UserID          `json:"senderId"`
	RecipientKind   RecipientKind   `json:"recipientKind"`
	RecipientID     int64           `json:"recipientId"`
	Content         string          `json:"content"`
	Type            MessageType     `json:"type"`
	CreatedAt       time.Time       `json:"createdAt"`
}

type NotificationEnvelope struct {
	ID        uuid.UUID       `json:"id"`
	UserID    UserID          `json:"userId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	EventTypeMessageCreated = "MESSAGE_CREATED"
	EventTypeUserJoined     = "USER_JOINED"
)
