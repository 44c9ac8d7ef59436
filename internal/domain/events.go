package domain

import "time"

// Outbound event names.
const (
	EventAuthenticated     = "authenticated"
	EventAck               = "ack"
	EventError             = "error"
	EventNewDirectMessage  = "new_direct_message"
	EventNewRoomMessage    = "new_room_message"
	EventUserJoinedRoom    = "user_joined_room"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventUserStatusChange  = "user_status_change"
	EventUserOffline       = "user_offline"
	EventIncomingCall      = "incoming_call"
	EventCallAccepted      = "call_accepted"
	EventCallRejected      = "call_rejected"
	EventCallMissed        = "call_missed"
	EventCallEnded         = "call_ended"
	EventCallSignal        = "call_signal"
	EventNewNotification   = "new_notification"
)

// Event is one outbound frame. The transport encodes it as
// {"type": ..., "payload": ...}.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type TypingPayload struct {
	UserID         UserID          `json:"userId"`
	ConversationID ConversationKey `json:"conversationId"`
}

type StatusPayload struct {
	UserID    UserID    `json:"userId"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type RoomJoinPayload struct {
	RoomID RoomID `json:"roomId"`
	UserID UserID `json:"userId"`
}
