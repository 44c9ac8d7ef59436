// Package call runs the call signaling state machine: ringing, then accepted,
// rejected or missed, then ended.
package call

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

type Type string

const (
	Audio Type = "audio"
	Video Type = "video"
)

type State string

const (
	Ringing  State = "ringing"
	Active   State = "active"
	Rejected State = "rejected"
	Missed   State = "missed"
	Ended    State = "ended"
)

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == Rejected || s == Missed || s == Ended
}

// End reasons carried on terminal events.
const (
	ReasonHangup            = "hangup"
	ReasonDeclined          = "declined"
	ReasonDisconnected      = "disconnected"
	ReasonTimeout           = "timeout"
	ReasonAnsweredElsewhere = "answered_elsewhere"
)

// Session is the externally visible snapshot of a call.
type Session struct {
	ID            uuid.UUID     `json:"callId"`
	CallerID      domain.UserID `json:"callerId"`
	CalleeID      domain.UserID `json:"calleeId,omitempty"`
	RoomID        domain.RoomID `json:"roomId,omitempty"`
	Type          Type          `json:"callType"`
	State         State         `json:"state"`
	CreatedAt     time.Time     `json:"createdAt"`
	RingTimeoutAt time.Time     `json:"ringTimeoutAt"`
	AnsweredAt    *time.Time    `json:"answeredAt,omitempty"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	EndedBy       domain.UserID `json:"endedBy,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// SignalKind is the WebRTC negotiation step carried by call_signal.
type SignalKind string

const (
	SignalOffer        SignalKind = "offer"
	SignalAnswer       SignalKind = "answer"
	SignalICECandidate SignalKind = "ice_candidate"
)

func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalICECandidate
}

type SignalPayload struct {
	CallID     uuid.UUID       `json:"callId"`
	FromUserID domain.UserID   `json:"fromUserId"`
	Kind       SignalKind      `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func parseType(t Type) (Type, error) {
	switch t {
	case Audio, Video:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown call type %q", domain.ErrInvalidPayload, t)
}

// session is the owned record. Fields are guarded by Machine.mu.
type session struct {
	Session
	key      string
	invitees map[domain.UserID]struct{} // room calls while ringing
	timer    *time.Timer
}

func (s *session) isRoom() bool { return s.RoomID != 0 }

// participants lists everyone who should hear about a transition.
func (s *session) participants() []domain.UserID {
	out := []domain.UserID{s.CallerID}
	if s.CalleeID != 0 {
		out = append(out, s.CalleeID)
	}
	if s.State == Ringing {
		for id := range s.invitees {
			out = append(out, id)
		}
	}
	return out
}

func (s *session) involves(userID domain.UserID) bool {
	if s.CallerID == userID || s.CalleeID == userID {
		return true
	}
	_, ok := s.invitees[userID]
	return s.State == Ringing && ok
}

// counterparts lists the other side of the call as seen from userID.
func (s *session) counterparts(userID domain.UserID) []domain.UserID {
	if userID == s.CallerID {
		if s.CalleeID != 0 {
			return []domain.UserID{s.CalleeID}
		}
		out := make([]domain.UserID, 0, len(s.invitees))
		for id := range s.invitees {
			out = append(out, id)
		}
		return out
	}
	return []domain.UserID{s.CallerID}
}

func pairKey(a, b domain.UserID) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("pair:%d:%d", a, b)
}

func roomKey(id domain.RoomID) string {
	return fmt.Sprintf("room:%d", id)
}
