package ws

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/auth"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/call"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

// Inbound frame types.
const (
	FrameAuthenticate      = "authenticate"
	FrameLogout            = "logout"
	FrameSendDirectMessage = "send_direct_message"
	FrameSendRoomMessage   = "send_room_message"
	FrameJoinRoom          = "join_room"
	FrameTypingStart       = "typing_start"
	FrameTypingStop        = "typing_stop"
	FrameInitiateCall      = "initiate_call"
	FrameAcceptCall        = "accept_call"
	FrameRejectCall        = "reject_call"
	FrameEndCall           = "end_call"
	FrameCallSignal        = "call_signal"
)

type inFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorFrame(requestID string, err error, msg string) outFrame {
	if msg == "" {
		msg = err.Error()
	}
	return outFrame{Type: domain.EventError, RequestID: requestID, Payload: errorPayload{Code: domain.Code(err), Message: msg}}
}

type authPayload struct {
	Token string `json:"token"`
}

type authenticatedPayload struct {
	UserID       domain.UserID `json:"userId"`
	Role         string        `json:"role"`
	ConnectionID domain.ConnID `json:"connectionId"`
}

type sendPayload struct {
	ReceiverID domain.UserID      `json:"receiverId"`
	RoomID     domain.RoomID      `json:"roomId"`
	Content    string             `json:"content"`
	Type       domain.MessageType `json:"type"`
}

type roomPayload struct {
	RoomID domain.RoomID `json:"roomId"`
}

type joinedPayload struct {
	RoomID domain.RoomID `json:"roomId"`
	Joined bool          `json:"joined"`
}

type typingPayload struct {
	ReceiverID     domain.UserID          `json:"receiverId"`
	RoomID         domain.RoomID          `json:"roomId"`
	ConversationID domain.ConversationKey `json:"conversationId"`
}

type callPayload struct {
	CalleeID domain.UserID   `json:"calleeId"`
	RoomID   domain.RoomID   `json:"roomId"`
	CallType call.Type       `json:"callType"`
	CallID   uuid.UUID       `json:"callId"`
	Reason   string          `json:"reason"`
	Kind     call.SignalKind `json:"kind"`
	Payload  json.RawMessage `json:"payload"`
}

// dispatcher routes inbound frames to the components.
type dispatcher struct {
	hub      *Hub
	verifier *auth.Verifier
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return v, nil
}

// handle processes one frame and reports whether the connection should close.
func (d *dispatcher) handle(c *Client, f inFrame) (stop bool) {
	if f.Type == FrameAuthenticate {
		return d.authenticate(c, f)
	}
	if !c.authed {
		c.reply(errorFrame(f.RequestID, domain.ErrUnauthenticated, "authenticate first"))
		return false
	}
	if f.Type == FrameLogout {
		c.reply(outFrame{Type: domain.EventAck, RequestID: f.RequestID})
		return true
	}

	result, err := d.dispatch(c, f)
	if err != nil {
		if domain.Code(err) == "INTERNAL" {
			c.logger.Error("frame failed", "type", f.Type, "error", err)
			c.reply(errorFrame(f.RequestID, err, "internal error"))
		} else {
			c.reply(errorFrame(f.RequestID, err, ""))
		}
		return false
	}
	c.reply(outFrame{Type: domain.EventAck, RequestID: f.RequestID, Payload: result})
	return false
}

func (d *dispatcher) authenticate(c *Client, f inFrame) bool {
	if c.authed {
		c.reply(errorFrame(f.RequestID, domain.ErrInvalidPayload, "already authenticated"))
		return false
	}
	p, err := decode[authPayload](f.Payload)
	if err != nil || p.Token == "" {
		c.reply(errorFrame(f.RequestID, domain.ErrUnauthenticated, "missing token"))
		return true
	}
	return d.login(c, f.RequestID, p.Token)
}

// login verifies token, registers the client and reports whether the
// connection should close.
func (d *dispatcher) login(c *Client, requestID, token string) bool {
	identity, err := d.verifier.Verify(token)
	if err != nil {
		c.logger.Info("authentication failed", "error", err)
		c.reply(errorFrame(requestID, domain.ErrUnauthenticated, "invalid token"))
		return true
	}
	if err := c.authenticate(identity); err != nil {
		c.logger.Error("failed to register connection", "error", err)
		c.reply(errorFrame(requestID, err, "registration failed"))
		return true
	}
	c.reply(outFrame{
		Type:      domain.EventAuthenticated,
		RequestID: requestID,
		Payload:   authenticatedPayload{UserID: identity.UserID, Role: identity.Role, ConnectionID: c.id},
	})
	return false
}

func (d *dispatcher) dispatch(c *Client, f inFrame) (any, error) {
	h := d.hub.handlers
	ctx := c.ctx
	switch f.Type {
	case FrameSendDirectMessage:
		p, err := decode[sendPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		return h.Router.SendDirect(ctx, c.userID, p.ReceiverID, p.Content, p.Type)

	case FrameSendRoomMessage:
		p, err := decode[sendPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		return h.Router.SendRoom(ctx, c.userID, p.RoomID, p.Content, p.Type)

	case FrameJoinRoom:
		p, err := decode[roomPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		joined, err := h.Router.JoinRoom(ctx, c.userID, p.RoomID)
		if err != nil {
			return nil, err
		}
		return joinedPayload{RoomID: p.RoomID, Joined: joined}, nil

	case FrameTypingStart, FrameTypingStop:
		p, err := decode[typingPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		key, err := typingKey(c.userID, p)
		if err != nil {
			return nil, err
		}
		if f.Type == FrameTypingStop {
			h.Typing.Stop(c.userID, key)
			return nil, nil
		}
		return nil, h.Typing.Start(ctx, c.userID, key)

	case FrameInitiateCall:
		p, err := decode[callPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		if p.RoomID != 0 {
			return h.Calls.InitiateRoom(ctx, c.userID, p.RoomID, p.CallType)
		}
		return h.Calls.Initiate(ctx, c.userID, p.CalleeID, p.CallType)

	case FrameAcceptCall, FrameRejectCall, FrameEndCall:
		p, err := decode[callPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		if p.CallID == uuid.Nil {
			return nil, fmt.Errorf("%w: missing callId", domain.ErrInvalidPayload)
		}
		switch f.Type {
		case FrameAcceptCall:
			return h.Calls.Accept(p.CallID, c.userID)
		case FrameRejectCall:
			return h.Calls.Reject(p.CallID, c.userID, p.Reason)
		default:
			return h.Calls.End(p.CallID, c.userID)
		}

	case FrameCallSignal:
		p, err := decode[callPayload](f.Payload)
		if err != nil {
			return nil, err
		}
		return nil, h.Calls.Relay(p.CallID, c.userID, p.Kind, p.Payload)
	}
	return nil, fmt.Errorf("%w: unknown frame type %q", domain.ErrInvalidPayload, f.Type)
}

// typingKey resolves the conversation a typing frame refers to. Explicit
// receiver or room ids win over a client-supplied conversation id.
func typingKey(userID domain.UserID, p typingPayload) (domain.ConversationKey, error) {
	switch {
	case p.RoomID > 0:
		return domain.RoomKey(p.RoomID), nil
	case p.ReceiverID > 0:
		if p.ReceiverID == userID {
			return "", fmt.Errorf("%w: cannot type to yourself", domain.ErrInvalidPayload)
		}
		return domain.DirectKey(userID, p.ReceiverID), nil
	case p.ConversationID != "":
		return p.ConversationID, nil
	}
	return "", fmt.Errorf("%w: typing frame needs receiverId, roomId or conversationId", domain.ErrInvalidPayload)
}
