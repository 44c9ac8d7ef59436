package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ConversationKey groups and orders messages of one direct pair or one room.
// Direct keys are "dm:<low>:<high>" so both directions share a key; room keys
// are "room:<id>".
type ConversationKey string

func DirectKey(a, b UserID) ConversationKey {
	if a > b {
		a, b = b, a
	}
	return ConversationKey(fmt.Sprintf("dm:%d:%d", a, b))
}

func RoomKey(id RoomID) ConversationKey {
	return ConversationKey(fmt.Sprintf("room:%d", id))
}

// ParsedKey is the decoded form of a ConversationKey.
type ParsedKey struct {
	Kind  RecipientKind
	Users [2]UserID // direct only, ascending
	Room  RoomID    // room only
}

// Includes reports whether userID is one of the two parties of a direct key.
func (p ParsedKey) Includes(userID UserID) bool {
	return p.Kind == RecipientDirect && (p.Users[0] == userID || p.Users[1] == userID)
}

// Other returns the counterpart of userID in a direct key.
func (p ParsedKey) Other(userID UserID) UserID {
	if p.Users[0] == userID {
		return p.Users[1]
	}
	return p.Users[0]
}

func (k ConversationKey) Parse() (ParsedKey, error) {
	parts := strings.Split(string(k), ":")
	switch {
	case len(parts) == 3 && parts[0] == "dm":
		a, errA := strconv.ParseInt(parts[1], 10, 64)
		b, errB := strconv.ParseInt(parts[2], 10, 64)
		if errA != nil || errB != nil || a > b || a == b {
			break
		}
		return ParsedKey{Kind: RecipientDirect, Users: [2]UserID{UserID(a), UserID(b)}}, nil
	case len(parts) == 2 && parts[0] == "room":
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			break
		}
		return ParsedKey{Kind: RecipientRoom, Room: RoomID(id)}, nil
	}
	return ParsedKey{}, fmt.Errorf("conversation key %q: %w", string(k), ErrInvalidPayload)
}
