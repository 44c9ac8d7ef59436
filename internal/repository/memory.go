package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

// MemoryStore is an in-process message store, room directory and user
// directory. It backs STORAGE_BACKEND=memory and the package tests.
type MemoryStore struct {
	mu       sync.Mutex
	users    map[domain.UserID]struct{}
	rooms    map[domain.RoomID]map[domain.UserID]struct{}
	messages map[domain.ConversationKey][]domain.Message
	now      func() time.Time

	// Open makes the directory accept any positive user id and creates rooms
	// on first join. Used for local development without the CRUD database.
	Open bool
	// PersistErr, when set, fails every PersistMessage call.
	PersistErr error
	// BeforePersist runs before a message is stored, outside the lock.
	BeforePersist func(*domain.Message)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[domain.UserID]struct{}),
		rooms:    make(map[domain.RoomID]map[domain.UserID]struct{}),
		messages: make(map[domain.ConversationKey][]domain.Message),
		now:      time.Now,
	}
}

func (s *MemoryStore) AddUsers(ids ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.users[id] = struct{}{}
	}
}

// AddRoom creates roomID (if needed) with the given members.
func (s *MemoryStore) AddRoom(roomID domain.RoomID, members ...domain.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms[roomID] == nil {
		s.rooms[roomID] = make(map[domain.UserID]struct{})
	}
	for _, m := range members {
		s.rooms[roomID][m] = struct{}{}
		s.users[m] = struct{}{}
	}
}

func (s *MemoryStore) PersistMessage(ctx context.Context, msg *domain.Message) error {
	if s.BeforePersist != nil {
		s.BeforePersist(msg)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PersistErr != nil {
		return s.PersistErr
	}

	created := s.now()
	if prev := s.messages[msg.ConversationKey]; len(prev) > 0 {
		if last := prev[len(prev)-1].CreatedAt; created.Before(last) {
			created = last
		}
	}
	msg.CreatedAt = created
	s.messages[msg.ConversationKey] = append(s.messages[msg.ConversationKey], *msg)
	return nil
}

// Messages returns the stored messages of key in persistence order.
func (s *MemoryStore) Messages(key domain.ConversationKey) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages[key]))
	copy(out, s.messages[key])
	return out
}

func (s *MemoryStore) RoomMembersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]domain.UserID, 0, len(s.rooms[roomID]))
	for m := range s.rooms[roomID] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return members, nil
}

func (s *MemoryStore) IsRoomMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID][userID]
	return ok, nil
}

func (s *MemoryStore) JoinRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members, ok := s.rooms[roomID]
	if !ok {
		if !s.Open {
			return false, domain.ErrRecipientUnknown
		}
		members = make(map[domain.UserID]struct{})
		s.rooms[roomID] = members
	}
	if _, ok := members[userID]; ok {
		return false, nil
	}
	members[userID] = struct{}{}
	return true, nil
}

func (s *MemoryStore) UserExists(ctx context.Context, userID domain.UserID) (bool, error) {
	if userID <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Open {
		return true, nil
	}
	_, ok := s.users[userID]
	return ok, nil
}
