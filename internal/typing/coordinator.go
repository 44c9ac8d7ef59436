// Package typing broadcasts ephemeral typing indicators. States expire after a
// TTL even when the client never sends a stop.
package typing

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

type RoomDirectory interface {
	RoomMembersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)
	IsRoomMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error)
}

type stateKey struct {
	conv domain.ConversationKey
	user domain.UserID
}

type state struct {
	expiresAt  time.Time
	lastSent   time.Time
	version    uint64
	recipients []domain.UserID
}

type Coordinator struct {
	mu      sync.Mutex
	// emitMu is taken before mu is released so events leave in the order
	// the states changed. Never acquire mu while holding emitMu.
	emitMu  sync.Mutex
	ttl     time.Duration
	states  map[stateKey]*state
	expiry  expiryHeap
	version uint64

	bc     *fanout.Broadcaster
	rooms  RoomDirectory
	logger *slog.Logger
	now    func() time.Time
}

func New(bc *fanout.Broadcaster, rooms RoomDirectory, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Coordinator{
		ttl:    ttl,
		states: make(map[stateKey]*state),
		bc:     bc,
		rooms:  rooms,
		logger: observability.Component(logger, "typing"),
		now:    time.Now,
	}
}

type emission struct {
	recipients []domain.UserID
	event      domain.Event
}

// unlockAndEmit releases mu and broadcasts out.
func (c *Coordinator) unlockAndEmit(out []emission) {
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()
	for _, e := range out {
		if len(e.recipients) > 0 {
			c.bc.ToUsers(e.recipients, e.event)
		}
	}
}

func stopped(k stateKey, recipients []domain.UserID) emission {
	return emission{
		recipients: recipients,
		event: domain.Event{
			Type:    domain.EventUserStoppedTyping,
			Payload: domain.TypingPayload{UserID: k.user, ConversationID: k.conv},
		},
	}
}

// Start marks userID as typing in key for one TTL. Refreshes within half a
// TTL of the last broadcast are not re-broadcast.
func (c *Coordinator) Start(ctx context.Context, userID domain.UserID, key domain.ConversationKey) error {
	recipients, err := c.participants(ctx, userID, key)
	if err != nil {
		return err
	}

	now := c.now()
	k := stateKey{conv: key, user: userID}

	c.mu.Lock()
	c.version++
	st, ok := c.states[k]
	broadcast := !ok || now.Sub(st.lastSent) >= c.ttl/2
	if !ok {
		st = &state{}
		c.states[k] = st
	}
	st.expiresAt = now.Add(c.ttl)
	st.version = c.version
	st.recipients = recipients
	heap.Push(&c.expiry, expiryItem{key: k, expiresAt: st.expiresAt, version: st.version})

	var out []emission
	if broadcast {
		st.lastSent = now
		out = append(out, emission{
			recipients: recipients,
			event: domain.Event{
				Type:    domain.EventUserTyping,
				Payload: domain.TypingPayload{UserID: userID, ConversationID: key},
			},
		})
	}
	c.unlockAndEmit(out)
	return nil
}

// Stop clears the typing state. It is a no-op when none exists.
func (c *Coordinator) Stop(userID domain.UserID, key domain.ConversationKey) {
	k := stateKey{conv: key, user: userID}
	var out []emission
	c.mu.Lock()
	if st, ok := c.states[k]; ok {
		delete(c.states, k)
		out = append(out, stopped(k, st.recipients))
	}
	c.unlockAndEmit(out)
}

// ClearUser stops every typing state held by userID.
func (c *Coordinator) ClearUser(userID domain.UserID) {
	var out []emission
	c.mu.Lock()
	for k, st := range c.states {
		if k.user == userID {
			delete(c.states, k)
			out = append(out, stopped(k, st.recipients))
		}
	}
	c.unlockAndEmit(out)
}

// Sweep expires every state whose deadline is at or before now and returns
// how many expired.
func (c *Coordinator) Sweep(now time.Time) int {
	var out []emission
	c.mu.Lock()
	for c.expiry.Len() > 0 && !c.expiry[0].expiresAt.After(now) {
		item := heap.Pop(&c.expiry).(expiryItem)
		st, ok := c.states[item.key]
		if !ok || st.version != item.version {
			continue
		}
		delete(c.states, item.key)
		out = append(out, stopped(item.key, st.recipients))
	}
	c.unlockAndEmit(out)
	if len(out) > 0 {
		c.logger.Debug("expired typing states", "count", len(out))
	}
	return len(out)
}

// Run sweeps every TTL/2 until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.now())
		}
	}
}

// Active reports whether userID is currently typing in key.
func (c *Coordinator) Active(userID domain.UserID, key domain.ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.states[stateKey{conv: key, user: userID}]
	return ok
}

func (c *Coordinator) participants(ctx context.Context, userID domain.UserID, key domain.ConversationKey) ([]domain.UserID, error) {
	parsed, err := key.Parse()
	if err != nil {
		return nil, err
	}
	if parsed.Kind == domain.RecipientDirect {
		if !parsed.Includes(userID) {
			return nil, fmt.Errorf("%w: user %d is not part of %s", domain.ErrNotAuthorized, userID, key)
		}
		return []domain.UserID{parsed.Other(userID)}, nil
	}

	member, err := c.rooms.IsRoomMember(ctx, userID, parsed.Room)
	if err != nil {
		return nil, fmt.Errorf("%w: check membership: %v", domain.ErrPersistenceFailure, err)
	}
	if !member {
		return nil, fmt.Errorf("%w: user %d is not a member of room %d", domain.ErrNotAuthorized, userID, parsed.Room)
	}
	members, err := c.rooms.RoomMembersOf(ctx, parsed.Room)
	if err != nil {
		return nil, fmt.Errorf("%w: list members: %v", domain.ErrPersistenceFailure, err)
	}
	out := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		if m != userID {
			out = append(out, m)
		}
	}
	return out, nil
}

type expiryItem struct {
	key       stateKey
	expiresAt time.Time
	version   uint64
}

type expiryHeap []expiryItem

func (h expiryHeap) Len() int           { return len(h) }
func (h expiryHeap) Less(i, j int) bool { return h[i].expiresAt.Before(h[j].expiresAt) }
func (h expiryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x any)        { *h = append(*h, x.(expiryItem)) }
func (h *expiryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
