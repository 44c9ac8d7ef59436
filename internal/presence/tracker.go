// Package presence derives online/offline status from connection registry
// changes and tells interested peers about transitions.
package presence

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/registry"
)

type State string

const (
	Online  State = "online"
	Offline State = "offline"
)

// Status is the derived presence of one user.
type Status struct {
	UserID     domain.UserID `json:"userId"`
	State      State         `json:"status"`
	LastSeenAt time.Time     `json:"lastSeenAt,omitempty"`
}

// PeerSource names the users that care about a user's presence.
type PeerSource interface {
	PeersOf(userID domain.UserID) []domain.UserID
}

// Counter reports the live connection count of a user.
type Counter interface {
	Count(userID domain.UserID) int
}

type userState struct {
	status   State
	lastSeen time.Time
	timer    *time.Timer
	gen      uint64
}

type Tracker struct {
	mu      sync.Mutex
	users   map[domain.UserID]*userState
	grace   time.Duration
	counter Counter
	bc      *fanout.Broadcaster
	peers   []PeerSource
	logger  *slog.Logger
	now     func() time.Time
}

func NewTracker(counter Counter, bc *fanout.Broadcaster, grace time.Duration, logger *slog.Logger) *Tracker {
	return &Tracker{
		users:   make(map[domain.UserID]*userState),
		grace:   grace,
		counter: counter,
		bc:      bc,
		logger:  observability.Component(logger, "presence"),
		now:     time.Now,
	}
}

// AddPeerSource registers a source of interested peers. Call before traffic
// starts.
func (t *Tracker) AddPeerSource(src PeerSource) {
	t.peers = append(t.peers, src)
}

// OnPresenceChanged consumes registry changes. It never blocks.
func (t *Tracker) OnPresenceChanged(change registry.Change) {
	t.mu.Lock()
	st, ok := t.users[change.UserID]
	if !ok {
		st = &userState{status: Offline}
		t.users[change.UserID] = st
	}

	if change.Connections > 0 {
		st.gen++
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
		if st.status == Online {
			t.mu.Unlock()
			return
		}
		st.status = Online
		t.mu.Unlock()
		t.logger.Debug("user online", "user_id", change.UserID)
		t.announce(change.UserID, Online, change.At)
		return
	}

	if st.status == Online && st.timer == nil {
		st.gen++
		gen := st.gen
		userID := change.UserID
		st.timer = time.AfterFunc(t.grace, func() { t.expire(userID, gen) })
	}
	t.mu.Unlock()
}

func (t *Tracker) expire(userID domain.UserID, gen uint64) {
	t.mu.Lock()
	st, ok := t.users[userID]
	if !ok || st.gen != gen || st.status != Online {
		t.mu.Unlock()
		return
	}
	st.timer = nil
	if t.counter.Count(userID) > 0 {
		t.mu.Unlock()
		return
	}
	now := t.now()
	st.status = Offline
	st.lastSeen = now
	t.mu.Unlock()

	t.logger.Debug("user offline", "user_id", userID)
	t.announce(userID, Offline, now)
}

func (t *Tracker) announce(userID domain.UserID, state State, at time.Time) {
	peers := t.peersOf(userID)
	if len(peers) == 0 {
		return
	}
	payload := domain.StatusPayload{UserID: userID, Status: string(state), Timestamp: at}
	t.bc.ToUsers(peers, domain.Event{Type: domain.EventUserStatusChange, Payload: payload})
	if state == Offline {
		t.bc.ToUsers(peers, domain.Event{Type: domain.EventUserOffline, Payload: payload})
	}
}

func (t *Tracker) peersOf(userID domain.UserID) []domain.UserID {
	var peers []domain.UserID
	for _, src := range t.peers {
		for _, p := range src.PeersOf(userID) {
			if p != userID {
				peers = append(peers, p)
			}
		}
	}
	return peers
}

func (t *Tracker) StatusOf(userID domain.UserID) Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[userID]
	if !ok {
		return Status{UserID: userID, State: Offline}
	}
	return Status{UserID: userID, State: st.status, LastSeenAt: st.lastSeen}
}

// Stop cancels pending offline timers.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, st := range t.users {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
