package router

import (
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

const defaultRecentCapacity = 50000

// recentIndex remembers direct-message peers per user. Entries expire after
// window of inactivity; the least recently active users are evicted when the
// index is full.
type recentIndex struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	users  *expirable.LRU[domain.UserID, map[domain.UserID]time.Time]
}

func newRecentIndex(capacity int, window time.Duration) *recentIndex {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &recentIndex{
		window: window,
		now:    time.Now,
		users:  expirable.NewLRU[domain.UserID, map[domain.UserID]time.Time](capacity, nil, window),
	}
}

func (x *recentIndex) touch(a, b domain.UserID, at time.Time) {
	if at.IsZero() {
		at = x.now()
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.add(a, b, at)
	x.add(b, a, at)
}

func (x *recentIndex) add(user, peer domain.UserID, at time.Time) {
	peers, ok := x.users.Get(user)
	if !ok {
		peers = make(map[domain.UserID]time.Time)
	}
	peers[peer] = at
	// Re-adding refreshes the entry's expiry.
	x.users.Add(user, peers)
}

func (x *recentIndex) peersOf(user domain.UserID) []domain.UserID {
	x.mu.Lock()
	defer x.mu.Unlock()
	peers, ok := x.users.Peek(user)
	if !ok {
		return nil
	}
	cutoff := x.now().Add(-x.window)
	out := make([]domain.UserID, 0, len(peers))
	for p, at := range peers {
		if at.Before(cutoff) {
			delete(peers, p)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
