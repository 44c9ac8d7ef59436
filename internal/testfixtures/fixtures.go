// Package testfixtures provides in-memory doubles shared by package tests.
package testfixtures

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

// Recorder is a fanout.Sink that keeps every event per connection.
type Recorder struct {
	mu     sync.Mutex
	events map[domain.ConnID][]domain.Event
}

func NewRecorder() *Recorder {
	return &Recorder{events: make(map[domain.ConnID][]domain.Event)}
}

func (r *Recorder) Send(conns []domain.ConnID, ev domain.Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		r.events[c] = append(r.events[c], ev)
	}
	return len(conns)
}

// Events returns a copy of the events delivered to conn.
func (r *Recorder) Events(conn domain.ConnID) []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events[conn]))
	copy(out, r.events[conn])
	return out
}

// Count returns how many events of the given type conn received.
func (r *Recorder) Count(conn domain.ConnID, eventType string) int {
	n := 0
	for _, ev := range r.Events(conn) {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// Last returns the most recent event of the given type delivered to conn.
func (r *Recorder) Last(conn domain.ConnID, eventType string) (domain.Event, bool) {
	evs := r.Events(conn)
	for i := len(evs) - 1; i >= 0; i-- {
		if evs[i].Type == eventType {
			return evs[i], true
		}
	}
	return domain.Event{}, false
}

// Total returns the number of events of a type across all connections.
func (r *Recorder) Total(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, evs := range r.events {
		for _, ev := range evs {
			if ev.Type == eventType {
				n++
			}
		}
	}
	return n
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = make(map[domain.ConnID][]domain.Event)
	r.mu.Unlock()
}

// Connections is a synchronous stand-in for the connection registry.
type Connections struct {
	mu     sync.RWMutex
	byUser map[domain.UserID][]domain.ConnID
}

func NewConnections() *Connections {
	return &Connections{byUser: make(map[domain.UserID][]domain.ConnID)}
}

// Connect adds a fresh connection for userID and returns its id.
func (c *Connections) Connect(userID domain.UserID) domain.ConnID {
	id := uuid.New()
	c.mu.Lock()
	c.byUser[userID] = append(c.byUser[userID], id)
	c.mu.Unlock()
	return id
}

// Disconnect removes conn from whichever user holds it.
func (c *Connections) Disconnect(conn domain.ConnID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for user, conns := range c.byUser {
		for i, id := range conns {
			if id == conn {
				c.byUser[user] = append(conns[:i:i], conns[i+1:]...)
				if len(c.byUser[user]) == 0 {
					delete(c.byUser, user)
				}
				return
			}
		}
	}
}

func (c *Connections) ConnectionsOf(userID domain.UserID) []domain.ConnID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conns := c.byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]domain.ConnID, len(conns))
	copy(out, conns)
	return out
}

func (c *Connections) Count(userID domain.UserID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byUser[userID])
}
