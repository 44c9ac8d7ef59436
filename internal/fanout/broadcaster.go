// Package fanout resolves users to their live connections and hands events to
// the transport.
package fanout

import (
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

// Sink delivers one event to a set of connections. The websocket hub is the
// production sink; a broker-backed sink could replace it for multi-process
// deployments.
type Sink interface {
	Send(conns []domain.ConnID, ev domain.Event) int
}

// Connections is the read side of the connection registry.
type Connections interface {
	ConnectionsOf(userID domain.UserID) []domain.ConnID
}

type Broadcaster struct {
	conns   Connections
	sink    Sink
	metrics *observability.Metrics
}

func New(conns Connections, sink Sink, metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{conns: conns, sink: sink, metrics: metrics}
}

// ToUser sends ev to every live connection of userID and returns how many
// connections accepted it.
func (b *Broadcaster) ToUser(userID domain.UserID, ev domain.Event) int {
	conns := b.conns.ConnectionsOf(userID)
	if len(conns) == 0 {
		return 0
	}
	n := b.sink.Send(conns, ev)
	b.metrics.EventEmitted(ev.Type, n)
	return n
}

// ToUsers sends ev to every listed user, skipping duplicates.
func (b *Broadcaster) ToUsers(userIDs []domain.UserID, ev domain.Event) int {
	seen := make(map[domain.UserID]struct{}, len(userIDs))
	var conns []domain.ConnID
	for _, id := range userIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		conns = append(conns, b.conns.ConnectionsOf(id)...)
	}
	if len(conns) == 0 {
		return 0
	}
	n := b.sink.Send(conns, ev)
	b.metrics.EventEmitted(ev.Type, n)
	return n
}

// IsOnline reports whether userID holds at least one connection.
func (b *Broadcaster) IsOnline(userID domain.UserID) bool {
	return len(b.conns.ConnectionsOf(userID)) > 0
}
