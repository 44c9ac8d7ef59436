// Package registry tracks which live connections each user holds.
//
// All mutations are applied by a single owner goroutine (Run); readers load an
// immutable snapshot and never block on writers.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

var (
	// ErrConnectionOwned is returned when a connection id is already bound to
	// a different user.
	ErrConnectionOwned = errors.New("registry: connection owned by another user")
	ErrClosed          = errors.New("registry: closed")
)

// Change is emitted after every mutation that alters a user's connection set.
type Change struct {
	UserID      domain.UserID
	Connections int
	At          time.Time
}

type Listener func(Change)

type opKind int

const (
	opRegister opKind = iota
	opUnregister
)

type op struct {
	kind   opKind
	userID domain.UserID
	connID domain.ConnID
	reply  chan error
}

type snapshot struct {
	byUser map[domain.UserID][]domain.ConnID
	byConn map[domain.ConnID]domain.ConnectionRecord
}

type Registry struct {
	ops      chan op
	done     chan struct{}
	snap     atomic.Pointer[snapshot]
	listener Listener
	logger   *slog.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

func New(logger *slog.Logger, metrics *observability.Metrics) *Registry {
	r := &Registry{
		ops:     make(chan op),
		done:    make(chan struct{}),
		logger:  observability.Component(logger, "registry"),
		metrics: metrics,
		now:     time.Now,
	}
	r.snap.Store(&snapshot{
		byUser: map[domain.UserID][]domain.ConnID{},
		byConn: map[domain.ConnID]domain.ConnectionRecord{},
	})
	return r
}

// SetListener installs the presence-changed consumer. It must be called before
// Run and is invoked on the owner goroutine, so it must not block.
func (r *Registry) SetListener(l Listener) {
	r.listener = l
}

// Run applies mutations until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-r.ops:
			var err error
			switch o.kind {
			case opRegister:
				err = r.applyRegister(o.userID, o.connID)
			case opUnregister:
				r.applyUnregister(o.connID)
			}
			o.reply <- err
		}
	}
}

func (r *Registry) submit(o op) error {
	o.reply = make(chan error, 1)
	select {
	case r.ops <- o:
	case <-r.done:
		return ErrClosed
	}
	return <-o.reply
}

// Register binds connID to userID.
func (r *Registry) Register(userID domain.UserID, connID domain.ConnID) error {
	return r.submit(op{kind: opRegister, userID: userID, connID: connID})
}

// Unregister removes connID. Unknown ids are ignored.
func (r *Registry) Unregister(connID domain.ConnID) {
	_ = r.submit(op{kind: opUnregister, connID: connID})
}

func (r *Registry) ConnectionsOf(userID domain.UserID) []domain.ConnID {
	conns := r.snap.Load().byUser[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]domain.ConnID, len(conns))
	copy(out, conns)
	return out
}

func (r *Registry) Count(userID domain.UserID) int {
	return len(r.snap.Load().byUser[userID])
}

func (r *Registry) UserOf(connID domain.ConnID) (domain.UserID, bool) {
	rec, ok := r.snap.Load().byConn[connID]
	return rec.UserID, ok
}

// Online returns the number of users with at least one connection.
func (r *Registry) Online() int {
	return len(r.snap.Load().byUser)
}

func (r *Registry) applyRegister(userID domain.UserID, connID domain.ConnID) error {
	cur := r.snap.Load()
	if rec, ok := cur.byConn[connID]; ok {
		if rec.UserID != userID {
			r.logger.Warn("connection already registered to another user",
				"conn_id", connID, "user_id", userID, "owner_id", rec.UserID)
			return ErrConnectionOwned
		}
		return nil
	}

	next := cur.clone()
	next.byConn[connID] = domain.ConnectionRecord{ConnID: connID, UserID: userID, ConnectedAt: r.now()}
	conns := make([]domain.ConnID, 0, len(cur.byUser[userID])+1)
	conns = append(conns, cur.byUser[userID]...)
	next.byUser[userID] = append(conns, connID)
	r.publish(next, userID)
	return nil
}

func (r *Registry) applyUnregister(connID domain.ConnID) {
	cur := r.snap.Load()
	rec, ok := cur.byConn[connID]
	if !ok {
		return
	}

	next := cur.clone()
	delete(next.byConn, connID)
	remaining := make([]domain.ConnID, 0, len(cur.byUser[rec.UserID]))
	for _, id := range cur.byUser[rec.UserID] {
		if id != connID {
			remaining = append(remaining, id)
		}
	}
	if len(remaining) == 0 {
		delete(next.byUser, rec.UserID)
	} else {
		next.byUser[rec.UserID] = remaining
	}
	r.publish(next, rec.UserID)
}

func (r *Registry) publish(next *snapshot, userID domain.UserID) {
	r.snap.Store(next)
	r.metrics.SetConnections(len(next.byConn))
	r.metrics.SetUsersOnline(len(next.byUser))
	if r.listener != nil {
		r.listener(Change{UserID: userID, Connections: len(next.byUser[userID]), At: r.now()})
	}
}

// clone copies the outer maps; per-user slices are shared and never mutated.
func (s *snapshot) clone() *snapshot {
	next := &snapshot{
		byUser: make(map[domain.UserID][]domain.ConnID, len(s.byUser)+1),
		byConn: make(map[domain.ConnID]domain.ConnectionRecord, len(s.byConn)+1),
	}
	for k, v := range s.byUser {
		next.byUser[k] = v
	}
	for k, v := range s.byConn {
		next.byConn[k] = v
	}
	return next
}
