package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

const (
	mirrorTimeout = 5 * time.Second
	mirrorBuffer  = 4096
)

type mirrorOp struct {
	connected bool
	userID    domain.UserID
	connID    domain.ConnID
}

// Mirror writes session changes to a Repository from one background
// goroutine, in the order they happened, so a quick connect and disconnect
// can never leave a session behind. Failures are logged; the in-process
// registry stays authoritative.
type Mirror struct {
	repo    Repository
	nodeID  string
	ops     chan mirrorOp
	pending sync.WaitGroup
	logger  *slog.Logger
}

// NewMirror returns nil when repo is nil; a nil *Mirror ignores every call.
func NewMirror(repo Repository, nodeID string, logger *slog.Logger) *Mirror {
	if repo == nil {
		return nil
	}
	m := &Mirror{
		repo:   repo,
		nodeID: nodeID,
		ops:    make(chan mirrorOp, mirrorBuffer),
		logger: observability.Component(logger, "presence_mirror"),
	}
	go m.loop()
	return m
}

func (m *Mirror) Connected(userID domain.UserID, connID domain.ConnID) {
	m.enqueue(mirrorOp{connected: true, userID: userID, connID: connID})
}

func (m *Mirror) Disconnected(userID domain.UserID, connID domain.ConnID) {
	m.enqueue(mirrorOp{userID: userID, connID: connID})
}

func (m *Mirror) enqueue(op mirrorOp) {
	if m == nil {
		return
	}
	m.pending.Add(1)
	m.ops <- op
}

func (m *Mirror) loop() {
	for op := range m.ops {
		m.apply(op)
		m.pending.Done()
	}
}

func (m *Mirror) apply(op mirrorOp) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var err error
	action := "remove session"
	if op.connected {
		action = "add session"
		err = m.repo.AddSession(ctx, op.userID, op.connID, m.nodeID)
	} else {
		err = m.repo.RemoveSession(ctx, op.userID, op.connID, m.nodeID)
	}
	if err != nil {
		m.logger.Warn("failed to "+action, "user_id", op.userID, "conn_id", op.connID, "error", err)
	}
}

// Wait blocks until every queued write has been applied.
func (m *Mirror) Wait() {
	if m == nil {
		return
	}
	m.pending.Wait()
}

// Close drains the queue and stops the writer. No calls may follow.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.Wait()
	close(m.ops)
}
