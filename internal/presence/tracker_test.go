package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/registry"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/testfixtures"
)

type staticPeers map[domain.UserID][]domain.UserID

func (s staticPeers) PeersOf(userID domain.UserID) []domain.UserID { return s[userID] }

type harness struct {
	conns   *testfixtures.Connections
	rec     *testfixtures.Recorder
	tracker *Tracker
}

func newHarness(grace time.Duration, peers staticPeers) *harness {
	conns := testfixtures.NewConnections()
	rec := testfixtures.NewRecorder()
	tracker := NewTracker(conns, fanout.New(conns, rec, nil), grace, nil)
	tracker.AddPeerSource(peers)
	return &harness{conns: conns, rec: rec, tracker: tracker}
}

// connect mimics the registry: mutate the connection set, then notify.
func (h *harness) connect(userID domain.UserID) domain.ConnID {
	id := h.conns.Connect(userID)
	h.tracker.OnPresenceChanged(registry.Change{UserID: userID, Connections: h.conns.Count(userID), At: time.Now()})
	return id
}

func (h *harness) disconnect(userID domain.UserID, conn domain.ConnID) {
	h.conns.Disconnect(conn)
	h.tracker.OnPresenceChanged(registry.Change{UserID: userID, Connections: h.conns.Count(userID), At: time.Now()})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestTrackerOnlineGoesToPeersOnly(t *testing.T) {
	h := newHarness(20*time.Millisecond, staticPeers{1: {2}})
	peer := h.conns.Connect(2)
	stranger := h.conns.Connect(3)

	h.connect(1)

	if got := h.rec.Count(peer, domain.EventUserStatusChange); got != 1 {
		t.Fatalf("expected peer to receive 1 status change, got %d", got)
	}
	if got := h.rec.Count(stranger, domain.EventUserStatusChange); got != 0 {
		t.Fatalf("expected no global broadcast, got %d", got)
	}
	ev, _ := h.rec.Last(peer, domain.EventUserStatusChange)
	if p := ev.Payload.(domain.StatusPayload); p.Status != "online" || p.UserID != 1 {
		t.Fatalf("unexpected payload %+v", p)
	}
	if h.tracker.StatusOf(1).State != Online {
		t.Fatalf("expected user 1 online")
	}
}

func TestTrackerSecondDeviceIsSilent(t *testing.T) {
	h := newHarness(20*time.Millisecond, staticPeers{1: {2}})
	peer := h.conns.Connect(2)

	first := h.connect(1)
	h.connect(1)
	h.disconnect(1, first)

	time.Sleep(60 * time.Millisecond)
	if got := h.rec.Count(peer, domain.EventUserStatusChange); got != 1 {
		t.Fatalf("expected only the initial online event, got %d", got)
	}
	if h.tracker.StatusOf(1).State != Online {
		t.Fatalf("expected user to stay online with one device left")
	}
}

func TestTrackerGraceWindowAbsorbsReconnect(t *testing.T) {
	h := newHarness(80*time.Millisecond, staticPeers{1: {2}})
	peer := h.conns.Connect(2)

	conn := h.connect(1)
	h.disconnect(1, conn)
	time.Sleep(10 * time.Millisecond)
	h.connect(1)

	time.Sleep(150 * time.Millisecond)
	if got := h.rec.Count(peer, domain.EventUserOffline); got != 0 {
		t.Fatalf("expected reconnect inside grace to suppress offline, got %d", got)
	}
	if got := h.rec.Count(peer, domain.EventUserStatusChange); got != 1 {
		t.Fatalf("expected a single online event, got %d", got)
	}
}

func TestTrackerOfflineAfterGrace(t *testing.T) {
	h := newHarness(20*time.Millisecond, staticPeers{1: {2}})
	peer := h.conns.Connect(2)

	conn := h.connect(1)
	h.disconnect(1, conn)

	if h.tracker.StatusOf(1).State != Online {
		t.Fatalf("expected user to stay online during grace")
	}
	waitFor(t, func() bool { return h.tracker.StatusOf(1).State == Offline })

	if got := h.rec.Count(peer, domain.EventUserOffline); got != 1 {
		t.Fatalf("expected exactly one user_offline, got %d", got)
	}
	if got := h.rec.Count(peer, domain.EventUserStatusChange); got != 2 {
		t.Fatalf("expected online then offline status changes, got %d", got)
	}
	if h.tracker.StatusOf(1).LastSeenAt.IsZero() {
		t.Fatalf("expected last seen to be recorded")
	}
}

func TestTrackerUnknownUserIsOffline(t *testing.T) {
	h := newHarness(time.Second, nil)
	if st := h.tracker.StatusOf(42); st.State != Offline || !st.LastSeenAt.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}
}

type flakyRepo struct {
	mu      sync.Mutex
	added   []domain.ConnID
	removed []domain.ConnID
}

func (f *flakyRepo) AddSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, connID)
	return nil
}

func (f *flakyRepo) RemoveSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, connID)
	return errors.New("unreachable")
}

func (f *flakyRepo) IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	return false, nil
}

func TestMirrorToleratesFailures(t *testing.T) {
	repo := &flakyRepo{}
	m := NewMirror(repo, "node-1", nil)
	conn := uuid.New()

	m.Connected(1, conn)
	m.Disconnected(1, conn)
	m.Wait()

	if len(repo.added) != 1 || len(repo.removed) != 1 {
		t.Fatalf("expected both writes attempted, got %+v", repo)
	}

	var nilMirror *Mirror
	nilMirror.Connected(1, conn)
	nilMirror.Wait()
	if NewMirror(nil, "node", nil) != nil {
		t.Fatalf("expected nil mirror without repository")
	}
}

// slowAddRepo tracks live sessions and is slow to add them.
type slowAddRepo struct {
	mu     sync.Mutex
	live   map[domain.ConnID]bool
	writes []string
}

func (r *slowAddRepo) AddSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[connID] = true
	r.writes = append(r.writes, "add")
	return nil
}

func (r *slowAddRepo) RemoveSession(ctx context.Context, userID domain.UserID, connID domain.ConnID, nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, connID)
	r.writes = append(r.writes, "remove")
	return nil
}

func (r *slowAddRepo) IsUserOnline(ctx context.Context, userID domain.UserID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live) > 0, nil
}

func TestMirrorKeepsWriteOrder(t *testing.T) {
	repo := &slowAddRepo{live: make(map[domain.ConnID]bool)}
	m := NewMirror(repo, "node-1", nil)
	defer m.Close()
	conn := uuid.New()

	m.Connected(1, conn)
	m.Disconnected(1, conn)
	m.Wait()

	online, _ := repo.IsUserOnline(context.Background(), 1)
	if online {
		t.Fatalf("expected no session after connect then disconnect, writes %v", repo.writes)
	}
	if len(repo.writes) != 2 || repo.writes[0] != "add" || repo.writes[1] != "remove" {
		t.Fatalf("expected add then remove, got %v", repo.writes)
	}
}

func TestPostgresRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	repo := NewPostgresRepository(db)
	conn := uuid.New()
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO active_sessions").
		WithArgs(int64(1), sqlmock.AnyArg(), "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("DELETE FROM active_sessions").
		WithArgs(int64(1), sqlmock.AnyArg(), "node-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM active_sessions WHERE node_id").
		WithArgs("node-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := repo.AddSession(ctx, 1, conn, "node-1"); err != nil {
		t.Fatalf("AddSession: %v", err)
	}
	online, err := repo.IsUserOnline(ctx, 1)
	if err != nil || !online {
		t.Fatalf("expected online, got %v %v", online, err)
	}
	if err := repo.RemoveSession(ctx, 1, conn, "node-1"); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if err := repo.ClearNode(ctx, "node-1"); err != nil {
		t.Fatalf("ClearNode: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
