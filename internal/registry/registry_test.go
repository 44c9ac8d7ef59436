package registry

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
)

func startRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	t.Cleanup(cancel)
	return r
}

func sortedIDs(ids []domain.ConnID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	sort.Strings(out)
	return out
}

func TestRegisterUnregister(t *testing.T) {
	r := startRegistry(t)
	a, b := uuid.New(), uuid.New()

	if err := r.Register(1, a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(1, b); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got := r.Count(1); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if user, ok := r.UserOf(b); !ok || user != 1 {
		t.Fatalf("expected %s owned by 1, got %d %v", b, user, ok)
	}

	r.Unregister(a)
	r.Unregister(a)
	r.Unregister(uuid.New())

	conns := r.ConnectionsOf(1)
	if len(conns) != 1 || conns[0] != b {
		t.Fatalf("expected only %s left, got %v", b, conns)
	}
	if _, ok := r.UserOf(a); ok {
		t.Fatalf("expected %s to be gone", a)
	}

	r.Unregister(b)
	if r.ConnectionsOf(1) != nil || r.Online() != 0 {
		t.Fatalf("expected no connections, got %v", r.ConnectionsOf(1))
	}
}

func TestRegisterOwnedByOtherUser(t *testing.T) {
	r := startRegistry(t)
	conn := uuid.New()

	if err := r.Register(1, conn); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(2, conn); !errors.Is(err, ErrConnectionOwned) {
		t.Fatalf("expected ErrConnectionOwned, got %v", err)
	}
	if user, _ := r.UserOf(conn); user != 1 {
		t.Fatalf("expected ownership to stay with 1, got %d", user)
	}
	if r.Count(2) != 0 {
		t.Fatalf("expected user 2 to hold nothing")
	}
}

func TestListenerSeesCountCrossings(t *testing.T) {
	r := New(nil, nil)
	var mu sync.Mutex
	var changes []Change
	r.SetListener(func(c Change) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := uuid.New(), uuid.New()
	_ = r.Register(5, a)
	_ = r.Register(5, b)
	r.Unregister(a)
	r.Unregister(b)
	r.Unregister(b)

	mu.Lock()
	defer mu.Unlock()
	want := []int{1, 2, 1, 0}
	if len(changes) != len(want) {
		t.Fatalf("expected %d changes, got %+v", len(want), changes)
	}
	for i, c := range changes {
		if c.UserID != 5 || c.Connections != want[i] {
			t.Fatalf("change %d: got %+v, want count %d", i, c, want[i])
		}
	}
}

// Random register/unregister sequences must leave ConnectionsOf equal to the
// set of registered-but-not-unregistered ids.
func TestConnectionsOfMatchesModel(t *testing.T) {
	r := startRegistry(t)
	rng := rand.New(rand.NewSource(1))
	model := map[domain.UserID]map[domain.ConnID]struct{}{}
	var live []domain.ConnID
	owner := map[domain.ConnID]domain.UserID{}

	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(3) > 0 {
			user := domain.UserID(rng.Intn(5) + 1)
			conn := uuid.New()
			if err := r.Register(user, conn); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if model[user] == nil {
				model[user] = map[domain.ConnID]struct{}{}
			}
			model[user][conn] = struct{}{}
			owner[conn] = user
			live = append(live, conn)
			continue
		}
		idx := rng.Intn(len(live))
		conn := live[idx]
		live = append(live[:idx], live[idx+1:]...)
		r.Unregister(conn)
		delete(model[owner[conn]], conn)
	}

	for user := domain.UserID(1); user <= 5; user++ {
		var want []domain.ConnID
		for id := range model[user] {
			want = append(want, id)
		}
		got := sortedIDs(r.ConnectionsOf(user))
		exp := sortedIDs(want)
		if len(got) != len(exp) {
			t.Fatalf("user %d: got %d connections, want %d", user, len(got), len(exp))
		}
		for i := range got {
			if got[i] != exp[i] {
				t.Fatalf("user %d: mismatch at %d", user, i)
			}
		}
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := startRegistry(t)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn := uuid.New()
			_ = r.Register(9, conn)
			_ = r.ConnectionsOf(9)
		}()
	}
	wg.Wait()
	if got := r.Count(9); got != 50 {
		t.Fatalf("expected 50 connections, got %d", got)
	}
}

func TestClosedRegistry(t *testing.T) {
	r := New(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	if err := r.Register(1, uuid.New()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}
