package call

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/repository"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/testfixtures"
)

type fixture struct {
	conns   *testfixtures.Connections
	rec     *testfixtures.Recorder
	store   *repository.MemoryStore
	machine *Machine
}

func newFixture(t *testing.T, ringTimeout time.Duration) *fixture {
	t.Helper()
	conns := testfixtures.NewConnections()
	rec := testfixtures.NewRecorder()
	store := repository.NewMemoryStore()
	m := New(fanout.New(conns, rec, nil), store, Options{RingTimeout: ringTimeout, RetainTerminal: time.Minute}, nil, nil)
	t.Cleanup(m.Stop)
	return &fixture{conns: conns, rec: rec, store: store, machine: m}
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

func TestCallScenario(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.conns.Connect(1)
	b := f.conns.Connect(2)
	ctx := context.Background()

	s, err := f.machine.Initiate(ctx, 1, 2, Video)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if s.State != Ringing || s.RingTimeoutAt.Sub(s.CreatedAt) != time.Minute {
		t.Fatalf("unexpected session %+v", s)
	}
	if got := f.rec.Count(b, domain.EventIncomingCall); got != 1 {
		t.Fatalf("expected one incoming_call, got %d", got)
	}

	if _, err := f.machine.Accept(s.ID, 2); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got := f.rec.Count(a, domain.EventCallAccepted); got != 1 {
		t.Fatalf("expected one call_accepted for caller, got %d", got)
	}

	ended, err := f.machine.End(s.ID, 1)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if ended.State != Ended || ended.EndedBy != 1 {
		t.Fatalf("unexpected end state %+v", ended)
	}
	for _, c := range []domain.ConnID{a, b} {
		if got := f.rec.Count(c, domain.EventCallEnded); got != 1 {
			t.Fatalf("expected one call_ended per party, got %d", got)
		}
	}
	if f.machine.ActiveCount() != 0 {
		t.Fatalf("expected no active sessions")
	}
	if _, err := f.machine.End(s.ID, 2); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("expected invalid state for late end, got %v", err)
	}
}

func TestInitiateErrors(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.conns.Connect(1)
	f.conns.Connect(2)
	ctx := context.Background()

	tests := []struct {
		name   string
		callee domain.UserID
		typ    Type
		want   error
	}{
		{"offline callee", 3, Audio, domain.ErrCalleeOffline},
		{"self call", 1, Audio, domain.ErrInvalidPayload},
		{"bad type", 2, "hologram", domain.ErrInvalidPayload},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.machine.Initiate(ctx, 1, tt.callee, tt.typ); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if f.machine.ActiveCount() != 0 {
		t.Fatalf("failed initiates must not create sessions")
	}
}

func TestConcurrentInitiateOneWinner(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.conns.Connect(1)
	f.conns.Connect(2)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]domain.UserID{{1, 2}, {2, 1}} {
		wg.Add(1)
		go func(i int, caller, callee domain.UserID) {
			defer wg.Done()
			_, errs[i] = f.machine.Initiate(ctx, caller, callee, Audio)
		}(i, pair[0], pair[1])
	}
	wg.Wait()

	ok, inProgress := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrCallInProgress):
			inProgress++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || inProgress != 1 {
		t.Fatalf("expected one session and one CallInProgress, got ok=%d inProgress=%d", ok, inProgress)
	}
	if f.machine.ActiveCount() != 1 {
		t.Fatalf("expected exactly one active session")
	}
}

func TestAcceptRejectRace(t *testing.T) {
	for i := 0; i < 50; i++ {
		f := newFixture(t, time.Minute)
		f.conns.Connect(1)
		f.conns.Connect(2)
		s, err := f.machine.Initiate(context.Background(), 1, 2, Audio)
		if err != nil {
			t.Fatalf("Initiate: %v", err)
		}

		var wg sync.WaitGroup
		var acceptErr, rejectErr error
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, acceptErr = f.machine.Accept(s.ID, 2)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, rejectErr = f.machine.Reject(s.ID, 2, "busy")
		}()
		close(start)
		wg.Wait()

		if (acceptErr == nil) == (rejectErr == nil) {
			t.Fatalf("expected exactly one winner, accept=%v reject=%v", acceptErr, rejectErr)
		}
		loser := acceptErr
		if loser == nil {
			loser = rejectErr
		}
		if !errors.Is(loser, domain.ErrInvalidCallState) {
			t.Fatalf("expected loser to see InvalidCallState, got %v", loser)
		}
	}
}

func TestOnlyCalleeMayAnswer(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.conns.Connect(1)
	f.conns.Connect(2)
	s, _ := f.machine.Initiate(context.Background(), 1, 2, Audio)

	if _, err := f.machine.Accept(s.ID, 1); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("caller must not accept, got %v", err)
	}
	if _, err := f.machine.Reject(s.ID, 3, ""); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("stranger must not reject, got %v", err)
	}
	if _, err := f.machine.Accept(uuid.New(), 2); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("unknown call must be invalid, got %v", err)
	}
}

func TestRejectNotifiesCaller(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.conns.Connect(1)
	f.conns.Connect(2)
	s, _ := f.machine.Initiate(context.Background(), 1, 2, Audio)

	if _, err := f.machine.Reject(s.ID, 2, "busy"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	ev, ok := f.rec.Last(a, domain.EventCallRejected)
	if !ok {
		t.Fatalf("expected call_rejected for caller")
	}
	if p := ev.Payload.(Session); p.Reason != "busy" || p.State != Rejected {
		t.Fatalf("unexpected payload %+v", p)
	}
	if _, err := f.machine.Accept(s.ID, 2); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("accept after reject must fail, got %v", err)
	}
}

func TestRingTimeoutMissedOnceThenReinitiate(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	a := f.conns.Connect(1)
	b := f.conns.Connect(2)
	ctx := context.Background()

	s, err := f.machine.Initiate(ctx, 1, 2, Audio)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	waitFor(t, func() bool {
		got, _ := f.machine.Get(s.ID)
		return got.State == Missed
	})
	time.Sleep(50 * time.Millisecond)

	for _, c := range []domain.ConnID{a, b} {
		if got := f.rec.Count(c, domain.EventCallMissed); got != 1 {
			t.Fatalf("expected exactly one call_missed per party, got %d", got)
		}
	}
	if _, err := f.machine.Accept(s.ID, 2); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("accept after miss must fail, got %v", err)
	}
	if _, err := f.machine.Initiate(ctx, 1, 2, Audio); err != nil {
		t.Fatalf("re-initiate after miss: %v", err)
	}
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	f := newFixture(t, 30*time.Millisecond)
	a := f.conns.Connect(1)
	f.conns.Connect(2)
	s, _ := f.machine.Initiate(context.Background(), 1, 2, Audio)
	if _, err := f.machine.Accept(s.ID, 2); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if got := f.rec.Count(a, domain.EventCallMissed); got != 0 {
		t.Fatalf("stale ring timeout fired: %d", got)
	}
	if got, _ := f.machine.Get(s.ID); got.State != Active {
		t.Fatalf("expected call to stay active, got %s", got.State)
	}
}

func TestDisconnectOf(t *testing.T) {
	t.Run("ringing callee declines", func(t *testing.T) {
		f := newFixture(t, time.Minute)
		a := f.conns.Connect(1)
		f.conns.Connect(2)
		s, _ := f.machine.Initiate(context.Background(), 1, 2, Audio)

		f.machine.DisconnectOf(2)
		got, _ := f.machine.Get(s.ID)
		if got.State != Rejected || got.Reason != ReasonDisconnected {
			t.Fatalf("unexpected session %+v", got)
		}
		if f.rec.Count(a, domain.EventCallRejected) != 1 {
			t.Fatalf("expected caller to be told")
		}
	})
	t.Run("caller hangs up", func(t *testing.T) {
		f := newFixture(t, time.Minute)
		f.conns.Connect(1)
		b := f.conns.Connect(2)
		s, _ := f.machine.Initiate(context.Background(), 1, 2, Audio)
		f.machine.Accept(s.ID, 2)

		f.machine.DisconnectOf(1)
		got, _ := f.machine.Get(s.ID)
		if got.State != Ended {
			t.Fatalf("expected ended, got %s", got.State)
		}
		if f.rec.Count(b, domain.EventCallEnded) != 1 {
			t.Fatalf("expected callee to be told")
		}
		if f.machine.ActiveCount() != 0 || len(f.machine.PeersOf(2)) != 0 {
			t.Fatalf("expected no dangling state")
		}
	})
}

func TestRelay(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := f.conns.Connect(1)
	b := f.conns.Connect(2)
	f.conns.Connect(3)
	s, _ := f.machine.Initiate(context.Background(), 1, 2, Video)

	sdp := json.RawMessage(`{"sdp":"v=0"}`)
	if err := f.machine.Relay(s.ID, 1, SignalOffer, sdp); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	ev, ok := f.rec.Last(b, domain.EventCallSignal)
	if !ok {
		t.Fatalf("expected callee to receive the offer")
	}
	if p := ev.Payload.(SignalPayload); p.FromUserID != 1 || p.Kind != SignalOffer || string(p.Payload) != string(sdp) {
		t.Fatalf("unexpected signal %+v", p)
	}
	if f.rec.Count(a, domain.EventCallSignal) != 0 {
		t.Fatalf("sender must not receive its own signal")
	}
	if err := f.machine.Relay(s.ID, 3, SignalAnswer, nil); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected stranger to be refused, got %v", err)
	}
	if err := f.machine.Relay(s.ID, 2, "renegotiate", nil); !errors.Is(err, domain.ErrInvalidPayload) {
		t.Fatalf("expected unknown kind to be refused, got %v", err)
	}
	if got := f.machine.PeersOf(1); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected caller peer 2, got %v", got)
	}
}

func TestRoomCallFirstAccepterWins(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddRoom(9, 1, 2, 3, 4)
	a := f.conns.Connect(1)
	b := f.conns.Connect(2)
	c := f.conns.Connect(3)
	ctx := context.Background()

	s, err := f.machine.InitiateRoom(ctx, 1, 9, Audio)
	if err != nil {
		t.Fatalf("InitiateRoom: %v", err)
	}
	if f.rec.Count(b, domain.EventIncomingCall) != 1 || f.rec.Count(c, domain.EventIncomingCall) != 1 {
		t.Fatalf("expected online members to ring")
	}
	if _, err := f.machine.InitiateRoom(ctx, 2, 9, Audio); !errors.Is(err, domain.ErrCallInProgress) {
		t.Fatalf("expected one call per room, got %v", err)
	}

	if _, err := f.machine.Accept(s.ID, 3); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := f.machine.Accept(s.ID, 2); !errors.Is(err, domain.ErrInvalidCallState) {
		t.Fatalf("second accepter must lose, got %v", err)
	}
	ev, ok := f.rec.Last(b, domain.EventCallEnded)
	if !ok || ev.Payload.(Session).Reason != ReasonAnsweredElsewhere {
		t.Fatalf("expected answered_elsewhere for the other member")
	}
	if f.rec.Count(a, domain.EventCallAccepted) != 1 {
		t.Fatalf("expected caller to see the accept")
	}
	got, _ := f.machine.Get(s.ID)
	if got.CalleeID != 3 || got.State != Active {
		t.Fatalf("unexpected session %+v", got)
	}
}

func TestRoomCallAllDecline(t *testing.T) {
	f := newFixture(t, time.Minute)
	f.store.AddRoom(9, 1, 2, 3)
	a := f.conns.Connect(1)
	f.conns.Connect(2)
	f.conns.Connect(3)
	ctx := context.Background()

	if _, err := f.machine.InitiateRoom(ctx, 4, 9, Audio); !errors.Is(err, domain.ErrNotAuthorized) {
		t.Fatalf("expected non-member to be refused, got %v", err)
	}
	s, err := f.machine.InitiateRoom(ctx, 1, 9, Audio)
	if err != nil {
		t.Fatalf("InitiateRoom: %v", err)
	}
	if _, err := f.machine.Reject(s.ID, 2, ""); err != nil {
		t.Fatalf("first reject: %v", err)
	}
	if got, _ := f.machine.Get(s.ID); got.State != Ringing {
		t.Fatalf("expected call to keep ringing, got %s", got.State)
	}
	if _, err := f.machine.End(s.ID, 3); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	got, _ := f.machine.Get(s.ID)
	if got.State != Rejected {
		t.Fatalf("expected rejected once nobody is left, got %s", got.State)
	}
	if f.rec.Count(a, domain.EventCallRejected) != 1 {
		t.Fatalf("expected caller to be told once")
	}
}
