package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/fanout"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
)

type RoomDirectory interface {
	RoomMembersOf(ctx context.Context, roomID domain.RoomID) ([]domain.UserID, error)
	IsRoomMember(ctx context.Context, userID domain.UserID, roomID domain.RoomID) (bool, error)
}

type Options struct {
	RingTimeout time.Duration
	// RetainTerminal keeps finished sessions around so late transitions are
	// answered with ErrInvalidCallState instead of an unknown call.
	RetainTerminal time.Duration
}

// Machine owns every call session. All transitions run under one mutex, so
// racing transitions on a call have exactly one winner; events are emitted
// after the mutex is released.
type Machine struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
	active   map[string]uuid.UUID

	ringTimeout time.Duration
	retain      time.Duration
	bc          *fanout.Broadcaster
	rooms       RoomDirectory
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

func New(bc *fanout.Broadcaster, rooms RoomDirectory, opts Options, metrics *observability.Metrics, logger *slog.Logger) *Machine {
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 30 * time.Second
	}
	if opts.RetainTerminal <= 0 {
		opts.RetainTerminal = time.Minute
	}
	return &Machine{
		sessions:    make(map[uuid.UUID]*session),
		active:      make(map[string]uuid.UUID),
		ringTimeout: opts.RingTimeout,
		retain:      opts.RetainTerminal,
		bc:          bc,
		rooms:       rooms,
		metrics:     metrics,
		logger:      observability.Component(logger, "call"),
		now:         time.Now,
	}
}

type emission struct {
	to []domain.UserID
	ev domain.Event
}

func (m *Machine) emit(out []emission) {
	for _, e := range out {
		m.bc.ToUsers(e.to, e.ev)
	}
}

func event(eventType string, s Session) domain.Event {
	return domain.Event{Type: eventType, Payload: s}
}

// Initiate rings every live connection of calleeID.
func (m *Machine) Initiate(ctx context.Context, callerID, calleeID domain.UserID, callType Type) (Session, error) {
	callType, err := parseType(callType)
	if err != nil {
		return Session{}, err
	}
	if calleeID <= 0 || calleeID == callerID {
		return Session{}, fmt.Errorf("%w: invalid callee %d", domain.ErrInvalidPayload, calleeID)
	}
	if !m.bc.IsOnline(calleeID) {
		return Session{}, fmt.Errorf("%w: user %d", domain.ErrCalleeOffline, calleeID)
	}

	m.mu.Lock()
	key := pairKey(callerID, calleeID)
	if id, ok := m.active[key]; ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: call %s", domain.ErrCallInProgress, id)
	}
	s := m.open(key, callerID, callType)
	s.CalleeID = calleeID
	snap := s.Session
	m.mu.Unlock()

	m.logger.Info("call initiated", "call_id", snap.ID, "caller_id", callerID, "callee_id", calleeID, "type", callType)
	m.emit([]emission{{to: []domain.UserID{calleeID}, ev: event(domain.EventIncomingCall, snap)}})
	return snap, nil
}

// InitiateRoom rings every online member of roomID except the caller. The
// first member to accept becomes the callee.
func (m *Machine) InitiateRoom(ctx context.Context, callerID domain.UserID, roomID domain.RoomID, callType Type) (Session, error) {
	callType, err := parseType(callType)
	if err != nil {
		return Session{}, err
	}
	if roomID <= 0 {
		return Session{}, fmt.Errorf("%w: invalid room %d", domain.ErrInvalidPayload, roomID)
	}
	member, err := m.rooms.IsRoomMember(ctx, callerID, roomID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: check membership: %v", domain.ErrPersistenceFailure, err)
	}
	if !member {
		return Session{}, fmt.Errorf("%w: user %d is not a member of room %d", domain.ErrNotAuthorized, callerID, roomID)
	}
	members, err := m.rooms.RoomMembersOf(ctx, roomID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: list members: %v", domain.ErrPersistenceFailure, err)
	}
	invitees := make(map[domain.UserID]struct{})
	var ring []domain.UserID
	for _, id := range members {
		if id != callerID && m.bc.IsOnline(id) {
			invitees[id] = struct{}{}
			ring = append(ring, id)
		}
	}
	if len(ring) == 0 {
		return Session{}, fmt.Errorf("%w: nobody in room %d is online", domain.ErrCalleeOffline, roomID)
	}

	m.mu.Lock()
	key := roomKey(roomID)
	if id, ok := m.active[key]; ok {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: call %s", domain.ErrCallInProgress, id)
	}
	s := m.open(key, callerID, callType)
	s.RoomID = roomID
	s.invitees = invitees
	snap := s.Session
	m.mu.Unlock()

	m.logger.Info("room call initiated", "call_id", snap.ID, "caller_id", callerID, "room_id", roomID, "invitees", len(ring))
	m.emit([]emission{{to: ring, ev: event(domain.EventIncomingCall, snap)}})
	return snap, nil
}

// open creates a ringing session. Caller holds m.mu.
func (m *Machine) open(key string, callerID domain.UserID, callType Type) *session {
	now := m.now()
	s := &session{
		Session: Session{
			ID:            uuid.New(),
			CallerID:      callerID,
			Type:          callType,
			State:         Ringing,
			CreatedAt:     now,
			RingTimeoutAt: now.Add(m.ringTimeout),
		},
		key: key,
	}
	m.sessions[s.ID] = s
	m.active[key] = s.ID
	id := s.ID
	s.timer = time.AfterFunc(m.ringTimeout, func() { m.ringExpired(id) })
	m.metrics.CallTransition(string(Ringing))
	return s
}

func (m *Machine) lookup(callID uuid.UUID) (*session, error) {
	s, ok := m.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown call %s", domain.ErrInvalidCallState, callID)
	}
	return s, nil
}

// Accept answers a ringing call. Only the callee (or, for room calls, an
// invited member) may accept.
func (m *Machine) Accept(callID uuid.UUID, byUserID domain.UserID) (Session, error) {
	m.mu.Lock()
	s, err := m.lookup(callID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	if s.State != Ringing {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: call %s is %s", domain.ErrInvalidCallState, callID, s.State)
	}
	var elsewhere []domain.UserID
	if s.isRoom() {
		if _, ok := s.invitees[byUserID]; !ok {
			m.mu.Unlock()
			return Session{}, fmt.Errorf("%w: user %d was not invited", domain.ErrInvalidCallState, byUserID)
		}
		for id := range s.invitees {
			if id != byUserID {
				elsewhere = append(elsewhere, id)
			}
		}
		s.CalleeID = byUserID
		s.invitees = nil
	} else if s.CalleeID != byUserID {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: only the callee may accept", domain.ErrInvalidCallState)
	}

	s.timer.Stop()
	now := m.now()
	s.State = Active
	s.AnsweredAt = &now
	snap := s.Session
	m.mu.Unlock()

	m.metrics.CallTransition(string(Active))
	m.logger.Info("call accepted", "call_id", callID, "callee_id", byUserID)

	out := []emission{{to: []domain.UserID{snap.CallerID, snap.CalleeID}, ev: event(domain.EventCallAccepted, snap)}}
	if len(elsewhere) > 0 {
		ended := snap
		ended.Reason = ReasonAnsweredElsewhere
		out = append(out, emission{to: elsewhere, ev: event(domain.EventCallEnded, ended)})
	}
	m.emit(out)
	return snap, nil
}

// Reject declines a ringing call. For room calls it withdraws one invitee;
// the session is rejected once nobody is left to answer.
func (m *Machine) Reject(callID uuid.UUID, byUserID domain.UserID, reason string) (Session, error) {
	m.mu.Lock()
	s, err := m.lookup(callID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	out, err := m.reject(s, byUserID, reason)
	snap := s.Session
	m.mu.Unlock()
	if err != nil {
		return Session{}, err
	}
	m.emit(out)
	return snap, nil
}

// reject runs under m.mu.
func (m *Machine) reject(s *session, byUserID domain.UserID, reason string) ([]emission, error) {
	if s.State != Ringing {
		return nil, fmt.Errorf("%w: call %s is %s", domain.ErrInvalidCallState, s.ID, s.State)
	}
	if reason == "" {
		reason = ReasonDeclined
	}
	if s.isRoom() {
		if _, ok := s.invitees[byUserID]; !ok {
			return nil, fmt.Errorf("%w: user %d was not invited", domain.ErrInvalidCallState, byUserID)
		}
		delete(s.invitees, byUserID)
		if len(s.invitees) > 0 {
			declined := s.Session
			declined.Reason = reason
			declined.EndedBy = byUserID
			return []emission{{to: []domain.UserID{byUserID}, ev: event(domain.EventCallEnded, declined)}}, nil
		}
		recipients := []domain.UserID{s.CallerID, byUserID}
		m.finish(s, Rejected, byUserID, reason)
		return []emission{{to: recipients, ev: event(domain.EventCallRejected, s.Session)}}, nil
	}
	if s.CalleeID != byUserID {
		return nil, fmt.Errorf("%w: only the callee may reject", domain.ErrInvalidCallState)
	}
	m.finish(s, Rejected, byUserID, reason)
	return []emission{{to: []domain.UserID{s.CallerID, s.CalleeID}, ev: event(domain.EventCallRejected, s.Session)}}, nil
}

// End hangs up a ringing or active call. Either party may end it; an invited
// room member ending a ringing call declines it.
func (m *Machine) End(callID uuid.UUID, byUserID domain.UserID) (Session, error) {
	m.mu.Lock()
	s, err := m.lookup(callID)
	if err != nil {
		m.mu.Unlock()
		return Session{}, err
	}
	out, err := m.end(s, byUserID, ReasonHangup)
	snap := s.Session
	m.mu.Unlock()
	if err != nil {
		return Session{}, err
	}
	m.emit(out)
	return snap, nil
}

// end runs under m.mu.
func (m *Machine) end(s *session, byUserID domain.UserID, reason string) ([]emission, error) {
	if s.State.Terminal() {
		return nil, fmt.Errorf("%w: call %s is %s", domain.ErrInvalidCallState, s.ID, s.State)
	}
	if !s.involves(byUserID) {
		return nil, fmt.Errorf("%w: user %d is not a participant", domain.ErrInvalidCallState, byUserID)
	}
	if s.isRoom() && s.State == Ringing && byUserID != s.CallerID {
		if reason == ReasonHangup {
			reason = ReasonDeclined
		}
		return m.reject(s, byUserID, reason)
	}
	recipients := s.participants()
	m.finish(s, Ended, byUserID, reason)
	return []emission{{to: recipients, ev: event(domain.EventCallEnded, s.Session)}}, nil
}

func (m *Machine) ringExpired(callID uuid.UUID) {
	m.mu.Lock()
	s, ok := m.sessions[callID]
	if !ok || s.State != Ringing {
		m.mu.Unlock()
		return
	}
	recipients := s.participants()
	m.finish(s, Missed, 0, ReasonTimeout)
	snap := s.Session
	m.mu.Unlock()

	m.logger.Info("call missed", "call_id", callID, "caller_id", snap.CallerID)
	m.emit([]emission{{to: recipients, ev: event(domain.EventCallMissed, snap)}})
}

// finish moves s to a terminal state, frees its pair slot and schedules the
// record for removal. Caller holds m.mu.
func (m *Machine) finish(s *session, state State, by domain.UserID, reason string) {
	if s.timer != nil {
		s.timer.Stop()
	}
	now := m.now()
	s.State = state
	s.EndedAt = &now
	s.EndedBy = by
	s.Reason = reason
	s.invitees = nil
	if m.active[s.key] == s.ID {
		delete(m.active, s.key)
	}
	id := s.ID
	time.AfterFunc(m.retain, func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	})
	m.metrics.CallTransition(string(state))
}

// DisconnectOf resolves every live call of userID after the user lost its
// last connection: callers and active callees hang up, ringing callees
// decline.
func (m *Machine) DisconnectOf(userID domain.UserID) {
	var out []emission
	m.mu.Lock()
	for _, s := range m.sessions {
		if s.State.Terminal() || !s.involves(userID) {
			continue
		}
		var (
			evs []emission
			err error
		)
		if s.State == Ringing && userID != s.CallerID {
			evs, err = m.reject(s, userID, ReasonDisconnected)
		} else {
			evs, err = m.end(s, userID, ReasonDisconnected)
		}
		if err != nil {
			m.logger.Warn("failed to resolve call on disconnect", "call_id", s.ID, "user_id", userID, "error", err)
			continue
		}
		out = append(out, evs...)
	}
	m.mu.Unlock()
	m.emit(out)
}

// Relay forwards a WebRTC negotiation message to the other side of a live
// call.
func (m *Machine) Relay(callID uuid.UUID, fromUserID domain.UserID, kind SignalKind, payload json.RawMessage) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: unknown signal kind %q", domain.ErrInvalidPayload, kind)
	}
	m.mu.Lock()
	s, err := m.lookup(callID)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if s.State.Terminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: call %s is %s", domain.ErrInvalidCallState, callID, s.State)
	}
	if !s.involves(fromUserID) {
		m.mu.Unlock()
		return fmt.Errorf("%w: user %d is not a participant", domain.ErrNotAuthorized, fromUserID)
	}
	to := s.counterparts(fromUserID)
	m.mu.Unlock()

	m.emit([]emission{{to: to, ev: domain.Event{
		Type:    domain.EventCallSignal,
		Payload: SignalPayload{CallID: callID, FromUserID: fromUserID, Kind: kind, Payload: payload},
	}}})
	return nil
}

// PeersOf lists users sharing a live call with userID.
func (m *Machine) PeersOf(userID domain.UserID) []domain.UserID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.UserID
	for _, s := range m.sessions {
		if s.State.Terminal() || !s.involves(userID) {
			continue
		}
		out = append(out, s.counterparts(userID)...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Get returns a snapshot of a known session.
func (m *Machine) Get(callID uuid.UUID) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return s.Session, true
}

// ActiveCount returns the number of non-terminal sessions.
func (m *Machine) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Stop cancels pending ring timers.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}
