package callsession

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrNotReady means the signaling handle is not installed yet (token
	// exchange has not completed or failed); every call action is refused.
	ErrNotReady = errors.New("signaling client not ready")
	// ErrBusy means another slot already holds a session.
	ErrBusy = errors.New("another call is already in progress")
	// ErrNoSuchCall means the referenced slot is empty or holds a
	// different call than expected.
	ErrNoSuchCall = errors.New("no such call")
)

const transitionLogCap = 128

// Transition is one entry of the store's bounded event log. Every mutation
// of the slots goes through the store and leaves exactly one entry.
type Transition struct {
	At     time.Time `json:"at"`
	Op     string    `json:"op"` // set, promote, clear
	Slot   string    `json:"slot"`
	CallID string    `json:"call_id"`
	Reason string    `json:"reason,omitempty"`
}

// Store holds the three mutually exclusive session slots plus the signaling
// client handle. It is the single source of truth: every other component
// reads and writes call state through it, and every handler re-reads current
// slot contents here at invocation time instead of trusting captured state.
//
// One mutex serializes all transitions. The original implementation ran on a
// single event-loop thread; the lock reproduces that ordering while network
// calls happen outside it, so each transition re-validates slot identity.
type Store struct {
	mu       sync.Mutex
	client   SignalingClient
	incoming *CallSession
	outgoing *CallSession
	active   *CallSession
	log      []Transition

	nowFn    func() time.Time
	onChange func(Snapshot)
}

func NewStore() *Store {
	return &Store{nowFn: time.Now}
}

// OnChange registers the callback invoked (outside the store lock) after
// every slot mutation. Used by the UI push layer.
func (s *Store) OnChange(fn func(Snapshot)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

func (s *Store) installClient(c SignalingClient) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

// Client returns the signaling handle, or ErrNotReady before the token
// exchange has completed.
func (s *Store) Client() (SignalingClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil, ErrNotReady
	}
	return s.client, nil
}

// Snapshot returns the current read-only slot state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		Incoming: s.incoming.view(),
		Outgoing: s.outgoing.view(),
		Active:   s.active.view(),
	}
}

// Transitions returns a copy of the event log, oldest first.
func (s *Store) Transitions() []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Transition, len(s.log))
	copy(out, s.log)
	return out
}

func (s *Store) get(kind SlotKind) *CallSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.slotLocked(kind)
}

func (s *Store) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.incoming == nil && s.outgoing == nil && s.active == nil
}

// set places a session into its ringing slot. Setting never auto-clears
// other slots; if any slot is occupied the call is refused with ErrBusy
// (no call-waiting).
func (s *Store) set(sess *CallSession) error {
	s.mu.Lock()
	if s.client == nil {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.incoming != nil || s.outgoing != nil || s.active != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	*s.slotLocked(sess.Kind) = sess
	s.appendLocked("set", sess.Kind, sess.Call, "")
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return nil
}

// beginJoin marks the ringing session for call as transitioning to active.
// It returns false when the slot no longer holds that call or when another
// join is already underway, which makes duplicate join events and
// double-clicked accepts no-ops. The ringing timer is stopped here, before
// the join round-trip starts: a begun join freezes the timer, so an expiry
// can never tear down a call that is being answered. The join paths clear
// the slot on failure, so a frozen timer never leaves a ring dangling.
func (s *Store) beginJoin(kind SlotKind, call CallID) (*CallSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := *s.slotLocked(kind)
	if sess == nil || sess.Call != call || sess.joining {
		return nil, false
	}
	sess.joining = true
	if sess.cancelTimer != nil {
		sess.cancelTimer()
		sess.cancelTimer = nil
	}
	return sess, true
}

// promote moves the ringing session for call into the active slot. The
// ringing timer is normally already stopped by beginJoin; promote stops it
// again for callers that skip the guard. Event subscriptions stay attached
// to the session.
func (s *Store) promote(kind SlotKind, call CallID, now time.Time) (*CallSession, bool) {
	s.mu.Lock()
	sess := *s.slotLocked(kind)
	if sess == nil || sess.Call != call {
		s.mu.Unlock()
		return nil, false
	}
	*s.slotLocked(kind) = nil
	if sess.cancelTimer != nil {
		sess.cancelTimer()
		sess.cancelTimer = nil
	}
	sess.Kind = SlotActive
	sess.StartedAt = now
	s.active = sess
	s.appendLocked("promote", SlotActive, call, kind.String())
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(snap)
	}
	return sess, true
}

// clear empties one slot if it currently holds call (or holds anything,
// when call is zero). Timer and subscriptions are disposed as part of the
// clear; clearing an empty or mismatched slot is a no-op so near-duplicate
// end events collapse into one observable transition.
func (s *Store) clear(kind SlotKind, call CallID, reason string) (*CallSession, bool) {
	s.mu.Lock()
	slot := s.slotLocked(kind)
	sess := *slot
	if sess == nil || (!call.IsZero() && sess.Call != call) {
		s.mu.Unlock()
		return nil, false
	}
	*slot = nil
	s.appendLocked("clear", kind, sess.Call, reason)
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	sess.dispose()
	if fn != nil {
		fn(snap)
	}
	return sess, true
}

// clearAll empties every slot. Used on remote call-ended signals, which
// defensively sweep stale concurrent state as well as the active slot.
func (s *Store) clearAll(reason string) []*CallSession {
	s.mu.Lock()
	var cleared []*CallSession
	for _, kind := range []SlotKind{SlotActive, SlotIncoming, SlotOutgoing} {
		slot := s.slotLocked(kind)
		if *slot == nil {
			continue
		}
		sess := *slot
		*slot = nil
		cleared = append(cleared, sess)
		s.appendLocked("clear", kind, sess.Call, reason)
	}
	if len(cleared) == 0 {
		s.mu.Unlock()
		return nil
	}
	snap := s.snapshotLocked()
	fn := s.onChange
	s.mu.Unlock()

	for _, sess := range cleared {
		sess.dispose()
	}
	if fn != nil {
		fn(snap)
	}
	return cleared
}

func (s *Store) slotLocked(kind SlotKind) **CallSession {
	switch kind {
	case SlotIncoming:
		return &s.incoming
	case SlotOutgoing:
		return &s.outgoing
	default:
		return &s.active
	}
}

func (s *Store) appendLocked(op string, kind SlotKind, call CallID, reason string) {
	s.log = append(s.log, Transition{
		At:     s.nowFn(),
		Op:     op,
		Slot:   kind.String(),
		CallID: call.String(),
		Reason: reason,
	})
	if len(s.log) > transitionLogCap {
		s.log = s.log[len(s.log)-transitionLogCap:]
	}
}
