package callsession

import (
	"errors"
	"testing"
	"time"
)

func storeWithClient() *Store {
	s := NewStore()
	s.installClient(newFakeClient())
	return s
}

func TestSetRefusedBeforeClientInstalled(t *testing.T) {
	s := NewStore()
	err := s.set(&CallSession{Call: CallID{Type: "default", ID: "a"}, Kind: SlotOutgoing})
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestSetRefusedWhileAnySlotHeld(t *testing.T) {
	s := storeWithClient()
	if err := s.set(&CallSession{Call: CallID{Type: "default", ID: "a"}, Kind: SlotOutgoing}); err != nil {
		t.Fatalf("first set failed: %v", err)
	}
	err := s.set(&CallSession{Call: CallID{Type: "default", ID: "b"}, Kind: SlotIncoming})
	if !errors.Is(err, ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
}

func TestClearIsIdempotent(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	if err := s.set(&CallSession{Call: call, Kind: SlotIncoming}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, ok := s.clear(SlotIncoming, call, "first"); !ok {
		t.Fatalf("first clear should report a cleared session")
	}
	if _, ok := s.clear(SlotIncoming, call, "second"); ok {
		t.Fatalf("second clear of an empty slot must be a no-op")
	}

	log := s.Transitions()
	if len(log) != 2 {
		t.Fatalf("expected set+clear in the log, got %+v", log)
	}
}

func TestClearMismatchedCallIsNoOp(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	if err := s.set(&CallSession{Call: call, Kind: SlotOutgoing}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, ok := s.clear(SlotOutgoing, CallID{Type: "default", ID: "other"}, "stale"); ok {
		t.Fatalf("clear for a different call must not touch the slot")
	}
	if s.get(SlotOutgoing) == nil {
		t.Fatalf("slot lost to a mismatched clear")
	}
}

func TestPromoteRequiresMatchingRingingSession(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	if err := s.set(&CallSession{Call: call, Kind: SlotOutgoing}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, ok := s.promote(SlotOutgoing, CallID{Type: "default", ID: "other"}, time.Now()); ok {
		t.Fatalf("promote must not act on a different call id")
	}
	sess, ok := s.promote(SlotOutgoing, call, time.Unix(1_700_000_000, 0))
	if !ok {
		t.Fatalf("promote of the matching call failed")
	}
	if sess.Kind != SlotActive {
		t.Fatalf("promoted session kind is %s", sess.Kind)
	}
	if s.get(SlotOutgoing) != nil || s.get(SlotActive) == nil {
		t.Fatalf("promote left inconsistent slots")
	}
	if _, ok := s.promote(SlotOutgoing, call, time.Now()); ok {
		t.Fatalf("second promote must be a no-op")
	}
}

func TestBeginJoinGuardsReentry(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	if err := s.set(&CallSession{Call: call, Kind: SlotIncoming}); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, ok := s.beginJoin(SlotIncoming, call); !ok {
		t.Fatalf("first beginJoin should succeed")
	}
	if _, ok := s.beginJoin(SlotIncoming, call); ok {
		t.Fatalf("second beginJoin must be refused while the first is in flight")
	}
}

func TestBeginJoinStopsRingTimer(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	stopped := false
	sess := &CallSession{Call: call, Kind: SlotIncoming}
	sess.cancelTimer = func() { stopped = true }
	if err := s.set(sess); err != nil {
		t.Fatalf("set failed: %v", err)
	}

	if _, ok := s.beginJoin(SlotIncoming, call); !ok {
		t.Fatalf("beginJoin failed")
	}
	if !stopped {
		t.Fatalf("beginJoin left the ringing timer armed")
	}
	if sess.cancelTimer != nil {
		t.Fatalf("beginJoin kept a stale timer reference")
	}
}

func TestOnChangeFiresPerMutation(t *testing.T) {
	s := storeWithClient()
	var snaps []Snapshot
	s.OnChange(func(snap Snapshot) { snaps = append(snaps, snap) })

	call := CallID{Type: "default", ID: "a"}
	if err := s.set(&CallSession{Call: call, Kind: SlotOutgoing}); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	s.promote(SlotOutgoing, call, time.Now())
	s.clear(SlotActive, call, "done")
	s.clear(SlotActive, call, "again") // no-op, no callback

	if len(snaps) != 3 {
		t.Fatalf("expected 3 change callbacks, got %d", len(snaps))
	}
	if snaps[0].Outgoing == nil || snaps[1].Active == nil {
		t.Fatalf("unexpected snapshots: %+v", snaps)
	}
	last := snaps[2]
	if last.Incoming != nil || last.Outgoing != nil || last.Active != nil {
		t.Fatalf("final snapshot should be empty, got %+v", last)
	}
}

func TestTransitionLogIsBounded(t *testing.T) {
	s := storeWithClient()
	call := CallID{Type: "default", ID: "a"}
	for i := 0; i < transitionLogCap; i++ {
		if err := s.set(&CallSession{Call: call, Kind: SlotIncoming}); err != nil {
			t.Fatalf("set %d failed: %v", i, err)
		}
		s.clear(SlotIncoming, call, "loop")
	}
	if got := len(s.Transitions()); got != transitionLogCap {
		t.Fatalf("expected log capped at %d, got %d", transitionLogCap, got)
	}
}
