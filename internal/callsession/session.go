package callsession

import (
	"fmt"
	"time"
)

// SlotKind names the three mutually exclusive session slots.
type SlotKind int

const (
	SlotIncoming SlotKind = iota
	SlotOutgoing
	SlotActive
)

func (k SlotKind) String() string {
	switch k {
	case SlotIncoming:
		return "incoming"
	case SlotOutgoing:
		return "outgoing"
	case SlotActive:
		return "active"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// CallSession is the unit of state for one signaling call object. A session
// lives in exactly one slot at a time and owns the resources attached to it:
// the live event subscriptions and, while ringing, the timeout timer.
type CallSession struct {
	Call             CallID
	Kind             SlotKind
	CounterpartyName string
	AudioOnly        bool
	ParticipantCount int
	CreatedAt        time.Time
	CreatedByLocal   bool
	StartedAt        time.Time

	handle CallHandle
	unsubs []func()
	// cancelTimer stops the ringing timeout; nil once active.
	cancelTimer func()
	// joining guards the ringing→active transition against duplicate
	// join events and re-entrant accepts.
	joining bool
}

// Handle returns the cached call object reference. Consumers must never
// re-derive a handle for a slotted call themselves; a second handle would
// mean duplicate event subscriptions.
func (s *CallSession) Handle() CallHandle {
	return s.handle
}

// dispose cancels the ringing timer and detaches every event subscription.
// Safe to call more than once.
func (s *CallSession) dispose() {
	if s.cancelTimer != nil {
		s.cancelTimer()
		s.cancelTimer = nil
	}
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
}

// SlotView is the read-only projection of one session handed to the UI.
type SlotView struct {
	CallID           string    `json:"call_id"`
	Kind             string    `json:"kind"`
	CounterpartyName string    `json:"counterparty_name"`
	AudioOnly        bool      `json:"audio_only"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        time.Time `json:"created_at"`
}

// Snapshot is the full slot state published to the UI after a transition.
// At most one of the three fields is non-nil.
type Snapshot struct {
	Incoming *SlotView `json:"incoming"`
	Outgoing *SlotView `json:"outgoing"`
	Active   *SlotView `json:"active"`
}

func (s *CallSession) view() *SlotView {
	if s == nil {
		return nil
	}
	return &SlotView{
		CallID:           s.Call.String(),
		Kind:             s.Kind.String(),
		CounterpartyName: s.CounterpartyName,
		AudioOnly:        s.AudioOnly,
		ParticipantCount: s.ParticipantCount,
		CreatedAt:        s.CreatedAt,
	}
}
