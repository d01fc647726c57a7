package callsession

import (
	"context"
	"time"
)

// armRingTimer attaches the ringing expiry to a slot-bound session. The
// timer is paired 1:1 with slot lifetime: created here when the slot is set,
// stopped by dispose whenever the slot is cleared by any other path, fired
// exactly once otherwise. The fire path re-checks slot identity under the
// store lock, so a timer that loses the race against a concurrent clear
// finds nothing to do.
func (m *Manager) armRingTimer(sess *CallSession) {
	kind, call := sess.Kind, sess.Call
	t := time.AfterFunc(m.ringTimeout, func() {
		m.onRingExpired(kind, call)
	})
	sess.cancelTimer = func() { t.Stop() }
}

// onRingExpired performs the default action for a ring nobody answered:
// hang up an outgoing call, auto-reject an incoming one.
func (m *Manager) onRingExpired(kind SlotKind, call CallID) {
	sess, ok := m.store.clear(kind, call, "timeout")
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()

	switch kind {
	case SlotOutgoing:
		if err := sess.handle.End(ctx); err != nil {
			m.logger.Debug("end after ring timeout failed", "call_id", call.String(), "error", err)
		}
		m.record(sess, "no_answer")
		m.notify(Notification{Title: "No response", Body: sess.CounterpartyName + " did not answer", Call: call})
	case SlotIncoming:
		if err := sess.handle.Leave(ctx, LeaveRequest{Reject: true}); err != nil {
			m.logger.Debug("reject after ring timeout failed", "call_id", call.String(), "error", err)
		}
		m.record(sess, "missed")
		m.notify(Notification{Title: "Call expired", Body: "Missed call from " + sess.CounterpartyName, Call: call})
	}
	m.logger.Info("ringing slot expired", "slot", kind.String(), "call_id", call.String())
}
