package callsession

import (
	"context"
)

// attach wires the per-call event subscriptions onto a session before it is
// published into a slot. Handlers never act on state captured here: each one
// re-reads the store at invocation time and matches on call id, so a
// subscription that outlives its moment (delivery racing a clear) degrades
// to a no-op instead of resurrecting stale state.
func (m *Manager) attach(sess *CallSession) {
	h := sess.handle
	sess.unsubs = append(sess.unsubs,
		h.On(EventParticipantJoined, m.onParticipantJoined),
		h.On(EventParticipantLeft, m.onParticipantLeft),
		h.On(EventEnded, m.onCallEnded),
	)
}

// handleRing admits a live ring notification. Busy users ignore further
// rings entirely; there is no call-waiting queue.
func (m *Manager) handleRing(ctx context.Context, state CallState) {
	if state.Ended {
		return
	}
	if state.CreatedBy == m.localID {
		// Echo of our own outgoing ring.
		return
	}
	if state.HasJoined(m.localID) {
		return
	}
	client, err := m.store.Client()
	if err != nil {
		return
	}
	if !m.store.empty() {
		m.logger.Debug("ring ignored, call in progress", "call_id", state.Call.String())
		return
	}
	m.admitIncoming(client.Call(state.Call.Type, state.Call.ID), state)
}

// onParticipantJoined drives the outgoing→active transition. Events for the
// local user's own id are media-negotiation noise from our side of the call
// and never count as the remote party answering.
func (m *Manager) onParticipantJoined(p EventPayload) {
	if p.ParticipantID == m.localID {
		return
	}
	sess, ok := m.store.beginJoin(SlotOutgoing, p.Call)
	if !ok {
		// Not our outgoing call, already answered, or already transitioning.
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := sess.handle.Join(ctx); err != nil {
		m.logger.Warn("local join after answer failed", "call_id", p.Call.String(), "error", err)
		if _, cleared := m.store.clear(SlotOutgoing, p.Call, "join failed"); cleared {
			m.record(sess, "failed")
			m.notify(Notification{Title: "Call failed", Body: "Could not connect the call", Call: p.Call})
		}
		return
	}
	if _, ok := m.store.promote(SlotOutgoing, p.Call, m.nowFn()); !ok {
		// Slot cleared while the join round-trip was in flight; undo the
		// join so the backend does not keep us listed as present.
		m.teardown(func(ctx context.Context) error { return sess.handle.Leave(ctx, LeaveRequest{}) }, p.Call, "leave after raced answer")
		return
	}
	m.logger.Info("outgoing call answered", "call_id", p.Call.String(), "participant_id", p.ParticipantID)
}

// onParticipantLeft handles the remote side hanging up, in every phase:
// while active it ends the call, while outgoing and unanswered it counts as
// a rejection, while incoming it means the caller gave up before we did.
func (m *Manager) onParticipantLeft(p EventPayload) {
	if p.ParticipantID == m.localID {
		return
	}

	if act := m.store.get(SlotActive); act != nil && act.Call == p.Call {
		m.remoteEnded(p.Call, "participant left")
		return
	}

	if sess, ok := m.store.clear(SlotOutgoing, p.Call, "declined"); ok {
		m.record(sess, "declined")
		m.notify(Notification{Title: "Call declined", Body: sess.CounterpartyName + " declined the call", Call: p.Call})
		m.logger.Info("outgoing call declined", "call_id", p.Call.String(), "participant_id", p.ParticipantID)
		return
	}

	if sess, ok := m.store.clear(SlotIncoming, p.Call, "caller left"); ok {
		m.record(sess, "missed")
		m.notify(Notification{Title: "Missed call", Body: "Missed call from " + sess.CounterpartyName, Call: p.Call})
		m.logger.Info("incoming ring withdrawn", "call_id", p.Call.String())
	}
}

func (m *Manager) onCallEnded(p EventPayload) {
	m.remoteEnded(p.Call, "call ended")
}

// remoteEnded clears the active slot and, defensively, the ringing slots as
// well: a call.ended signal means whatever concurrent state we held for that
// moment is stale. Clearing is idempotent, so near-simultaneous ended events
// produce a single notification.
func (m *Manager) remoteEnded(call CallID, reason string) {
	cleared := m.store.clearAll(reason)
	if len(cleared) == 0 {
		return
	}
	for _, sess := range cleared {
		switch sess.Kind {
		case SlotActive:
			m.record(sess, "completed")
		case SlotIncoming:
			m.record(sess, "missed")
		default:
			m.record(sess, "declined")
		}
	}
	m.notify(Notification{Title: "Call ended", Body: "The call has ended", Call: call})
	m.logger.Info("call ended remotely", "call_id", call.String(), "reason", reason)
}
