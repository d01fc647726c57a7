package callsession

import (
	"context"
	"sort"
)

// pendingScanLimit bounds the backend query for calls the local user is a
// member of. The backend returns most-recent-first.
const pendingScanLimit = 10

// Resync runs the pending-call scan: it recovers a ring notification missed
// while offline by querying the signaling backend for calls that list the
// local user as a member. It runs once at startup and again after every
// reconnect. Query or per-call state errors only mean no call is recovered;
// they never block live ring reception.
func (m *Manager) Resync(ctx context.Context) {
	client, err := m.store.Client()
	if err != nil {
		return
	}
	if !m.store.empty() {
		return
	}

	ids, err := client.QueryCalls(ctx, QueryCallsRequest{
		MemberID: m.localID,
		Limit:    pendingScanLimit,
	})
	if err != nil {
		m.logger.Error("pending call scan failed", "user_id", m.localID, "error", err)
		return
	}

	type candidate struct {
		handle CallHandle
		state  CallState
	}
	var candidates []candidate
	for _, id := range ids {
		handle := client.Call(id.Type, id.ID)
		state, err := handle.State(ctx)
		if err != nil {
			m.logger.Debug("pending call state fetch failed", "call_id", id.String(), "error", err)
			continue
		}
		if !m.recoverable(state) {
			continue
		}
		candidates = append(candidates, candidate{handle: handle, state: state})
	}
	if len(candidates) == 0 {
		return
	}

	// Oldest ring first: with several stale rings the user resumes the call
	// whose caller has been waiting longest, not the most recent one.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].state, candidates[j].state
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.Call.String() < b.Call.String()
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	if !m.store.empty() {
		// A live ring arrived during the scan and wins.
		return
	}
	winner := candidates[0]
	m.logger.Info("recovered pending call", "call_id", winner.state.Call.String(), "created_at", winner.state.CreatedAt)
	m.admitIncoming(winner.handle, winner.state)
}

// recoverable classifies one scanned call: it must still be answerable (not
// ended, ringing or with a live media session), created by someone else, and
// not already joined by the local user. Slot emptiness is checked separately
// because it can change between classification and admission.
func (m *Manager) recoverable(state CallState) bool {
	if state.Ended {
		return false
	}
	if state.CreatedBy == m.localID {
		return false
	}
	if state.HasJoined(m.localID) {
		return false
	}
	return state.Ringing || state.LiveSession
}
