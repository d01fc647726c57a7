package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrNoIncomingCall = errors.New("no incoming call")
	ErrNoOutgoingCall = errors.New("no outgoing call")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNobodyToRing   = errors.New("conversation has no other members")
)

const (
	defaultRingTimeout = 60 * time.Second
	// teardownTimeout bounds the fire-and-forget leave/end round-trips that
	// run after local state has already been cleared.
	teardownTimeout = 5 * time.Second
	callType        = "default"
)

type Config struct {
	// UserID is the raw local user id; events and member lists carry the
	// sanitized form, so the manager sanitizes once up front.
	UserID      string
	RingTimeout time.Duration
	Logger      *slog.Logger
}

type Deps struct {
	Signaling SignalingClient
	Tokens    TokenProvider
	Roster    ParticipantResolver
	Notifier  Notifier
	History   HistoryRecorder
}

// Manager is the call-session lifecycle manager. It owns the slot store and
// is the only component allowed to mutate it: UI actions enter through the
// exported methods, signaling events through the handlers in events.go, and
// timer expiries through timeout.go. Everything funnels into store
// transitions that re-validate slot identity, so out-of-order delivery and
// re-entrant actions degrade to no-ops instead of corrupt state.
type Manager struct {
	localID     string
	ringTimeout time.Duration
	logger      *slog.Logger
	nowFn       func() time.Time

	store     *Store
	signaling SignalingClient
	tokens    TokenProvider
	roster    ParticipantResolver
	notifier  Notifier
	history   HistoryRecorder

	unsubRing func()
}

func New(cfg Config, deps Deps) *Manager {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = defaultRingTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		localID:     SanitizeUserID(cfg.UserID),
		ringTimeout: cfg.RingTimeout,
		logger:      cfg.Logger,
		nowFn:       time.Now,
		store:       NewStore(),
		signaling:   deps.Signaling,
		tokens:      deps.Tokens,
		roster:      deps.Roster,
		notifier:    deps.Notifier,
		history:     deps.History,
	}
}

// Start performs the per-session initialization: token exchange, signaling
// connect, ring subscription and the pending-call scan. A failure here is
// fatal to the calling feature for this session; the store never receives
// the client handle and every action keeps returning ErrNotReady.
func (m *Manager) Start(ctx context.Context) error {
	token, err := m.tokens.Token(ctx, m.localID)
	if err != nil {
		m.logger.Error("calling disabled: signaling token exchange failed", "user_id", m.localID, "error", err)
		return fmt.Errorf("issue signaling token: %w", err)
	}
	if err := m.signaling.Connect(ctx, m.localID, token); err != nil {
		m.logger.Error("calling disabled: signaling connect failed", "user_id", m.localID, "error", err)
		return fmt.Errorf("connect signaling client: %w", err)
	}
	m.store.installClient(m.signaling)
	m.unsubRing = m.signaling.OnRing(func(st CallState) {
		m.handleRing(context.Background(), st)
	})
	m.logger.Info("call session manager started", "user_id", m.localID)
	m.Resync(ctx)
	return nil
}

// OnChange registers the slot-change callback published to the UI layer.
func (m *Manager) OnChange(fn func(Snapshot)) {
	m.store.OnChange(fn)
}

// Snapshot returns the current read-only slot state for the UI.
func (m *Manager) Snapshot() Snapshot {
	return m.store.Snapshot()
}

// Transitions returns the store's bounded event log.
func (m *Manager) Transitions() []Transition {
	return m.store.Transitions()
}

// StartOutgoing rings the other members of conversationID. On success the
// outgoing slot is set with its 60s timer and event subscriptions; on
// failure the slot is never set and the error is returned for the UI to
// surface.
func (m *Manager) StartOutgoing(ctx context.Context, conversationID string, audioOnly bool) error {
	client, err := m.store.Client()
	if err != nil {
		return err
	}
	if !m.store.empty() {
		return ErrBusy
	}

	members, err := m.roster.Members(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("resolve conversation members: %w", err)
	}
	remote := make([]Member, 0, len(members))
	for _, mb := range members {
		if SanitizeUserID(mb.ID) != m.localID {
			mb.ID = SanitizeUserID(mb.ID)
			remote = append(remote, mb)
		}
	}
	if len(remote) == 0 {
		return ErrNobodyToRing
	}

	id, err := gonanoid.New(16)
	if err != nil {
		return fmt.Errorf("generate call id: %w", err)
	}
	handle := client.Call(callType, id)

	all := append([]Member{{ID: m.localID}}, remote...)
	state, err := handle.GetOrCreate(ctx, GetOrCreateRequest{
		Ring:      true,
		AudioOnly: audioOnly,
		Members:   all,
	})
	if err != nil {
		return fmt.Errorf("create call: %w", err)
	}

	sess := &CallSession{
		Call:             handle.ID(),
		Kind:             SlotOutgoing,
		CounterpartyName: remote[0].Name,
		AudioOnly:        audioOnly,
		ParticipantCount: len(remote),
		CreatedAt:        state.CreatedAt,
		CreatedByLocal:   true,
		handle:           handle,
	}
	m.attach(sess)
	m.armRingTimer(sess)
	if err := m.store.set(sess); err != nil {
		// A ring slipped in during the create round-trip. Tear the fresh
		// call object down again and report busy.
		sess.dispose()
		m.teardown(func(ctx context.Context) error { return handle.End(ctx) }, sess.Call, "end raced outgoing")
		return err
	}
	m.logger.Info("outgoing call started", "call_id", sess.Call.String(), "counterparty", sess.CounterpartyName, "audio_only", audioOnly)
	return nil
}

// AcceptIncoming joins the ringing incoming call. On join failure the slot
// is cleared, the error is returned and the session is not retried.
func (m *Manager) AcceptIncoming(ctx context.Context) error {
	cur := m.store.get(SlotIncoming)
	if cur == nil {
		return ErrNoIncomingCall
	}
	sess, ok := m.store.beginJoin(SlotIncoming, cur.Call)
	if !ok {
		// Already accepting, or the ring disappeared between the read and
		// the guard. Either way this accept is a no-op.
		return ErrNoIncomingCall
	}
	if err := sess.handle.Join(ctx); err != nil {
		if _, cleared := m.store.clear(SlotIncoming, sess.Call, "join failed"); cleared {
			m.record(sess, "failed")
		}
		return fmt.Errorf("join call: %w", err)
	}
	if _, ok := m.store.promote(SlotIncoming, sess.Call, m.nowFn()); !ok {
		// The ring was torn down while the join was in flight (remote end,
		// timeout). Leave again so the backend does not count us present.
		m.teardown(func(ctx context.Context) error { return sess.handle.Leave(ctx, LeaveRequest{}) }, sess.Call, "leave after raced accept")
		return ErrNoIncomingCall
	}
	m.logger.Info("incoming call accepted", "call_id", sess.Call.String())
	return nil
}

// RejectIncoming declines the ringing incoming call. The slot is cleared
// before the leave round-trip and stays cleared whatever that returns;
// local state must never wait on the acknowledgment.
func (m *Manager) RejectIncoming(ctx context.Context) error {
	sess, ok := m.store.clear(SlotIncoming, CallID{}, "rejected")
	if !ok {
		return ErrNoIncomingCall
	}
	m.teardown(func(ctx context.Context) error {
		return sess.handle.Leave(ctx, LeaveRequest{Reject: true})
	}, sess.Call, "reject leave")
	m.record(sess, "rejected")
	m.logger.Info("incoming call rejected", "call_id", sess.Call.String())
	return nil
}

// CancelOutgoing hangs up an unanswered outgoing call.
func (m *Manager) CancelOutgoing(ctx context.Context) error {
	sess, ok := m.store.clear(SlotOutgoing, CallID{}, "cancelled")
	if !ok {
		return ErrNoOutgoingCall
	}
	m.teardown(func(ctx context.Context) error { return sess.handle.End(ctx) }, sess.Call, "cancel end")
	m.record(sess, "cancelled")
	m.logger.Info("outgoing call cancelled", "call_id", sess.Call.String())
	return nil
}

// EndActive leaves the connected call.
func (m *Manager) EndActive(ctx context.Context) error {
	sess, ok := m.store.clear(SlotActive, CallID{}, "ended locally")
	if !ok {
		return ErrNoActiveCall
	}
	m.teardown(func(ctx context.Context) error { return sess.handle.Leave(ctx, LeaveRequest{}) }, sess.Call, "leave active")
	m.record(sess, "completed")
	m.logger.Info("active call ended", "call_id", sess.Call.String())
	return nil
}

// Shutdown is the process teardown hook: best-effort leave/end/reject for
// whichever slot is held, every failure swallowed because the process is
// exiting regardless.
func (m *Manager) Shutdown(ctx context.Context) {
	if m.unsubRing != nil {
		m.unsubRing()
		m.unsubRing = nil
	}
	_ = m.EndActive(ctx)
	_ = m.CancelOutgoing(ctx)
	_ = m.RejectIncoming(ctx)
}

// admitIncoming populates the incoming slot from a ring notification or a
// recovered pending call, exactly the same way for both paths.
func (m *Manager) admitIncoming(handle CallHandle, state CallState) {
	// The counterparty shown to the user is the creator if their name is
	// known, otherwise the first remote member with a name.
	counterparty := state.CreatedBy
	remote := 0
	firstRemoteName := ""
	for _, mb := range state.Members {
		if mb.ID == m.localID {
			continue
		}
		remote++
		if mb.Name == "" {
			continue
		}
		if firstRemoteName == "" {
			firstRemoteName = mb.Name
		}
		if mb.ID == state.CreatedBy {
			counterparty = mb.Name
		}
	}
	if counterparty == state.CreatedBy && firstRemoteName != "" {
		counterparty = firstRemoteName
	}

	sess := &CallSession{
		Call:             handle.ID(),
		Kind:             SlotIncoming,
		CounterpartyName: counterparty,
		AudioOnly:        state.AudioOnly,
		ParticipantCount: remote,
		CreatedAt:        state.CreatedAt,
		CreatedByLocal:   false,
		handle:           handle,
	}
	m.attach(sess)
	m.armRingTimer(sess)
	if err := m.store.set(sess); err != nil {
		sess.dispose()
		m.logger.Debug("incoming call dropped", "call_id", sess.Call.String(), "error", err)
		return
	}
	m.logger.Info("incoming call ringing", "call_id", sess.Call.String(), "counterparty", counterparty)
	m.notify(Notification{
		Title: "Incoming call",
		Body:  fmt.Sprintf("%s is calling", counterparty),
		Call:  sess.Call,
	})
}

// teardown runs a leave/end round-trip whose outcome no longer matters for
// local state. Errors are logged and dropped.
func (m *Manager) teardown(op func(context.Context) error, call CallID, what string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := op(ctx); err != nil {
		m.logger.Debug("teardown call action failed", "call_id", call.String(), "action", what, "error", err)
	}
}

func (m *Manager) notify(n Notification) {
	if m.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.notifier.Notify(ctx, n)
}

func (m *Manager) record(sess *CallSession, outcome string) {
	if m.history == nil {
		return
	}
	direction := "outgoing"
	if !sess.CreatedByLocal {
		direction = "incoming"
	}
	started := sess.StartedAt
	if started.IsZero() {
		started = sess.CreatedAt
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	m.history.Record(ctx, HistoryEntry{
		Call:         sess.Call,
		Direction:    direction,
		Outcome:      outcome,
		Counterparty: sess.CounterpartyName,
		AudioOnly:    sess.AudioOnly,
		StartedAt:    started,
		EndedAt:      m.nowFn(),
	})
}
