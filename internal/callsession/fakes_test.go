package callsession

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type fakeSub struct {
	fn      func(EventPayload)
	removed bool
}

type fakeHandle struct {
	mu    sync.Mutex
	id    CallID
	state CallState

	handlers map[CallEvent][]*fakeSub

	getOrCreateErr error
	joinErr        error
	// joinHook runs during Join outside the handle lock, so tests can
	// stall the round-trip.
	joinHook func()
	leaveErr       error
	endErr         error
	stateErr       error

	joinCalls   int
	leaveCalls  int
	rejectCalls int
	endCalls    int
	subCalls    int
	unsubCalls  int
}

func newFakeHandle(id CallID) *fakeHandle {
	return &fakeHandle{
		id:       id,
		handlers: make(map[CallEvent][]*fakeSub),
		state:    CallState{Call: id},
	}
}

func (h *fakeHandle) ID() CallID { return h.id }

func (h *fakeHandle) GetOrCreate(_ context.Context, req GetOrCreateRequest) (CallState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.getOrCreateErr != nil {
		return CallState{}, h.getOrCreateErr
	}
	h.state.Members = req.Members
	h.state.AudioOnly = req.AudioOnly
	h.state.Ringing = req.Ring
	return h.state, nil
}

func (h *fakeHandle) Join(context.Context) error {
	h.mu.Lock()
	h.joinCalls++
	hook := h.joinHook
	err := h.joinErr
	h.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (h *fakeHandle) Leave(_ context.Context, req LeaveRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveCalls++
	if req.Reject {
		h.rejectCalls++
	}
	return h.leaveErr
}

func (h *fakeHandle) End(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endCalls++
	return h.endErr
}

func (h *fakeHandle) State(context.Context) (CallState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stateErr != nil {
		return CallState{}, h.stateErr
	}
	return h.state, nil
}

func (h *fakeHandle) On(event CallEvent, handler func(EventPayload)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subCalls++
	sub := &fakeSub{fn: handler}
	h.handlers[event] = append(h.handlers[event], sub)
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if !sub.removed {
			sub.removed = true
			h.unsubCalls++
		}
	}
}

func (h *fakeHandle) emit(event CallEvent, p EventPayload) {
	h.mu.Lock()
	var fns []func(EventPayload)
	for _, sub := range h.handlers[event] {
		if !sub.removed {
			fns = append(fns, sub.fn)
		}
	}
	h.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func (h *fakeHandle) counters() (join, leave, reject, end int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.joinCalls, h.leaveCalls, h.rejectCalls, h.endCalls
}

type ringSub struct {
	fn      func(CallState)
	removed bool
}

type fakeClient struct {
	mu         sync.Mutex
	handles    map[string]*fakeHandle
	connected  bool
	connectErr error
	queryIDs   []CallID
	queryErr   error
	rings      []*ringSub
}

func newFakeClient() *fakeClient {
	return &fakeClient{handles: make(map[string]*fakeHandle)}
}

func (c *fakeClient) Connect(_ context.Context, _, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectErr != nil {
		return c.connectErr
	}
	c.connected = true
	return nil
}

func (c *fakeClient) Call(callType, id string) CallHandle {
	return c.handle(CallID{Type: callType, ID: id})
}

func (c *fakeClient) handle(id CallID) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[id.String()]; ok {
		return h
	}
	h := newFakeHandle(id)
	c.handles[id.String()] = h
	return h
}

func (c *fakeClient) OnRing(handler func(CallState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := &ringSub{fn: handler}
	c.rings = append(c.rings, sub)
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		sub.removed = true
	}
}

func (c *fakeClient) emitRing(state CallState) {
	c.mu.Lock()
	var fns []func(CallState)
	for _, sub := range c.rings {
		if !sub.removed {
			fns = append(fns, sub.fn)
		}
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (c *fakeClient) QueryCalls(context.Context, QueryCallsRequest) ([]CallID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		return nil, c.queryErr
	}
	return c.queryIDs, nil
}

// onlyHandle returns the single handle created so far; it fails the test
// when zero or several exist.
func (c *fakeClient) onlyHandle(t *testing.T) *fakeHandle {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.handles) != 1 {
		t.Fatalf("expected exactly one call handle, got %d", len(c.handles))
	}
	for _, h := range c.handles {
		return h
	}
	return nil
}

type fakeTokens struct {
	token string
	err   error
}

func (f fakeTokens) Token(context.Context, string) (string, error) {
	return f.token, f.err
}

type fakeRoster struct {
	members map[string][]Member
	err     error
}

func (f fakeRoster) Members(_ context.Context, conversationID string) ([]Member, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.members[conversationID], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (f *fakeNotifier) Notify(_ context.Context, n Notification) {
	f.mu.Lock()
	f.notes = append(f.notes, n)
	f.mu.Unlock()
}

func (f *fakeNotifier) titled(title string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, n := range f.notes {
		if n.Title == title {
			count++
		}
	}
	return count
}

type fakeRecorder struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (f *fakeRecorder) Record(_ context.Context, e HistoryEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

func (f *fakeRecorder) last(t *testing.T) HistoryEntry {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.entries) == 0 {
		t.Fatalf("expected at least one history entry")
	}
	return f.entries[len(f.entries)-1]
}

type testEnv struct {
	manager  *Manager
	client   *fakeClient
	roster   *fakeRoster
	notifier *fakeNotifier
	recorder *fakeRecorder
}

func newTestEnv(t *testing.T, ringTimeout time.Duration) *testEnv {
	t.Helper()
	client := newFakeClient()
	roster := &fakeRoster{members: map[string][]Member{
		"conv-1": {
			{ID: "alice", Name: "Alice"},
			{ID: "bob", Name: "Bob"},
		},
	}}
	notifier := &fakeNotifier{}
	recorder := &fakeRecorder{}

	m := New(Config{
		UserID:      "alice",
		RingTimeout: ringTimeout,
		Logger:      slog.New(slog.DiscardHandler),
	}, Deps{
		Signaling: client,
		Tokens:    fakeTokens{token: "tok"},
		Roster:    roster,
		Notifier:  notifier,
		History:   recorder,
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("manager start failed: %v", err)
	}
	return &testEnv{manager: m, client: client, roster: roster, notifier: notifier, recorder: recorder}
}

func (e *testEnv) assertSingleSlot(t *testing.T) {
	t.Helper()
	snap := e.manager.Snapshot()
	occupied := 0
	if snap.Incoming != nil {
		occupied++
	}
	if snap.Outgoing != nil {
		occupied++
	}
	if snap.Active != nil {
		occupied++
	}
	if occupied > 1 {
		t.Fatalf("single slot invariant violated: %+v", snap)
	}
}

func ringState(id CallID, createdBy string, createdAt time.Time) CallState {
	return CallState{
		Call:      id,
		CreatedBy: createdBy,
		CreatedAt: createdAt,
		Ringing:   true,
		Members: []Member{
			{ID: createdBy, Name: "Bob"},
			{ID: "alice", Name: "Alice"},
		},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
