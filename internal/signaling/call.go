package signaling

import (
	"context"
	"sync"

	"github.com/vishnenko/ringline/internal/callsession"
)

// call is the client-side handle for one call object on the backend. Handles
// are cached per call id, so event subscriptions have a single home.
type call struct {
	client *Client
	id     callsession.CallID

	mu      sync.Mutex
	subs    map[callsession.CallEvent]map[int]func(callsession.EventPayload)
	nextSub int
}

func newCall(client *Client, id callsession.CallID) *call {
	return &call{
		client: client,
		id:     id,
		subs:   make(map[callsession.CallEvent]map[int]func(callsession.EventPayload)),
	}
}

func (c *call) ID() callsession.CallID {
	return c.id
}

func (c *call) params() callParams {
	return callParams{CallType: c.id.Type, CallID: c.id.ID}
}

func (c *call) GetOrCreate(ctx context.Context, req callsession.GetOrCreateRequest) (callsession.CallState, error) {
	p := c.params()
	p.Ring = req.Ring
	p.AudioOnly = req.AudioOnly
	p.Members = req.Members

	var state wireCallState
	if err := c.client.rpc(ctx, "call.get_or_create", p, &state); err != nil {
		return callsession.CallState{}, err
	}
	return state.toState(), nil
}

func (c *call) Join(ctx context.Context) error {
	return c.client.rpc(ctx, "call.join", c.params(), nil)
}

func (c *call) Leave(ctx context.Context, req callsession.LeaveRequest) error {
	p := c.params()
	p.Reject = req.Reject
	return c.client.rpc(ctx, "call.leave", p, nil)
}

func (c *call) End(ctx context.Context) error {
	return c.client.rpc(ctx, "call.end", c.params(), nil)
}

func (c *call) State(ctx context.Context) (callsession.CallState, error) {
	var state wireCallState
	if err := c.client.rpc(ctx, "call.get_state", c.params(), &state); err != nil {
		return callsession.CallState{}, err
	}
	return state.toState(), nil
}

func (c *call) On(event callsession.CallEvent, handler func(callsession.EventPayload)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	key := c.nextSub
	if c.subs[event] == nil {
		c.subs[event] = make(map[int]func(callsession.EventPayload))
	}
	c.subs[event][key] = handler
	return func() {
		c.mu.Lock()
		delete(c.subs[event], key)
		c.mu.Unlock()
	}
}

func (c *call) dispatch(event callsession.CallEvent, payload callsession.EventPayload) {
	c.mu.Lock()
	handlers := make([]func(callsession.EventPayload), 0, len(c.subs[event]))
	for _, fn := range c.subs[event] {
		handlers = append(handlers, fn)
	}
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(payload)
	}
}
