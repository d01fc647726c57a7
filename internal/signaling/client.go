// Package signaling implements the websocket client for the call signaling
// backend: a request/response protocol with correlation ids, plus
// server-pushed call events.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/vishnenko/ringline/internal/callsession"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second

	handshakeTimeout  = 10 * time.Second
	reconnectMinDelay = time.Second
	reconnectMaxDelay = 30 * time.Second
)

var (
	ErrNotConnected   = errors.New("signaling: not connected")
	ErrConnectionLost = errors.New("signaling: connection lost")
	ErrClosed         = errors.New("signaling: client closed")
)

// Client talks to the signaling backend over one websocket. It implements
// callsession.SignalingClient. After Connect it keeps the socket alive with
// pings and redials with backoff when the connection drops.
type Client struct {
	url    string
	logger *slog.Logger
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu          sync.Mutex
	conn        *websocket.Conn
	pending     map[string]chan envelope
	handles     map[callsession.CallID]*call
	ringSubs    map[int]func(callsession.CallState)
	nextSub     int
	onReconnect func()
	userID      string
	token       string
	closed      bool
	// done is closed by Close; it interrupts reconnect backoff waits.
	done chan struct{}

	reconnectMin time.Duration
	reconnectMax time.Duration
}

func New(url string, logger *slog.Logger) *Client {
	return &Client{
		url:          url,
		logger:       logger,
		dialer:       &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		pending:      make(map[string]chan envelope),
		handles:      make(map[callsession.CallID]*call),
		ringSubs:     make(map[int]func(callsession.CallState)),
		done:         make(chan struct{}),
		reconnectMin: reconnectMinDelay,
		reconnectMax: reconnectMaxDelay,
	}
}

// SetReconnectHandler registers a callback invoked after every successful
// redial. Set it before Connect.
func (c *Client) SetReconnectHandler(fn func()) {
	c.mu.Lock()
	c.onReconnect = fn
	c.mu.Unlock()
}

func (c *Client) Connect(ctx context.Context, userID, token string) error {
	conn, err := c.dialAndAuth(ctx, userID, token)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.userID = userID
	c.token = token
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)
	return nil
}

// dialAndAuth opens the socket and performs the auth exchange synchronously,
// before any pump goroutine exists.
func (c *Client) dialAndAuth(ctx context.Context, userID, token string) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, err
	}

	id, err := gonanoid.New(16)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	params, _ := json.Marshal(connectParams{UserID: userID, Token: token})
	req := envelope{ID: id, Method: "connect", Params: params}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var resp envelope
	if err := conn.ReadJSON(&resp); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if resp.Error != nil {
		_ = conn.Close()
		return nil, resp.Error.Err()
	}
	return conn, nil
}

func (c *Client) Call(callType, id string) callsession.CallHandle {
	key := callsession.CallID{Type: callType, ID: id}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[key]; ok {
		return h
	}
	h := newCall(c, key)
	c.handles[key] = h
	return h
}

func (c *Client) OnRing(handler func(callsession.CallState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSub++
	key := c.nextSub
	c.ringSubs[key] = handler
	return func() {
		c.mu.Lock()
		delete(c.ringSubs, key)
		c.mu.Unlock()
	}
}

func (c *Client) QueryCalls(ctx context.Context, req callsession.QueryCallsRequest) ([]callsession.CallID, error) {
	var res queryResult
	err := c.rpc(ctx, "calls.query", queryParams{MemberID: req.MemberID, Limit: req.Limit}, &res)
	if err != nil {
		return nil, err
	}
	ids := make([]callsession.CallID, 0, len(res.Calls))
	for _, ref := range res.Calls {
		ids = append(ids, ref.toID())
	}
	return ids, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// rpc sends one request and waits for the matching response or ctx expiry.
func (c *Client) rpc(ctx context.Context, method string, params any, out any) error {
	id, err := gonanoid.New(16)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	ch := make(chan envelope, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = conn.WriteJSON(envelope{ID: id, Method: method, Params: raw})
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return ErrConnectionLost
		}
		if resp.Error != nil {
			return resp.Error.Err()
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.connectionLost(conn)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.logger.Debug("signaling read error", "error", err)
			return
		}
		switch {
		case env.Event != "":
			c.dispatchEvent(env)
		case env.ID != "":
			c.mu.Lock()
			ch, ok := c.pending[env.ID]
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for range ticker.C {
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		if err != nil {
			return
		}
	}
}

// dispatchEvent runs handlers serially on the read goroutine, so call state
// observers never see events out of order.
func (c *Client) dispatchEvent(env envelope) {
	if env.Event == string(callsession.EventRing) {
		var state wireCallState
		if err := json.Unmarshal(env.Params, &state); err != nil {
			c.logger.Warn("bad ring payload", "error", err)
			return
		}
		c.mu.Lock()
		subs := make([]func(callsession.CallState), 0, len(c.ringSubs))
		for _, fn := range c.ringSubs {
			subs = append(subs, fn)
		}
		c.mu.Unlock()
		for _, fn := range subs {
			fn(state.toState())
		}
		return
	}

	var payload wireEventPayload
	if err := json.Unmarshal(env.Params, &payload); err != nil {
		c.logger.Warn("bad event payload", "event", env.Event, "error", err)
		return
	}
	key := callsession.CallID{Type: payload.CallType, ID: payload.CallID}
	c.mu.Lock()
	h := c.handles[key]
	c.mu.Unlock()
	if h == nil {
		return
	}
	h.dispatch(callsession.CallEvent(env.Event), callsession.EventPayload{
		Call:          key,
		ParticipantID: payload.ParticipantID,
	})
}

// connectionLost fails all in-flight requests and, unless the client was
// closed, redials with backoff using the stored credentials.
func (c *Client) connectionLost(conn *websocket.Conn) {
	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	closed := c.closed
	userID, token := c.userID, c.token
	c.mu.Unlock()
	if closed {
		return
	}

	delay := c.reconnectMin
	for {
		select {
		case <-c.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		next, err := c.dialAndAuth(ctx, userID, token)
		cancel()
		if err != nil {
			c.logger.Warn("signaling reconnect failed", "error", err, "retry_in", delay)
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		onReconnect := c.onReconnect
		c.mu.Unlock()

		c.logger.Info("signaling reconnected")
		go c.readLoop(next)
		go c.pingLoop(next)
		if onReconnect != nil {
			onReconnect()
		}
		return
	}
}
