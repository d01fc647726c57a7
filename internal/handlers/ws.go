package handlers

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vishnenko/ringline/internal/callsession"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

type wsStateMessage struct {
	Type  string               `json:"type"`
	State callsession.Snapshot `json:"state"`
}

// StateMessage encodes the snapshot the way the UI socket carries it.
func StateMessage(snapshot callsession.Snapshot) []byte {
	msg, _ := json.Marshal(wsStateMessage{Type: "call_state", State: snapshot})
	return msg
}

// HandleWebSocket upgrades the UI connection and streams call state
// changes. The first frame is always the current snapshot, so a freshly
// opened window renders without a separate fetch.
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	conn, err := h.wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 32),
	}
	h.hub.add(client)
	h.logger.Debug("ui ws connected", "ip", c.ClientIP())

	if !client.trySend(StateMessage(h.manager.Snapshot())) {
		h.hub.remove(client)
		_ = conn.Close()
		return
	}

	go h.writePump(client)
	h.readPump(client)
}

// readPump discards inbound frames; the UI drives the manager through the
// HTTP API. It exists to run the pong handler and detect disconnects.
func (h *Handlers) readPump(client *wsClient) {
	defer func() {
		h.logger.Debug("ui ws disconnected")
		_ = client.conn.Close()
		h.hub.remove(client)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Handlers) writePump(client *wsClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
