package api

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. The event stream is
	// server-to-client; inbound traffic is control frames only.
	maxMessageSize = 1024
)

// frame is one event queued for delivery, tagged with its log id so the
// write pump can drop frames the replay phase already sent.
type frame struct {
	id   int64
	data []byte
}

// Client represents a single WebSocket event-stream connection, attached to
// exactly one session.
type Client struct {
	ID        string
	sessionID string
	conn      *websocket.Conn
	hub       *Hub
	send      chan frame

	// cursor is the highest event id written during replay. It is set before
	// the write pump starts and read-only afterwards.
	cursor int64

	logger *logger.Logger
}

// NewClient creates a client for one upgraded connection.
func NewClient(id, sessionID string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		sessionID: sessionID,
		conn:      conn,
		hub:       hub,
		send:      make(chan frame, 256),
		logger:    log.WithFields(zap.String("client_id", id), zap.String("session_id", sessionID)),
	}
}

// ReadPump consumes the connection until the peer goes away. Readers never
// send application data, so everything inbound is discarded; the pump exists
// to notice disconnects and answer pings.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
	}
}

// WritePump delivers queued frames to the connection and keeps it alive with
// pings. Frames at or below the replay cursor were already written by the
// replay phase and are skipped.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if f.id != 0 && f.id <= c.cursor {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
