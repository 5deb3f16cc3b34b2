package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
	"github.com/kandev/sessiond/internal/events"
	"github.com/kandev/sessiond/internal/events/bus"
	"github.com/kandev/sessiond/internal/session"
)

// EventFanout bridges appended session events from the bus into the hub so
// attached readers see them live. The published payload carries the event
// pre-encoded, so fan-out never reads the store.
type EventFanout struct {
	hub    *Hub
	sub    bus.Subscription
	logger *logger.Logger
}

// RegisterEventFanout subscribes the hub to appended-event announcements.
// The subscription is dropped when the context ends.
func RegisterEventFanout(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *EventFanout {
	f := &EventFanout{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-event-fanout")),
	}
	if eventBus == nil {
		return f
	}

	sub, err := eventBus.Subscribe(events.SessionEventAppended, func(ctx context.Context, event *bus.Event) error {
		sessionID, _ := event.Data["session_id"].(string)
		encoded, _ := event.Data["event"].(string)
		if sessionID == "" || encoded == "" {
			return nil
		}
		f.hub.BroadcastToSession(sessionID, asEventID(event.Data["event_id"]), []byte(encoded))
		return nil
	})
	if err != nil {
		f.logger.Error("failed to subscribe to appended events", zap.Error(err))
		return f
	}
	f.sub = sub

	go func() {
		<-ctx.Done()
		f.Close()
	}()
	return f
}

// Close drops the bus subscription.
func (f *EventFanout) Close() {
	if f.sub != nil && f.sub.IsValid() {
		_ = f.sub.Unsubscribe()
	}
	f.sub = nil
}

// asEventID extracts the event id however the bus encoded it. The in-memory
// bus hands the payload through untouched; NATS round-trips it through JSON
// where integers come back as float64.
func asEventID(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		id, _ := n.Int64()
		return id
	}
	return 0
}

// handleEventStream attaches a reader to a session's event stream.
// GET /ws/sessions/:sessionId/events?token=...&from_id=N
//
// The token must match the ingest token of one of the session's executions.
// Events with id > from_id are replayed from the log first; the connection
// then carries live events as they are appended. The replay cursor makes the
// handoff exact: anything published while replay runs is queued, and the
// write pump drops whatever the replay already covered.
func (s *Server) handleEventStream(c *gin.Context) {
	sessionID := c.Param("sessionId")

	var fromID int64
	if v := c.Query("from_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from_id must be an integer"})
			return
		}
		fromID = parsed
	}

	token := c.Query("token")
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token is required"})
		return
	}
	if !s.tokenAuthorized(c.Request.Context(), sessionID, token) {
		c.JSON(http.StatusForbidden, gin.H{"error": "token does not match any execution of this session"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.NewString(), sessionID, conn, s.hub, s.logger)

	// Register before reading the log: events appended from here on are
	// queued for the client, so nothing falls between replay and live.
	s.hub.Register(client)

	if err := s.replayEvents(c.Request.Context(), client, fromID); err != nil {
		s.logger.Error("Event replay failed",
			zap.String("session_id", sessionID),
			zap.Error(err))
		s.hub.Unregister(client)
		conn.Close()
		return
	}

	go client.WritePump()
	client.ReadPump()
}

// replayEvents writes the session's stored events with id > fromID directly
// to the connection and records the highest id sent as the client's cursor.
func (s *Server) replayEvents(ctx context.Context, client *Client, fromID int64) error {
	it, err := s.service.IterateEvents(ctx, client.sessionID, session.EventFilters{FromID: fromID})
	if err != nil {
		return err
	}
	defer it.Close()

	for it.Next() {
		ev := it.Event()
		data, err := json.Marshal(ev.ToAPI())
		if err != nil {
			s.logger.Error("Failed to marshal stored event",
				zap.Int64("event_id", ev.ID), zap.Error(err))
			continue
		}
		client.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return err
		}
		client.cursor = ev.ID
	}
	return it.Err()
}

// tokenAuthorized reports whether the token matches the ingest token of any
// execution recorded for the session.
func (s *Server) tokenAuthorized(ctx context.Context, sessionID, token string) bool {
	execs, err := s.service.ListExecutionsBySession(ctx, sessionID)
	if err != nil {
		s.logger.Error("Failed to load executions for token check",
			zap.String("session_id", sessionID), zap.Error(err))
		return false
	}
	for _, meta := range execs {
		if meta.IngestToken != "" && meta.IngestToken == token {
			return true
		}
	}
	return false
}
