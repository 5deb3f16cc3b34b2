package api

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/sessiond/internal/common/logger"
)

// Hub tracks all attached event-stream clients, keyed by session. Events
// fan out to every client attached to the owning session.
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients attached to each session
	sessions map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// done is closed when the run loop exits so registration attempts after
	// shutdown return instead of blocking.
	done chan struct{}

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates an empty hub. Run must be started for registrations to be
// processed.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		sessions:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.WithFields(zap.String("component", "ws-hub")),
	}
}

// Run processes client registrations until the context is cancelled, then
// closes every attached connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register attaches a client to the hub and its session.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister detaches a client. Safe to call after the hub has stopped.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.clients[client] = true
	if _, ok := h.sessions[client.sessionID]; !ok {
		h.sessions[client.sessionID] = make(map[*Client]bool)
	}
	h.sessions[client.sessionID][client] = true

	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID),
		zap.String("session_id", client.sessionID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	close(client.send)

	if clients, ok := h.sessions[client.sessionID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.sessions, client.sessionID)
		}
	}

	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.sessions = make(map[string]map[*Client]bool)
}

// BroadcastToSession queues one event for every client attached to the
// session. A client whose buffer is full misses the frame; it can recover by
// re-attaching with its last seen id as the cursor.
func (h *Hub) BroadcastToSession(sessionID string, eventID int64, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.sessions[sessionID] {
		select {
		case client.send <- frame{id: eventID, data: data}:
		default:
			// Buffer full, client is too slow
		}
	}
}

// ClientCount returns the number of attached clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
