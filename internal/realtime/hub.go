// Package realtime pushes delivered notifications to connected websocket
// clients. Each client authenticates as one user; Publish fans a
// notification out to every connection that user has open.
package realtime

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/autoscouter/autoscouter/internal/db"
	"github.com/autoscouter/autoscouter/internal/metrics"
)

// Message types sent over the websocket.
const (
	MessageTypeNotification = "notification"
	MessageTypeRecent       = "recent_notifications"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
)

// Message is the envelope for everything sent over the websocket.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Hub tracks connected clients by user.
type Hub struct {
	mu      sync.RWMutex
	clients map[uuid.UUID]map[*Client]bool
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[uuid.UUID]map[*Client]bool),
		logger:  logger,
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]bool)
		h.clients[c.userID] = conns
	}
	conns[c] = true
	total := h.total()
	h.mu.Unlock()

	metrics.SetWebsocketClients(total)
	h.logger.Info("websocket client connected",
		zap.String("user_id", c.userID.String()),
		zap.Int("total_clients", total),
	)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	conns, ok := h.clients[c.userID]
	if ok && conns[c] {
		delete(conns, c)
		close(c.send)
		if len(conns) == 0 {
			delete(h.clients, c.userID)
		}
	}
	total := h.total()
	h.mu.Unlock()

	if ok {
		metrics.SetWebsocketClients(total)
		h.logger.Info("websocket client disconnected",
			zap.String("user_id", c.userID.String()),
			zap.Int("total_clients", total),
		)
	}
}

// total counts connections across all users. Callers hold h.mu.
func (h *Hub) total() int {
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// Publish sends a notification to every connection the user has open.
// Connections whose send buffer is full are skipped; the notification is
// already durable in the store, so a slow client just misses the live
// push.
func (h *Hub) Publish(userID uuid.UUID, n *db.Notification) {
	msg := Message{Type: MessageTypeNotification, Data: n}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[userID] {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("dropping realtime push, client send buffer full",
				zap.String("user_id", userID.String()),
			)
		}
	}
}

// ClientCount returns the number of open connections for a user.
func (h *Hub) ClientCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
