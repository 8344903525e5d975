// Package transport serves the card protocol over WebSocket.
package transport

import (
	"log/slog"
	"sync"

	"github.com/ashureev/cardwire/internal/gateway"
	"github.com/ashureev/cardwire/internal/protocol"
)

// Hub tracks the live connections of every session. A session may have
// several connections, one per open tab or device reconnecting.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*gateway.Conn]struct{}
	logger *slog.Logger
}

var _ gateway.Broadcaster = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		active: make(map[string]map[*gateway.Conn]struct{}),
		logger: logger,
	}
}

// Register adds a connection to its session.
func (h *Hub) Register(c *gateway.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := c.SessionKey()
	if _, ok := h.active[key]; !ok {
		h.active[key] = make(map[*gateway.Conn]struct{})
	}
	h.active[key][c] = struct{}{}
	h.logger.Info("[HUB] Connection registered", "session_key", key, "connections", len(h.active[key]))
}

// Unregister removes a connection. Removing an unknown connection is a no-op.
func (h *Hub) Unregister(c *gateway.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := c.SessionKey()
	conns, ok := h.active[key]
	if !ok {
		return
	}
	if _, ok := conns[c]; !ok {
		return
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.active, key)
	}
	h.logger.Info("[HUB] Connection unregistered", "session_key", key, "connections", len(conns))
}

// Broadcast queues msg on every connection of the session except the given
// one. Each connection stamps its own sequence number.
func (h *Hub) Broadcast(sessionKey string, except *gateway.Conn, msg protocol.ServerMessage) {
	h.mu.RLock()
	targets := make([]*gateway.Conn, 0, len(h.active[sessionKey]))
	for c := range h.active[sessionKey] {
		if c != except {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		h.logger.Debug("[HUB] Broadcast with no listeners", "session_key", sessionKey)
		return
	}
	for _, c := range targets {
		c.Emit(msg)
	}
}

// Count returns the number of connections of a session.
func (h *Hub) Count(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionKey])
}

// Sessions returns the number of sessions with at least one connection.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}
