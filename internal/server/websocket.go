package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/semibot/semibot/internal/rules"
	"github.com/semibot/semibot/internal/store"
)

// newUpgrader creates a WebSocket upgrader. When allowAllOrigins is false,
// only same-origin requests are accepted (Origin header must match Host).
func newUpgrader(allowAllOrigins bool) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if allowAllOrigins {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients don't send Origin
			}
			return strings.Contains(origin, r.Host)
		},
	}
}

// EventHub fans every engine emission out to connected WebSocket clients.
// It is registered as an emit observer so dashboards see events the moment
// rules finish evaluating them.
type EventHub struct {
	mu       sync.RWMutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	done     chan struct{}
}

// NewEventHub creates a hub with no clients connected.
func NewEventHub(logger *slog.Logger, allowAllOrigins bool) *EventHub {
	return &EventHub{
		clients:  make(map[*websocket.Conn]bool),
		upgrader: newUpgrader(allowAllOrigins),
		logger:   logger.With("component", "server.EventHub"),
		done:     make(chan struct{}),
	}
}

// Close shuts down the hub and all connections.
func (h *EventHub) Close() {
	select {
	case <-h.done:
		return
	default:
	}
	close(h.done)
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}

// HandleWebSocket upgrades an HTTP connection to WebSocket.
func (h *EventHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	h.logger.Debug("websocket client connected", "remote", conn.RemoteAddr())

	// Read pump keeps the connection alive and notices client disconnects.
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			_ = conn.Close()
			h.logger.Debug("websocket client disconnected", "remote", conn.RemoteAddr())
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// ObserveEmit satisfies engine.EmitObserver: each persisted event and its
// rule outcomes are pushed to every client.
func (h *EventHub) ObserveEmit(evt *store.Event, results []rules.ExecutionResult) {
	h.broadcast(map[string]any{
		"type":    "event",
		"event":   evt,
		"results": results,
	})
}

func (h *EventHub) broadcast(v any) {
	msg, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	// Collect dead connections under RLock, then clean up under WLock.
	// Removing while iterating would race the read pumps.
	h.mu.RLock()
	var dead []*websocket.Conn
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("failed to write to websocket client", "error", err)
			dead = append(dead, conn)
		}
	}
	h.mu.RUnlock()

	if len(dead) > 0 {
		h.mu.Lock()
		for _, c := range dead {
			delete(h.clients, c)
			_ = c.Close()
		}
		h.mu.Unlock()
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
