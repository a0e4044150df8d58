package app

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// Frame is one WebSocket message. Type is "view", "alert" or "broadcast".
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// WSHub keeps the connected dashboards and fans frames out to them.
type WSHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	// mu also serializes writes, which gorilla requires per connection.
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewWSHub(corsOrigin string, logger *zap.Logger) *WSHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if corsOrigin == "" || corsOrigin == "*" {
					return true
				}
				origin := r.Header.Get("Origin")
				return origin == "" || origin == corsOrigin
			},
		},
		logger:  logger,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// Publish writes a frame to every client. Clients that fail the write are
// dropped.
func (h *WSHub) Publish(kind string, payload any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := h.writeLocked(conn, Frame{Type: kind, Data: payload}); err != nil {
			h.logger.Debug("dropping websocket client", zap.Error(err))
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Serve upgrades the request, sends the initial frame and keeps the
// connection until the client goes away.
func (h *WSHub) Serve(w http.ResponseWriter, r *http.Request, initial Frame) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	if err := h.writeLocked(conn, initial); err != nil {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("dashboard connected", zap.Int("clients", count))

	for {
		if _, _, err := conn.NextReader(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
	h.logger.Info("dashboard disconnected")
}

func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *WSHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
			time.Now().Add(time.Second))
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *WSHub) writeLocked(conn *websocket.Conn, f Frame) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(f)
}
