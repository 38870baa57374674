package probe

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 2 * time.Second

// Hub streams samples to websocket clients. Each connection has its own
// write lock; clients that fail a write are dropped.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
	closed  bool
}

// NewHub creates an empty hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     log.Named("probe"),
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects. Messages from the client are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.clients[conn] = &sync.Mutex{}
	h.mu.Unlock()
	h.log.Debug("Stream client connected", zap.String("remote", r.RemoteAddr))

	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Debug("Stream client disconnected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

// Publish sends s to every connected client.
func (h *Hub) Publish(s Sample) {
	h.mu.RLock()
	var failed []*websocket.Conn
	for conn, lock := range h.clients {
		lock.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		err := conn.WriteJSON(s)
		lock.Unlock()
		if err != nil {
			h.log.Debug("Dropping stream client", zap.Error(err))
			failed = append(failed, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range failed {
		h.remove(conn)
		conn.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn, lock := range h.clients {
		lock.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "simulation stopped"),
			time.Now().Add(writeTimeout))
		lock.Unlock()
		conn.Close()
		delete(h.clients, conn)
	}
}
