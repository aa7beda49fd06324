package dispatch

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-session/internal/observability"
)

// Sender is one live client connection.
type Sender interface {
	Send(v any) error
}

// WSConn serializes writes to a websocket connection.
type WSConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func NewWSConn(conn *websocket.Conn, writeTimeout time.Duration) *WSConn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &WSConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *WSConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(v)
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}

// Hub holds the live connections of every actor. An actor may be connected
// from several devices at once.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]map[Sender]struct{}
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{conns: make(map[string]map[Sender]struct{}), logger: logger}
}

// Add registers s for actorID and returns the function that removes it.
func (h *Hub) Add(actorID string, s Sender) (remove func()) {
	h.mu.Lock()
	set, ok := h.conns[actorID]
	if !ok {
		set = make(map[Sender]struct{})
		h.conns[actorID] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	observability.WSConnections.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			if set, ok := h.conns[actorID]; ok {
				delete(set, s)
				if len(set) == 0 {
					delete(h.conns, actorID)
				}
			}
			h.mu.Unlock()
			observability.WSConnections.Dec()
		})
	}
}

// Send writes v to every connection of actorID and reports how many took it.
func (h *Hub) Send(actorID string, v any) int {
	h.mu.RLock()
	targets := make([]Sender, 0, len(h.conns[actorID]))
	for s := range h.conns[actorID] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	n := 0
	for _, s := range targets {
		if err := s.Send(v); err != nil {
			h.logger.Warn("ws send failed", "actor_id", actorID, "error", err)
			continue
		}
		n++
	}
	return n
}

func (h *Hub) Connected(actorID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[actorID]) > 0
}
