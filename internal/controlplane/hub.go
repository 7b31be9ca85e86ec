// Package controlplane exposes the mediation core over HTTP and WebSocket:
// queue/config/rules/audit/status endpoints, the broker and sync
// subsystems, and the WebSocket relay. The hub below runs a single
// broadcast loop over register/unregister channels; a send failure does
// not evict the client, only the connection's own read-loop close does,
// so an operator's approval stream survives one flaky write.
package controlplane

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is the `{type, data}` envelope every WebSocket frame uses.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub manages WebSocket client connections and broadcasts Messages.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*websocket.Conn]bool
	broadcast  chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
}

// NewHub creates a Hub. Call Run in its own goroutine to start the event
// loop before accepting connections.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run is the hub's single-goroutine event loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for conn := range h.clients {
				if err := conn.WriteJSON(msg); err != nil {
					log.Warn().Err(err).Msg("websocket send failed, client not evicted here")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Register adds conn to the client set.
func (h *Hub) Register(conn *websocket.Conn) {
	h.register <- conn
}

// Unregister removes conn from the client set and closes it. Called from
// the connection's own read loop on disconnect.
func (h *Hub) Unregister(conn *websocket.Conn) {
	h.unregister <- conn
}

// Broadcast sends msg to every registered client. Non-blocking: if the
// internal buffer is full the message is dropped with a warning rather
// than stalling the caller.
func (h *Hub) Broadcast(msgType string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: msgType, Data: data}:
	default:
		log.Warn().Str("type", msgType).Msg("websocket broadcast buffer full, message dropped")
	}
}

// SendTo delivers msg to a single connection directly (used for the
// connect-time init message, before the client needs general broadcasts).
func SendTo(conn *websocket.Conn, msgType string, data interface{}) error {
	return conn.WriteJSON(Message{Type: msgType, Data: data})
}
