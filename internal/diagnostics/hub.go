// Hub is a read-only websocket broadcaster for the live StateEvent stream:
// a single run loop owns the client set and serialises
// register/unregister/broadcast through one goroutine, with deterministic
// ordering on broadcast.
package diagnostics

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/yasunoritani/manxo-bridge/internal/logging"
)

// Hub fans committed StateEvents (already JSON-encoded) out to every
// connected debug client. It never accepts inbound mutating messages.
type Hub struct {
	clientsMu sync.Mutex
	clients   map[*websocket.Conn]bool

	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	done       chan struct{}
}

// NewHub constructs a Hub; call Run to start its loop.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
}

// Register adds a newly accepted connection to the broadcast set.
func (h *Hub) Register(conn *websocket.Conn) { h.register <- conn }

// Unregister removes and closes a connection.
func (h *Hub) Unregister(conn *websocket.Conn) { h.unregister <- conn }

// Broadcast enqueues a raw JSON payload to send to every connected client.
func (h *Hub) Broadcast(payload []byte) {
	select {
	case h.broadcast <- payload:
	default:
		logging.Warn().Msg("diagnostics: broadcast queue full, dropping debug frame")
	}
}

// Run is the hub's single serialising loop; call in a goroutine (or as a
// suture.Service) for the process lifetime.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.clientsMu.Lock()
			h.clients[conn] = true
			h.clientsMu.Unlock()

		case conn := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.clientsMu.Unlock()

		case payload := <-h.broadcast:
			h.broadcastToClients(payload)

		case <-h.done:
			return
		}
	}
}

// broadcastToClients writes to every client in a deterministic order
// (sorted by pointer address) so test assertions on ordering are stable.
func (h *Hub) broadcastToClients(payload []byte) {
	h.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clientsMu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return fmt.Sprintf("%p", conns[i]) < fmt.Sprintf("%p", conns[j])
	})

	for _, conn := range conns {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			logging.Warn().Err(err).Msg("diagnostics: write to debug client failed, unregistering")
			// Run() is the only reader of h.unregister and is the goroutine
			// executing this call, so removing directly here (instead of
			// sending on the channel) avoids a self-deadlock.
			h.clientsMu.Lock()
			delete(h.clients, conn)
			h.clientsMu.Unlock()
			conn.Close()
		}
	}
}

// Stop halts the run loop.
func (h *Hub) Stop() { close(h.done) }
