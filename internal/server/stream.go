package server

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// streamHub manages the WebSocket connections subscribed to the ledger
// feed and broadcasts each sealed record to all of them. External audit
// tooling uses the feed to mirror the ledger in near real time.
//
// A single hub goroutine handles registration, unregistration, and
// broadcasting, so the connections map needs no lock — all mutations
// happen in the hub goroutine via channels.
type streamHub struct {
	connections map[*streamConn]bool

	broadcastCh  chan []byte
	registerCh   chan *streamConn
	unregisterCh chan *streamConn
}

// streamConn wraps a single WebSocket subscriber.
type streamConn struct {
	conn *websocket.Conn
	send chan []byte
	mu   sync.Mutex // Protects concurrent writes.
}

// upgrader handles HTTP → WebSocket protocol upgrade. The feed is
// read-only and carries no credentials, so cross-origin subscribers are
// accepted.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func newStreamHub() *streamHub {
	return &streamHub{
		connections:  make(map[*streamConn]bool),
		broadcastCh:  make(chan []byte, 256),
		registerCh:   make(chan *streamConn),
		unregisterCh: make(chan *streamConn),
	}
}

// run is the hub event loop. Runs in a background goroutine for the
// lifetime of the server.
func (h *streamHub) run() {
	for {
		select {
		case conn := <-h.registerCh:
			h.connections[conn] = true
			slog.Debug("ledger stream client connected", "total", len(h.connections))

		case conn := <-h.unregisterCh:
			if _, ok := h.connections[conn]; ok {
				delete(h.connections, conn)
				close(conn.send)
				slog.Debug("ledger stream client disconnected", "total", len(h.connections))
			}

		case msg := <-h.broadcastCh:
			for conn := range h.connections {
				select {
				case conn.send <- msg:
				default:
					// Client's send buffer is full — drop the
					// connection so a slow subscriber can't stall the
					// feed. The ledger is the source of truth; clients
					// resynchronize from /ledger/export.
					delete(h.connections, conn)
					close(conn.send)
				}
			}
		}
	}
}

// broadcast queues a record for all subscribers. Non-blocking: the feed
// is best-effort and clients can always re-export the segment they
// missed.
func (h *streamHub) broadcast(msg []byte) {
	select {
	case h.broadcastCh <- msg:
	default:
	}
}

// handleStream upgrades the connection and registers it with the hub.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &streamConn{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.stream.registerCh <- client

	go client.writePump()
	go client.readPump(s.stream)
}

// writePump sends queued records to the WebSocket connection.
func (c *streamConn) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, msg)
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// readPump drains incoming messages to detect disconnection; the feed is
// one-directional (server → client).
func (c *streamConn) readPump(hub *streamHub) {
	defer func() {
		hub.unregisterCh <- c
		c.conn.Close()
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
