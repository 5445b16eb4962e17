package stream

import (
	"encoding/json"
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrBufferFull is returned when a connection's send buffer is full.
var ErrBufferFull = errors.New("send buffer full")

// Connection is a single WebSocket subscriber on the side channel.
type Connection struct {
	ID    string
	RunID string
	Conn  *websocket.Conn
	Send  chan []byte
	mu    sync.Mutex
}

// WriteMessage writes to the socket with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// Hub is the best-effort presence fan-out. Every run's events are mirrored to
// whichever WebSocket clients watch that run. Delivery here has no ordering
// guarantee relative to the primary stream and drops under backpressure.
type Hub struct {
	connections map[string]*Connection

	// runs maps run_id to the set of connection IDs watching it.
	runs map[string]map[string]bool

	register   chan *Connection
	unregister chan *Connection
	broadcast  chan *runMessage

	mu sync.RWMutex
}

type runMessage struct {
	RunID string
	Data  []byte
}

// NewHub creates a hub. Run must be started on its own goroutine.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[string]*Connection),
		runs:        make(map[string]map[string]bool),
		register:    make(chan *Connection),
		unregister:  make(chan *Connection),
		broadcast:   make(chan *runMessage, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.ID] = conn
			if conn.RunID != "" {
				if h.runs[conn.RunID] == nil {
					h.runs[conn.RunID] = make(map[string]bool)
				}
				h.runs[conn.RunID][conn.ID] = true
			}
			h.mu.Unlock()
			log.Printf("INFO: connection registered: %s (run: %s)", conn.ID, conn.RunID)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.ID]; ok {
				delete(h.connections, conn.ID)
				if conn.RunID != "" && h.runs[conn.RunID] != nil {
					delete(h.runs[conn.RunID], conn.ID)
					if len(h.runs[conn.RunID]) == 0 {
						delete(h.runs, conn.RunID)
					}
				}
				close(conn.Send)
			}
			h.mu.Unlock()
			log.Printf("INFO: connection unregistered: %s", conn.ID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			if connIDs, ok := h.runs[msg.RunID]; ok {
				for connID := range connIDs {
					if conn, exists := h.connections[connID]; exists {
						select {
						case conn.Send <- msg.Data:
						default:
							// Buffer full, drop the connection rather
							// than stall the run.
							log.Printf("WARN: connection %s buffer full, closing", connID)
							go h.Unregister(conn)
						}
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// NewConnection wraps a raw WebSocket.
func (h *Hub) NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		ID:   uuid.New().String(),
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

// Register adds a connection to the hub.
func (h *Hub) Register(conn *Connection) {
	h.register <- conn
}

// Unregister removes a connection from the hub.
func (h *Hub) Unregister(conn *Connection) {
	h.unregister <- conn
}

// BindRun points a connection at a run, replacing any previous binding.
func (h *Hub) BindRun(conn *Connection, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conn.RunID != "" && h.runs[conn.RunID] != nil {
		delete(h.runs[conn.RunID], conn.ID)
		if len(h.runs[conn.RunID]) == 0 {
			delete(h.runs, conn.RunID)
		}
	}

	conn.RunID = runID
	if h.runs[runID] == nil {
		h.runs[runID] = make(map[string]bool)
	}
	h.runs[runID][conn.ID] = true
}

// Broadcast mirrors data to every connection watching a run. Best effort: if
// the hub's intake is saturated the message is dropped.
func (h *Hub) Broadcast(runID string, data []byte) {
	select {
	case h.broadcast <- &runMessage{RunID: runID, Data: data}:
	default:
		log.Printf("WARN: fan-out intake saturated, dropping event for run %s", runID)
	}
}

// BroadcastJSON mirrors a JSON message to every connection watching a run.
func (h *Hub) BroadcastJSON(runID string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.Broadcast(runID, data)
	return nil
}

// SendToConnection delivers to one connection without blocking.
func (h *Hub) SendToConnection(conn *Connection, data []byte) error {
	select {
	case conn.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// HasWatchers reports whether any connection is watching a run.
func (h *Hub) HasWatchers(runID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	connIDs, ok := h.runs[runID]
	return ok && len(connIDs) > 0
}
