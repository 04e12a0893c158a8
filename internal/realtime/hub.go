package realtime

import (
	"encoding/json"
	"log"
	"sync"

	"feedloop/api/internal/collab"
)

// Hub tracks live connections by ID and delivers collab broadcasts to them.
// It implements collab.Publisher; Publish never blocks (slow consumers are
// disconnected by Connection.Send) and never calls back into the registry.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

func NewHub() *Hub {
	return &Hub{conns: make(map[string]*Connection)}
}

func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.mu.Unlock()
}

func (h *Hub) Remove(connID string) {
	h.mu.Lock()
	delete(h.conns, connID)
	h.mu.Unlock()
}

// Publish fans an event out to exactly the broadcast's targets.
func (h *Hub) Publish(b collab.Broadcast) {
	if len(b.Targets) == 0 {
		return
	}
	payload, err := json.Marshal(b.Event)
	if err != nil {
		log.Printf("gateway: marshal %s event: %v", b.Event.Type, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, target := range b.Targets {
		conn := h.conns[target]
		if conn == nil {
			continue
		}
		_ = conn.Send(payload)
	}
}

// Close terminates every tracked connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.conns = make(map[string]*Connection)
	h.mu.Unlock()

	for _, conn := range conns {
		conn.Close(1001, "server shutdown")
	}
}
