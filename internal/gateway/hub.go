package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"switchboard/internal/notify"
)

const sendBuffer = 64

// frame is the server to client message envelope.
type frame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Hub tracks the connections held by this worker and their groups. It
// implements notify.Deliverer.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	groups  map[string]map[string]*client
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: map[string]*client{},
		groups:  map[string]map[string]*client{},
		logger:  logger,
	}
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.id] = c
}

// remove drops c from the hub and closes its send queue.
func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	for name, members := range h.groups {
		delete(members, c.id)
		if len(members) == 0 {
			delete(h.groups, name)
		}
	}
	close(c.send)
}

func (h *Hub) join(c *client, group string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	members := h.groups[group]
	if members == nil {
		members = map[string]*client{}
		h.groups[group] = members
	}
	members[c.id] = c
}

// send queues data for c unless it has already been removed.
func (h *Hub) send(c *client, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.id]; !ok {
		return false
	}
	return c.enqueue(data)
}

// Len returns the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Deliver(ev notify.Event) {
	data, err := json.Marshal(frame{Event: ev.Name, Payload: ev.Payload})
	if err != nil {
		h.logger.Error("Failed to encode event", "event", ev.Name, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]struct{}{}
	deliver := func(c *client) {
		if _, dup := seen[c.id]; dup {
			return
		}
		seen[c.id] = struct{}{}
		if !c.enqueue(data) {
			h.logger.Warn("Send buffer full, dropping event", "connection_id", c.id, "event", ev.Name)
		}
	}
	if ev.Group != "" {
		for id, c := range h.groups[ev.Group] {
			if id != ev.Except {
				deliver(c)
			}
		}
	}
	for _, id := range ev.Connections {
		if c, ok := h.clients[id]; ok {
			deliver(c)
		}
	}
}
