package gateway

import (
	"context"
	"sync"

	"switchboard/internal/lifecycle"
)

// client is one websocket connection as seen by the lifecycle controller.
type client struct {
	id   string
	hs   lifecycle.Handshake
	hub  *Hub
	send chan []byte

	mu           sync.Mutex
	hooks        []func(context.Context)
	disconnected bool
}

func newClient(id string, hs lifecycle.Handshake, hub *Hub) *client {
	return &client{id: id, hs: hs, hub: hub, send: make(chan []byte, sendBuffer)}
}

func (c *client) ID() string                     { return c.id }
func (c *client) Handshake() lifecycle.Handshake { return c.hs }
func (c *client) Join(group string)              { c.hub.join(c, group) }

func (c *client) OnDisconnect(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, fn)
}

// enqueue must only be called while holding the hub's read lock, which
// keeps remove from closing send underneath it.
func (c *client) enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// disconnect runs the registered hooks once.
func (c *client) disconnect(ctx context.Context) {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	for _, fn := range hooks {
		fn(ctx)
	}
}
