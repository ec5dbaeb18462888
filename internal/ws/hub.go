// Package ws carries subscriptions over WebSocket connections using a small
// event protocol: clients send "<topic>:subscribe" and "<topic>:unsubscribe"
// events and receive "<topic>:data" events.
package ws

import (
	"sync"

	"go.uber.org/zap"

	"github.com/darkden-lab/livefeed/internal/logging"
)

// Hub tracks the connected clients. It is safe for concurrent use.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	shutdown   chan struct{}
	stopped    chan struct{}
	mu         sync.RWMutex
	once       sync.Once
	log        *zap.SugaredLogger
}

// NewHub allocates and initialises a Hub. Call Run() in a goroutine to start
// the event loop.
func NewHub(log *zap.SugaredLogger) *Hub {
	if log == nil {
		log = logging.Nop()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client, 16),
		unregister: make(chan *Client, 16),
		shutdown:   make(chan struct{}),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// Run is the hub's main event loop. It must be executed in a dedicated
// goroutine and returns after Close, once every client has been closed.
func (h *Hub) Run() {
	defer close(h.stopped)
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID()] = client
			h.mu.Unlock()
			h.log.Infow("ws: client registered", "client", client.ID(), "user", client.UserID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID()]; ok {
				delete(h.clients, client.ID())
				client.closeSend()
			}
			h.mu.Unlock()
			h.log.Infow("ws: client unregistered", "client", client.ID())

		case <-h.shutdown:
			h.mu.Lock()
			for id, client := range h.clients {
				client.closeSend()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the event loop and closes every client's send channel, which
// makes its write pump send a close frame. It waits for Run to return.
func (h *Hub) Close() {
	h.once.Do(func() { close(h.shutdown) })
	<-h.stopped
}

// Register enqueues a new client for addition to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case <-h.shutdown:
		c.closeSend()
		return
	default:
	}
	select {
	case h.register <- c:
	case <-h.shutdown:
		c.closeSend()
	}
}

// Unregister enqueues a client for removal from the hub.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.shutdown:
	}
}
