// Package ws is the websocket transport: it authenticates connections, feeds
// inbound frames to the realtime components and delivers their events.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/call"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/domain"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/observability"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/presence"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/registry"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/router"
	"github.com/Joe-Mavin/MentourMe-v2-sub002/internal/typing"
)

// Handlers are the components inbound frames are dispatched to.
type Handlers struct {
	Router   *router.Router
	Typing   *typing.Coordinator
	Calls    *call.Machine
	Presence *presence.Tracker
}

type registration struct {
	client *Client
	done   chan error
}

// Hub owns the set of authenticated clients and is the fanout sink for every
// component.
type Hub struct {
	clients map[domain.ConnID]*Client
	mu      sync.RWMutex

	register   chan registration
	unregister chan *Client
	done       chan struct{}

	registry *registry.Registry
	mirror   *presence.Mirror
	handlers Handlers
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewHub(reg *registry.Registry, mirror *presence.Mirror, metrics *observability.Metrics, logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[domain.ConnID]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
		registry:   reg,
		mirror:     mirror,
		metrics:    metrics,
		logger:     observability.Component(logger, "hub"),
	}
}

// SetHandlers wires the components. Call before Run.
func (h *Hub) SetHandlers(handlers Handlers) {
	h.handlers = handlers
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case r := <-h.register:
			r.done <- h.attach(r.client)
		case c := <-h.unregister:
			h.detach(c)
		}
	}
}

// Register binds an authenticated client to its user. It blocks until the
// hub has processed the request.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	r := registration{client: c, done: make(chan error, 1)}
	select {
	case h.register <- r:
	case <-h.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister schedules removal of c and reports whether the hub took it.
// Once removed, the write pump flushes what is queued and closes the socket.
// Safe to call more than once.
func (h *Hub) Unregister(c *Client) bool {
	select {
	case h.unregister <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) attach(c *Client) error {
	if err := h.registry.Register(c.userID, c.id); err != nil {
		return err
	}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	h.mirror.Connected(c.userID, c.id)
	h.logger.Info("client registered", "user_id", c.userID, "role", c.role, "conn_id", c.id)
	return nil
}

func (h *Hub) detach(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	c.closeSend()
	h.mu.Unlock()
	if !ok {
		// Never authenticated, or already removed.
		return
	}

	h.registry.Unregister(c.id)
	h.mirror.Disconnected(c.userID, c.id)
	h.logger.Info("client unregistered", "user_id", c.userID, "conn_id", c.id)

	if h.registry.Count(c.userID) == 0 {
		if h.handlers.Typing != nil {
			h.handlers.Typing.ClearUser(c.userID)
		}
		if h.handlers.Calls != nil {
			h.handlers.Calls.DisconnectOf(c.userID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	for _, c := range clients {
		c.conn.Close()
		h.detach(c)
	}
}

// Send implements fanout.Sink. Clients whose buffer is full are dropped
// rather than allowed to stall the sender.
func (h *Hub) Send(conns []domain.ConnID, ev domain.Event) int {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", ev.Type, "error", err)
		return 0
	}

	var slow []*Client
	delivered := 0
	h.mu.RLock()
	for _, id := range conns {
		c, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("dropping slow client", "user_id", c.userID, "conn_id", c.id)
		h.metrics.SlowClientDropped()
		c.conn.Close()
	}
	return delivered
}

// sendTo queues a frame for one client without going through the registry.
func (h *Hub) sendTo(c *Client, f outFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("failed to marshal frame", "type", f.Type, "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		h.logger.Warn("reply dropped for slow client", "conn_id", c.id, "type", f.Type)
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
