package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/portunus-nfc/internal/metrics"
)

const (
	DefaultMaxClients = 256
	clientBuffer      = 32
)

// Client is one subscriber of a Hub.  Events arrive on Events until Done is
// closed, which happens on Unsubscribe, eviction or Hub.Close.
type Client struct {
	ID        string
	Connected time.Time

	seq    uint64
	events chan Event
	done   chan struct{}
	once   sync.Once
}

func (c *Client) Events() <-chan Event   { return c.events }
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) stop() { c.once.Do(func() { close(c.done) }) }

// Hub is the realtime connection registry.  It holds at most max clients;
// subscribing past that evicts the oldest connection.  A slow client misses
// events rather than stalling Broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*Client
	nextSeq uint64
	max     int
	closed  bool

	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewHub(maxClients int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	return &Hub{
		clients: make(map[string]*Client),
		max:     maxClients,
		metrics: m,
		logger:  logger,
	}
}

var _ Notifier = (*Hub)(nil)

// Subscribe registers a new client.  It returns nil once the hub is closed.
func (h *Hub) Subscribe() *Client {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	for len(h.clients) >= h.max {
		h.evictOldestLocked()
	}

	h.nextSeq++
	c := &Client{
		ID:        uuid.NewString(),
		Connected: time.Now().UTC(),
		seq:       h.nextSeq,
		events:    make(chan Event, clientBuffer),
		done:      make(chan struct{}),
	}
	h.clients[c.ID] = c
	h.metrics.SetRealtimeClients(len(h.clients))
	h.logger.Info("realtime client connected", "client_id", c.ID, "total", len(h.clients))
	return c
}

func (h *Hub) evictOldestLocked() {
	var oldest *Client
	for _, c := range h.clients {
		if oldest == nil || c.seq < oldest.seq {
			oldest = c
		}
	}
	if oldest == nil {
		return
	}
	delete(h.clients, oldest.ID)
	oldest.stop()
	h.logger.Warn("realtime client evicted", "client_id", oldest.ID, "max", h.max)
}

func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.clients[id]
	if !ok {
		return
	}
	delete(h.clients, id)
	c.stop()
	h.metrics.SetRealtimeClients(len(h.clients))
	h.logger.Info("realtime client disconnected", "client_id", id, "total", len(h.clients))
}

// Broadcast queues the event for every connected client.
func (h *Hub) Broadcast(_ context.Context, eventType string, payload any) error {
	ev, err := NewEvent(eventType, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, c := range h.clients {
		select {
		case c.events <- ev:
		default:
			h.metrics.IncNotifyFailure("sse")
			h.logger.Debug("realtime client lagging, event dropped", "client_id", c.ID, "type", eventType)
		}
	}
	return nil
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		c.stop()
	}
	h.metrics.SetRealtimeClients(0)
}
