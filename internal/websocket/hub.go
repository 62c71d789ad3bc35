package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/clicker-market/internal/domain"
	"github.com/clicker-market/internal/metrics"
)

// outbound is an encoded message queued for delivery. A nil target means
// every connected client.
type outbound struct {
	data   []byte
	target *Client
}

// Hub maintains the set of active clients and delivers messages to them.
//
// Broadcasts and direct replies share one FIFO queue, so a client always sees
// a broadcast caused by its own request before the reply to that request.
type Hub struct {
	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound messages
	queue chan outbound

	// Mutex for thread-safe operations
	mu sync.RWMutex

	logger  *slog.Logger
	metrics *metrics.Metrics

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		allClients: make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		queue:      make(chan outbound, 1024),
		logger:     logger,
		metrics:    m,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.metrics.Connections.Set(float64(len(h.allClients)))
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				close(client.send)
			}
			h.metrics.Connections.Set(float64(len(h.allClients)))
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case msg := <-h.queue:
			h.deliver(msg)
		}
	}
}

// Stop stops the hub and closes every client's send channel
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.allClients {
		delete(h.allClients, client)
		close(client.send)
	}
	h.metrics.Connections.Set(0)
}

// deliver runs on the hub goroutine, which is the only writer of client.send
func (h *Hub) deliver(msg outbound) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.target != nil {
		if h.allClients[msg.target] {
			h.trySend(msg.target, msg.data)
		}
		return
	}
	for client := range h.allClients {
		h.trySend(client, msg.data)
	}
}

func (h *Hub) trySend(client *Client, data []byte) {
	select {
	case client.send <- data:
	default:
		// Client's buffer is full, skip
		h.metrics.DroppedMessages.Inc()
		h.logger.Warn("client buffer full, skipping", "client_id", client.id)
	}
}

func (h *Hub) enqueue(msg domain.Message, target *Client) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case h.queue <- outbound{data: data, target: target}:
	case <-h.ctx.Done():
	}
}

// Broadcast queues a message for every connected client
func (h *Hub) Broadcast(msg domain.Message) {
	h.enqueue(msg, nil)
}

// Send queues a message for one client
func (h *Hub) Send(client *Client, msg domain.Message) {
	h.enqueue(msg, client)
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
		close(client.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
