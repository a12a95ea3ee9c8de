package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/events"
	"github.com/KevinKickass/OpenFarmCore/internal/interfaces"
	"go.uber.org/zap"
)

// StatusProvider supplies the system status sent to freshly authenticated clients
type StatusProvider interface {
	GetCurrentStatus() interfaces.SystemStatus
}

// Hub maintains authenticated WebSocket clients and relays broadcaster
// events to the clients whose subscription matches
type Hub struct {
	// Registered clients
	clients map[*Client]bool

	// System messages for every client
	broadcast chan Message

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	mu sync.RWMutex

	logger *zap.Logger

	// nil disables authentication
	verifier *auth.Verifier

	// Deliver events without an area to area-filtered clients
	areaFailOpen bool

	statusProvider StatusProvider
}

// NewHub creates a new Hub instance
func NewHub(logger *zap.Logger, verifier *auth.Verifier, areaFailOpen bool) *Hub {
	return &Hub{
		broadcast:    make(chan Message, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		done:         make(chan struct{}),
		clients:      make(map[*Client]bool),
		logger:       logger,
		verifier:     verifier,
		areaFailOpen: areaFailOpen,
	}
}

func (h *Hub) SetStatusProvider(provider StatusProvider) {
	h.statusProvider = provider
}

// Run is the hub's main loop. It consumes feed until ctx ends, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, feed <-chan events.Event) {
	h.logger.Info("WebSocket Hub started")
	defer func() {
		h.closeAll()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("WebSocket client registered",
				zap.String("remote_addr", client.remoteAddr()),
				zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
				h.logger.Info("WebSocket client unregistered",
					zap.String("remote_addr", client.remoteAddr()),
					zap.Int("total_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case ev, ok := <-feed:
			if !ok {
				return
			}
			h.relay(ev)

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				client.trySend(data)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) relay(ev events.Event) {
	var data []byte

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.accepts(ev, h.areaFailOpen) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(FromEvent(ev)); err != nil {
				h.logger.Error("Failed to marshal event", zap.Error(err))
				return
			}
		}
		if !client.trySend(data) {
			h.logger.Debug("Client send buffer full, event skipped",
				zap.String("remote_addr", client.remoteAddr()),
				zap.String("topic", ev.Topic))
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		delete(h.clients, client)
		client.closeSend()
	}
}

// add registers an authenticated client. It fails once the hub has stopped.
func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Broadcast sends a message to all connected clients
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Hub broadcast channel full, message dropped",
			zap.String("message_type", string(msg.Type)))
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
