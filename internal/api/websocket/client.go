package websocket

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/events"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Time allowed for the auth message after connecting
	authWait = 10 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 8192

	// Send channel buffer size
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// access is gated by the auth message
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents a WebSocket client connection
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *zap.Logger

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	authenticated bool
	registered    bool
	claims        *auth.Claims

	filterMu sync.RWMutex
	topics   map[string]bool
	areaID   string
}

func (c *Client) remoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// trySend queues data without blocking. It reports false when the buffer is
// full or the client is closing.
func (c *Client) trySend(data []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}
	c.trySend(data)
}

// accepts reports whether ev matches the client's subscription. A client
// without topics receives every topic.
func (c *Client) accepts(ev events.Event, areaFailOpen bool) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()

	if len(c.topics) > 0 && !c.topics[ev.Topic] && !c.topics[events.Wildcard] {
		return false
	}
	return events.AreaFilter(c.areaID, areaFailOpen)(ev)
}

// readPump handles reading messages from the WebSocket connection
func (c *Client) readPump() {
	defer func() {
		if c.registered {
			c.hub.remove(c)
		}
		// hub-side close is idempotent with this one
		c.closeSend()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error",
					zap.Error(err),
					zap.String("remote_addr", c.remoteAddr()))
			}
			return
		}

		// First message MUST be authentication
		if !c.authenticated {
			if !c.authenticate(msg) {
				return
			}
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *Client) authenticate(msg ClientMessage) bool {
	if msg.Type != "auth" {
		c.sendAuthFailed("First message must be authentication")
		return false
	}

	if c.hub.verifier != nil {
		if msg.Token == "" {
			c.sendAuthFailed("Missing token in auth message")
			return false
		}
		claims, err := c.hub.verifier.Verify(msg.Token)
		if err != nil {
			c.logger.Warn("WebSocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.remoteAddr()))
			c.sendAuthFailed("Invalid or expired token")
			return false
		}
		c.claims = claims
	}

	c.authenticated = true
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// register only after auth
	if !c.hub.add(c) {
		return false
	}
	c.registered = true

	role := "admin"
	if c.claims != nil {
		role = c.claims.Role
	}
	c.sendMessage(NewMessage(MessageTypeAuthSuccess, map[string]any{
		"permissions": auth.RolePermissions(role),
	}))
	if c.hub.statusProvider != nil {
		c.sendMessage(NewMessage(MessageTypeSystemStatus, c.hub.statusProvider.GetCurrentStatus()))
	}

	c.logger.Info("WebSocket client authenticated",
		zap.String("remote_addr", c.remoteAddr()),
		zap.String("role", role))
	return true
}

func (c *Client) sendAuthFailed(reason string) {
	c.sendMessage(NewMessage(MessageTypeAuthFailed, map[string]string{"reason": reason}))
}

func (c *Client) handleMessage(msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.AreaID != "" && !c.areaAllowed(msg.AreaID) {
			c.sendMessage(NewErrorMessage("area not permitted"))
			return
		}
		c.filterMu.Lock()
		if c.topics == nil {
			c.topics = make(map[string]bool)
		}
		for _, t := range msg.Topics {
			c.topics[t] = true
		}
		if msg.AreaID != "" {
			c.areaID = msg.AreaID
		}
		c.filterMu.Unlock()
		c.sendMessage(NewMessage(MessageTypeSubscribed, c.subscription()))

	case "unsubscribe":
		c.filterMu.Lock()
		for _, t := range msg.Topics {
			delete(c.topics, t)
		}
		if len(msg.Topics) == 0 {
			c.areaID = ""
		}
		c.filterMu.Unlock()
		c.sendMessage(NewMessage(MessageTypeSubscribed, c.subscription()))

	default:
		c.logger.Debug("Unknown client message",
			zap.String("remote_addr", c.remoteAddr()),
			zap.String("type", msg.Type))
		c.sendMessage(NewErrorMessage("unknown message type"))
	}
}

// areaAllowed limits area subscriptions to the areas listed in the token, if any.
func (c *Client) areaAllowed(areaID string) bool {
	if c.claims == nil || len(c.claims.AreaIDs) == 0 {
		return true
	}
	for _, a := range c.claims.AreaIDs {
		if a == areaID {
			return true
		}
	}
	return false
}

func (c *Client) subscription() SubscriptionData {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()

	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return SubscriptionData{Topics: topics, AreaID: c.areaID}
}

// writePump handles writing messages to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs handles WebSocket upgrade requests
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Error("WebSocket upgrade error",
			zap.Error(err),
			zap.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		logger: hub.logger,
	}

	go client.writePump()
	go client.readPump()
}
