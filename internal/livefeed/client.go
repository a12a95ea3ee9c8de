package livefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultPollInterval = 10 * time.Second

var ErrAuthRejected = errors.New("live feed authentication rejected")

// State of the feed: events arrive over the websocket while Subscribed and
// through periodic state polling while Polling.
type State string

const (
	StateIdle       State = "idle"
	StateSubscribed State = "subscribed"
	StatePolling    State = "polling"
)

// Event is one live message from the server.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	DeviceID  string          `json:"device_id,omitempty"`
	AreaID    string          `json:"area_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	// BaseURL of the HTTP API, e.g. http://farm.local:8080
	BaseURL      string
	Token        string
	DeviceIDs    []string
	Topics       []string
	AreaID       string
	PollInterval time.Duration
}

type Handler struct {
	OnEvent func(Event)
	// OnPoll receives the raw /state document of one device.
	OnPoll        func(deviceID string, state json.RawMessage)
	OnStateChange func(State)
}

// Client follows the server's live feed and falls back to polling device
// state while the websocket is unavailable.
type Client struct {
	opts    Options
	handler Handler
	http    *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger

	mu    sync.RWMutex
	state State
}

func New(opts Options, handler Handler, logger *zap.Logger) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")

	return &Client{
		opts:    opts,
		handler: handler,
		http:    &http.Client{Timeout: 10 * time.Second},
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:  logger,
		state:   StateIdle,
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("Live feed state changed", zap.String("state", string(s)))
	if c.handler.OnStateChange != nil {
		c.handler.OnStateChange(s)
	}
}

// Run blocks until ctx ends. A dropped or unreachable websocket switches to
// polling; every poll round is followed by a reconnect attempt.
func (c *Client) Run(ctx context.Context) error {
	for {
		conn, err := c.connect(ctx)
		if err == nil {
			c.setState(StateSubscribed)
			err = c.consume(ctx, conn)
		}
		if ctx.Err() != nil {
			c.setState(StateIdle)
			return ctx.Err()
		}
		c.logger.Warn("Live feed unavailable, polling device state",
			zap.Error(err),
			zap.Duration("interval", c.opts.PollInterval))

		c.setState(StatePolling)
		c.pollAll(ctx)

		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return ctx.Err()
		case <-time.After(c.opts.PollInterval):
		}
	}
}

func (c *Client) wsURL() (string, error) {
	u, err := url.Parse(c.opts.BaseURL + "/api/v1/ws/live")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// connect dials, authenticates and subscribes.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.wsURL()
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "auth", "token": c.opts.Token}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var reply Event
	if err := conn.ReadJSON(&reply); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read auth reply: %w", err)
	}
	if reply.Type != "auth_success" {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrAuthRejected, string(reply.Data))
	}
	conn.SetReadDeadline(time.Time{})

	if len(c.opts.Topics) > 0 || c.opts.AreaID != "" {
		sub := map[string]any{"type": "subscribe", "topics": c.opts.Topics, "area_id": c.opts.AreaID}
		if err := conn.WriteJSON(sub); err != nil {
			conn.Close()
			return nil, fmt.Errorf("send subscribe: %w", err)
		}
	}
	return conn, nil
}

// consume delivers events until the connection fails or ctx ends.
func (c *Client) consume(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("live feed read: %w", err)
		}
		if ev.Type == "error" {
			c.logger.Warn("Live feed error message", zap.ByteString("data", ev.Data))
			continue
		}
		if c.handler.OnEvent != nil {
			c.handler.OnEvent(ev)
		}
	}
}

func (c *Client) pollAll(ctx context.Context) {
	for _, id := range c.opts.DeviceIDs {
		state, err := c.PollState(ctx, id)
		if err != nil {
			c.logger.Warn("Device state poll failed",
				zap.String("device_id", id),
				zap.Error(err))
			continue
		}
		if c.handler.OnPoll != nil {
			c.handler.OnPoll(id, state)
		}
	}
}

// PollState fetches GET /api/v1/devices/{id}/state.
func (c *Client) PollState(ctx context.Context, deviceID string) (json.RawMessage, error) {
	endpoint := c.opts.BaseURL + "/api/v1/devices/" + url.PathEscape(deviceID) + "/state"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return raw, nil
}
