package command

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

// DefaultAckTimeout covers a broker round trip plus relay actuation.
const DefaultAckTimeout = 6000 * time.Millisecond

func Key(deviceID, action string) string {
	return deviceID + ":" + action
}

type result struct {
	ack types.DeviceAck
	err error
}

// Pending is one in-flight command awaiting its acknowledgment. Exactly one
// result is delivered, by whichever of ack, deadline or cancellation removes
// the entry from the correlator first.
type Pending struct {
	DeviceID  string
	Action    string
	CreatedAt time.Time

	key        string
	timeout    time.Duration
	timer      *time.Timer
	result     chan result
	correlator *Correlator
}

// Wait blocks until the command resolves. Cancelling ctx cancels the pending
// entry; an acknowledgment that won the race is still returned. Wait must be
// called at most once.
func (p *Pending) Wait(ctx context.Context) (types.DeviceAck, error) {
	select {
	case r := <-p.result:
		return r.ack, r.err
	case <-ctx.Done():
		p.correlator.cancel(p)
		r := <-p.result
		if r.err == ErrCommandCancelled {
			return types.DeviceAck{}, fmt.Errorf("%w: %w", ErrCommandCancelled, ctx.Err())
		}
		return r.ack, r.err
	}
}

// Correlator matches inbound acknowledgments to in-flight commands keyed by
// device and action.
type Correlator struct {
	mu             sync.Mutex
	pending        map[string]*Pending
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	logger         *zap.Logger
}

func NewCorrelator(defaultTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultAckTimeout
	}
	return &Correlator{
		pending:        make(map[string]*Pending),
		defaultTimeout: defaultTimeout,
		metrics:        m,
		logger:         logger,
	}
}

// Register adds an in-flight entry and starts its deadline. A second
// registration for the same key fails with ErrCommandAlreadyInFlight.
func (c *Correlator) Register(deviceID, action string, timeout time.Duration) (*Pending, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	key := Key(deviceID, action)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandAlreadyInFlight, key)
	}

	p := &Pending{
		DeviceID:   deviceID,
		Action:     action,
		CreatedAt:  time.Now(),
		key:        key,
		timeout:    timeout,
		result:     make(chan result, 1),
		correlator: c,
	}
	// the callback blocks on c.mu until this registration is complete
	p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
	c.pending[key] = p

	return p, nil
}

// WaitForAck registers the key and blocks until it resolves.
func (c *Correlator) WaitForAck(ctx context.Context, deviceID, action string, timeout time.Duration) (types.DeviceAck, error) {
	p, err := c.Register(deviceID, action, timeout)
	if err != nil {
		return types.DeviceAck{}, err
	}
	return p.Wait(ctx)
}

// ReceiveAck resolves the matching entry. It returns false when nobody is
// waiting for the key; such acks are logged and discarded.
func (c *Correlator) ReceiveAck(ack types.DeviceAck) bool {
	key := Key(ack.DeviceID, ack.Action)

	c.mu.Lock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
		p.timer.Stop()
	}
	c.mu.Unlock()

	if !ok {
		c.metrics.UnexpectedAck()
		c.logger.Info("Unexpected acknowledgment discarded",
			zap.String("device_id", ack.DeviceID),
			zap.String("action", ack.Action),
			zap.String("status", string(ack.Status)))
		return false
	}

	c.metrics.AckLatency(ack.Action, time.Since(p.CreatedAt))
	p.result <- result{ack: ack}
	return true
}

// Cancel removes the pending entry for the key, delivering ErrCommandCancelled
// to its waiter. It returns false when the key is not in flight.
func (c *Correlator) Cancel(deviceID, action string) bool {
	c.mu.Lock()
	p, ok := c.pending[Key(deviceID, action)]
	c.mu.Unlock()

	if !ok {
		return false
	}
	return c.cancel(p)
}

// CancelAll cancels every in-flight command and returns how many were removed.
func (c *Correlator) CancelAll() int {
	c.mu.Lock()
	entries := make([]*Pending, 0, len(c.pending))
	for _, p := range c.pending {
		entries = append(entries, p)
	}
	c.mu.Unlock()

	n := 0
	for _, p := range entries {
		if c.cancel(p) {
			n++
		}
	}
	return n
}

func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) cancel(p *Pending) bool {
	if !c.remove(p) {
		return false
	}
	c.logger.Debug("Pending command cancelled",
		zap.String("device_id", p.DeviceID),
		zap.String("action", p.Action))
	p.result <- result{err: ErrCommandCancelled}
	return true
}

func (c *Correlator) expire(p *Pending) {
	if !c.remove(p) {
		return
	}
	c.logger.Warn("Command acknowledgment timed out",
		zap.String("device_id", p.DeviceID),
		zap.String("action", p.Action),
		zap.Duration("timeout", p.timeout))
	p.result <- result{err: &TimeoutError{DeviceID: p.DeviceID, Action: p.Action, Timeout: p.timeout}}
}

// remove deletes p if it is still the live entry for its key. The identity
// check keeps a late timer or a stale cancel from touching a newer entry.
func (c *Correlator) remove(p *Pending) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.pending[p.key]
	if !ok || current != p {
		return false
	}
	delete(c.pending, p.key)
	p.timer.Stop()
	return true
}
