// Package events fans state changes out to in-process subscribers by topic.
// Delivery is best-effort: a subscriber that cannot keep up misses events.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

// Wildcard subscribes to every topic.
const Wildcard = "*"

const DefaultQueueSize = 1024

type EventType string

const (
	EventSensorReading       EventType = "sensor_reading"
	EventControlUpdated      EventType = "control_event"
	EventAutomationTriggered EventType = "automation_triggered"
)

type Event struct {
	Type      EventType `json:"type"`
	Topic     string    `json:"topic"`
	DeviceID  string    `json:"device_id"`
	AreaID    string    `json:"area_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// AutomationTrigger is the payload of an automation_triggered event.
type AutomationTrigger struct {
	Function  types.Function      `json:"function"`
	Threshold float64             `json:"threshold"`
	Reading   types.SensorReading `json:"reading"`
}

func SensorTopic(deviceID string) string     { return "sensor:" + deviceID }
func IrrigationTopic(deviceID string) string { return "irrigation:" + deviceID }
func LightingTopic(deviceID string) string   { return "lighting:" + deviceID }

func TopicFor(fn types.Function, deviceID string) string {
	if fn == types.FunctionLighting {
		return LightingTopic(deviceID)
	}
	return IrrigationTopic(deviceID)
}

// AreaResolver supplies the area an event's device belongs to.
type AreaResolver interface {
	AreaOf(deviceID string) (string, bool)
}

// AreaFilter accepts events for the given area. Events whose device has no
// known area pass only when failOpen is set. An empty area accepts everything.
func AreaFilter(area string, failOpen bool) func(Event) bool {
	return func(ev Event) bool {
		if area == "" {
			return true
		}
		if ev.AreaID == "" {
			return failOpen
		}
		return ev.AreaID == area
	}
}

type Subscription struct {
	ch     chan Event
	topics []string
	b      *Broadcaster
	once   sync.Once
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and closes the event channel.
func (s *Subscription) Close() {
	s.once.Do(func() { s.b.unsubscribe(s) })
}

type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]struct{}

	queue   chan Event
	areas   AreaResolver
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewBroadcaster(queueSize int, areas AreaResolver, m *metrics.Metrics, logger *zap.Logger) *Broadcaster {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Broadcaster{
		subscribers: make(map[string]map[*Subscription]struct{}),
		queue:       make(chan Event, queueSize),
		areas:       areas,
		metrics:     m,
		logger:      logger,
	}
}

// Subscribe registers interest in topics; Wildcard matches all of them.
func (b *Broadcaster) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 100
	}
	if len(topics) == 0 {
		topics = []string{Wildcard}
	}

	sub := &Subscription{
		ch:     make(chan Event, buffer),
		topics: topics,
		b:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range topics {
		if b.subscribers[t] == nil {
			b.subscribers[t] = make(map[*Subscription]struct{})
		}
		b.subscribers[t][sub] = struct{}{}
	}
	return sub
}

func (b *Broadcaster) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range sub.topics {
		delete(b.subscribers[t], sub)
		if len(b.subscribers[t]) == 0 {
			delete(b.subscribers, t)
		}
	}
	close(sub.ch)
}

func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[*Subscription]struct{})
	for _, subs := range b.subscribers {
		for s := range subs {
			seen[s] = struct{}{}
		}
	}
	return len(seen)
}

// Publish queues ev for fan-out without blocking the caller.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if ev.AreaID == "" && b.areas != nil && ev.DeviceID != "" {
		if area, ok := b.areas.AreaOf(ev.DeviceID); ok {
			ev.AreaID = area
		}
	}

	select {
	case b.queue <- ev:
	default:
		b.metrics.EventDropped()
		b.logger.Warn("Broadcast queue full, event dropped",
			zap.String("topic", ev.Topic),
			zap.String("type", string(ev.Type)))
	}
}

func (b *Broadcaster) Run(ctx context.Context) {
	b.logger.Info("Event broadcaster started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.queue:
			b.fanOut(ev)
		}
	}
}

func (b *Broadcaster) fanOut(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := make(map[*Subscription]struct{})
	for _, topic := range []string{ev.Topic, Wildcard} {
		for sub := range b.subscribers[topic] {
			if _, ok := delivered[sub]; ok {
				continue
			}
			delivered[sub] = struct{}{}

			select {
			case sub.ch <- ev:
			default:
				b.metrics.EventDropped()
				b.logger.Debug("Subscriber too slow, event skipped",
					zap.String("topic", ev.Topic))
			}
		}
	}
}

// ConsumeReading publishes a sensor reading on its device topic.
func (b *Broadcaster) ConsumeReading(r types.SensorReading) {
	b.Publish(Event{
		Type:      EventSensorReading,
		Topic:     SensorTopic(r.DeviceID),
		DeviceID:  r.DeviceID,
		Timestamp: r.Timestamp,
		Data:      r,
	})
}

// ControlEventChanged publishes a history change on the function topic.
func (b *Broadcaster) ControlEventChanged(ev storage.ControlEvent) {
	b.Publish(Event{
		Type:     EventControlUpdated,
		Topic:    TopicFor(ev.Function, ev.DeviceID),
		DeviceID: ev.DeviceID,
		Data:     ev,
	})
}

func (b *Broadcaster) AutomationTriggered(deviceID string, fn types.Function, threshold float64, reading types.SensorReading) {
	b.Publish(Event{
		Type:     EventAutomationTriggered,
		Topic:    TopicFor(fn, deviceID),
		DeviceID: deviceID,
		Data: AutomationTrigger{
			Function:  fn,
			Threshold: threshold,
			Reading:   reading,
		},
	})
}
