package websocket

import (
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/events"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Live state changes
	MessageTypeSensorReading       MessageType = MessageType(events.EventSensorReading)
	MessageTypeControlEvent        MessageType = MessageType(events.EventControlUpdated)
	MessageTypeAutomationTriggered MessageType = MessageType(events.EventAutomationTriggered)

	// Session messages
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"
	MessageTypeError       MessageType = "error"

	// System messages
	MessageTypeSystemStatus MessageType = "system_status"
)

// Message represents a WebSocket message sent to clients
type Message struct {
	Type      MessageType `json:"type"`
	Topic     string      `json:"topic,omitempty"`
	DeviceID  string      `json:"device_id,omitempty"`
	AreaID    string      `json:"area_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is what clients send: auth first, then subscription changes.
type ClientMessage struct {
	Type   string   `json:"type"`
	Token  string   `json:"token,omitempty"`
	Topics []string `json:"topics,omitempty"`
	AreaID string   `json:"area_id,omitempty"`
}

// SubscriptionData echoes the filter in effect after a subscription change.
type SubscriptionData struct {
	Topics []string `json:"topics"`
	AreaID string   `json:"area_id,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// FromEvent wraps a broadcaster event for delivery to clients.
func FromEvent(ev events.Event) Message {
	return Message{
		Type:      MessageType(ev.Type),
		Topic:     ev.Topic,
		DeviceID:  ev.DeviceID,
		AreaID:    ev.AreaID,
		Timestamp: ev.Timestamp,
		Data:      ev.Data,
	}
}

func NewErrorMessage(reason string) Message {
	return NewMessage(MessageTypeError, map[string]string{"reason": reason})
}
