package mqtt

import (
	"fmt"
	"strings"
)

// Topic layout shared with the device firmware.
const (
	TelemetryFilter = "sensors/+/data"
	StatusFilter    = "sensors/+/status"
)

type MessageKind string

const (
	KindTelemetry MessageKind = "data"
	KindStatus    MessageKind = "status"
)

func CommandTopic(serial string) string {
	return "control/" + serial + "/command"
}

// ParseTopic extracts the device serial and message kind from an inbound topic.
func ParseTopic(topic string) (string, MessageKind, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "sensors" || parts[1] == "" {
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}

	switch kind := MessageKind(parts[2]); kind {
	case KindTelemetry, KindStatus:
		return parts[1], kind, nil
	default:
		return "", "", fmt.Errorf("unexpected topic %q", topic)
	}
}
