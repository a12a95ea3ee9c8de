package mqtt

import (
	"bytes"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	_ "embed"
	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

var (
	ErrMalformedTelemetry = errors.New("malformed telemetry")
	ErrMalformedAck       = errors.New("malformed acknowledgment")
	ErrUnauthenticated    = errors.New("shared secret mismatch")
)

//go:embed schema/telemetry.json
var telemetrySchemaJSON string

//go:embed schema/ack.json
var ackSchemaJSON string

// millisecond epochs are larger than any plausible second epoch
const epochMillisThreshold = 1e12

type telemetryPayload struct {
	Temperature  float64         `json:"temperature"`
	Humidity     float64         `json:"humidity"`
	SoilMoisture float64         `json:"soilMoisture"`
	LightLevel   float64         `json:"lightLevel"`
	Timestamp    json.RawMessage `json:"timestamp"`
	Secret       string          `json:"secret"`
}

type ackPayload struct {
	Action    string          `json:"action"`
	Status    types.AckStatus `json:"status"`
	Message   string          `json:"message"`
	Timestamp json.RawMessage `json:"timestamp"`
	Secret    string          `json:"secret"`
}

type commandPayload struct {
	command.Command
	Secret string `json:"secret,omitempty"`
}

// Codec validates inbound payloads against the embedded schemas and checks
// the shared secret carried by every message.
type Codec struct {
	telemetry *jsonschema.Schema
	ack       *jsonschema.Schema
	secret    string
}

func NewCodec(sharedSecret string) (*Codec, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("telemetry.json", strings.NewReader(telemetrySchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add telemetry schema: %w", err)
	}
	if err := compiler.AddResource("ack.json", strings.NewReader(ackSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add ack schema: %w", err)
	}

	telemetry, err := compiler.Compile("telemetry.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile telemetry schema: %w", err)
	}
	ack, err := compiler.Compile("ack.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile ack schema: %w", err)
	}

	return &Codec{telemetry: telemetry, ack: ack, secret: sharedSecret}, nil
}

// DecodeTelemetry parses a sensors/{serial}/data payload. A missing timestamp
// defaults to receivedAt.
func (c *Codec) DecodeTelemetry(serial string, data []byte, receivedAt time.Time) (types.SensorReading, error) {
	if err := validate(c.telemetry, data); err != nil {
		return types.SensorReading{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}

	var p telemetryPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.SensorReading{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}
	if err := c.authenticate(p.Secret); err != nil {
		return types.SensorReading{}, err
	}

	ts, err := parseTimestamp(p.Timestamp, receivedAt)
	if err != nil {
		return types.SensorReading{}, fmt.Errorf("%w: %v", ErrMalformedTelemetry, err)
	}

	return types.SensorReading{
		DeviceID:     serial,
		Temperature:  p.Temperature,
		Humidity:     p.Humidity,
		SoilMoisture: p.SoilMoisture,
		LightLevel:   p.LightLevel,
		Timestamp:    ts,
	}, nil
}

// DecodeAck parses a sensors/{serial}/status payload.
func (c *Codec) DecodeAck(serial string, data []byte, receivedAt time.Time) (types.DeviceAck, error) {
	if err := validate(c.ack, data); err != nil {
		return types.DeviceAck{}, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}

	var p ackPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return types.DeviceAck{}, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}
	if err := c.authenticate(p.Secret); err != nil {
		return types.DeviceAck{}, err
	}

	ts, err := parseTimestamp(p.Timestamp, receivedAt)
	if err != nil {
		return types.DeviceAck{}, fmt.Errorf("%w: %v", ErrMalformedAck, err)
	}

	return types.DeviceAck{
		DeviceID:  serial,
		Action:    p.Action,
		Status:    p.Status,
		Message:   p.Message,
		Timestamp: ts,
	}, nil
}

func (c *Codec) EncodeCommand(cmd command.Command) ([]byte, error) {
	data, err := json.Marshal(commandPayload{Command: cmd, Secret: c.secret})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	return data, nil
}

func (c *Codec) authenticate(got string) error {
	if c.secret == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(c.secret)) != 1 {
		return ErrUnauthenticated
	}
	return nil
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// parseTimestamp accepts epoch seconds, epoch milliseconds or RFC 3339.
func parseTimestamp(raw json.RawMessage, fallback time.Time) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return fallback.UTC(), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
		}
		return ts.UTC(), nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, err
	}
	if n <= 0 {
		return fallback.UTC(), nil
	}
	if n >= epochMillisThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}
