package mqtt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var receivedAt = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func TestParseTopic(t *testing.T) {
	serial, kind, err := ParseTopic("sensors/ESP32-001/data")
	require.NoError(t, err)
	assert.Equal(t, "ESP32-001", serial)
	assert.Equal(t, KindTelemetry, kind)

	serial, kind, err = ParseTopic("sensors/ESP32-001/status")
	require.NoError(t, err)
	assert.Equal(t, "ESP32-001", serial)
	assert.Equal(t, KindStatus, kind)

	for _, topic := range []string{"sensors//data", "control/ESP32-001/command", "sensors/x/other", "sensors/x/data/extra"} {
		_, _, err := ParseTopic(topic)
		assert.Error(t, err, topic)
	}

	assert.Equal(t, "control/ESP32-001/command", CommandTopic("ESP32-001"))
}

func TestDecodeTelemetry(t *testing.T) {
	codec, err := NewCodec("")
	require.NoError(t, err)

	reading, err := codec.DecodeTelemetry("D1",
		[]byte(`{"temperature":21.5,"humidity":40,"soilMoisture":28,"lightLevel":300,"timestamp":1767225600}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, "D1", reading.DeviceID)
	assert.Equal(t, 28.0, reading.SoilMoisture)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), reading.Timestamp)

	reading, err = codec.DecodeTelemetry("D1",
		[]byte(`{"temperature":21.5,"humidity":40,"soilMoisture":28,"lightLevel":300,"timestamp":1767225600123}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, time.UnixMilli(1767225600123).UTC(), reading.Timestamp)

	reading, err = codec.DecodeTelemetry("D1",
		[]byte(`{"temperature":21.5,"humidity":40,"soilMoisture":28,"lightLevel":300}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, receivedAt, reading.Timestamp)
}

func TestDecodeTelemetryRejectsMalformed(t *testing.T) {
	codec, err := NewCodec("")
	require.NoError(t, err)

	for _, payload := range []string{
		`not json`,
		`{"temperature":21.5,"humidity":40,"lightLevel":300}`,
		`{"temperature":"warm","humidity":40,"soilMoisture":28,"lightLevel":300}`,
		`{"temperature":21.5,"humidity":40,"soilMoisture":28,"lightLevel":300,"timestamp":"yesterday"}`,
	} {
		_, err := codec.DecodeTelemetry("D1", []byte(payload), receivedAt)
		assert.ErrorIs(t, err, ErrMalformedTelemetry, payload)
	}
}

func TestDecodeAck(t *testing.T) {
	codec, err := NewCodec("")
	require.NoError(t, err)

	ack, err := codec.DecodeAck("D1",
		[]byte(`{"action":"pump_on","status":"failed","message":"relay stuck","timestamp":"2026-03-01T09:59:58Z"}`), receivedAt)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceAck{
		DeviceID:  "D1",
		Action:    "pump_on",
		Status:    types.AckFailed,
		Message:   "relay stuck",
		Timestamp: time.Date(2026, 3, 1, 9, 59, 58, 0, time.UTC),
	}, ack)

	_, err = codec.DecodeAck("D1", []byte(`{"action":"pump_on","status":"maybe"}`), receivedAt)
	assert.ErrorIs(t, err, ErrMalformedAck)

	_, err = codec.DecodeAck("D1", []byte(`{"status":"success"}`), receivedAt)
	assert.ErrorIs(t, err, ErrMalformedAck)
}

func TestSharedSecret(t *testing.T) {
	codec, err := NewCodec("s3cret")
	require.NoError(t, err)

	_, err = codec.DecodeAck("D1", []byte(`{"action":"pump_on","status":"success"}`), receivedAt)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = codec.DecodeAck("D1", []byte(`{"action":"pump_on","status":"success","secret":"wrong"}`), receivedAt)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = codec.DecodeAck("D1", []byte(`{"action":"pump_on","status":"success","secret":"s3cret"}`), receivedAt)
	assert.NoError(t, err)

	data, err := codec.EncodeCommand(command.Command{
		CommandID: "c-1",
		Action:    "pump_on",
		Params:    map[string]any{"duration": 30},
		IssuedAt:  receivedAt,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "pump_on", decoded["action"])
	assert.Equal(t, "c-1", decoded["commandId"])
	assert.Equal(t, "s3cret", decoded["secret"])
	assert.Equal(t, 30.0, decoded["params"].(map[string]any)["duration"])
}
