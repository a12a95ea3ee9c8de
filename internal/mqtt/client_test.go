package mqtt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu       sync.Mutex
	readings []types.SensorReading
	acks     []types.DeviceAck
	err      error
}

func (h *recordingHandler) Ingest(r types.SensorReading) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
	return h.err
}

func (h *recordingHandler) Acknowledge(a types.DeviceAck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.acks = append(h.acks, a)
}

func newTestClient(t *testing.T, handler MessageHandler) *Client {
	t.Helper()
	c, err := NewClient(config.MQTTConfig{
		Host:         "127.0.0.1",
		Port:         1,
		ClientID:     "test",
		SharedSecret: "s3cret",
		QoS:          1,
	}, handler, metrics.New(), zap.NewNop())
	require.NoError(t, err)
	return c
}

func TestHandleMessageRoutesByTopic(t *testing.T) {
	h := &recordingHandler{}
	c := newTestClient(t, h)
	now := time.Now().UTC()

	c.handleMessage("sensors/D1/data",
		[]byte(`{"temperature":20,"humidity":50,"soilMoisture":31,"lightLevel":120,"secret":"s3cret"}`), now)
	c.handleMessage("sensors/D1/status",
		[]byte(`{"action":"light_on","status":"success","secret":"s3cret"}`), now)

	require.Len(t, h.readings, 1)
	assert.Equal(t, 31.0, h.readings[0].SoilMoisture)
	require.Len(t, h.acks, 1)
	assert.Equal(t, "light_on", h.acks[0].Action)
	assert.Equal(t, "D1", h.acks[0].DeviceID)
}

func TestHandleMessageDropsBadInput(t *testing.T) {
	h := &recordingHandler{}
	c := newTestClient(t, h)
	now := time.Now().UTC()

	c.handleMessage("sensors/D1/data", []byte(`{"temperature":20}`), now)
	c.handleMessage("sensors/D1/status", []byte(`{"action":"light_on","status":"success"}`), now)
	c.handleMessage("weird/topic", []byte(`{}`), now)

	assert.Empty(t, h.readings)
	assert.Empty(t, h.acks)
}

func TestPublishCommandRequiresConnection(t *testing.T) {
	c := newTestClient(t, &recordingHandler{})

	err := c.PublishCommand(context.Background(), "D1", command.Command{Action: "pump_on"})
	assert.True(t, errors.Is(err, ErrNotConnected))
	assert.False(t, c.IsConnected())
}

func TestConnectionListeners(t *testing.T) {
	c := newTestClient(t, &recordingHandler{})

	var states []bool
	c.OnConnectionChange(func(connected bool) { states = append(states, connected) })
	c.notifyState(true)
	c.notifyState(false)

	assert.Equal(t, []bool{true, false}, states)
}
