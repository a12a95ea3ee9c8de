package events

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type staticAreas map[string]string

func (a staticAreas) AreaOf(deviceID string) (string, bool) {
	area, ok := a[deviceID]
	return area, ok
}

func startBroadcaster(t *testing.T, areas AreaResolver) *Broadcaster {
	t.Helper()
	b := NewBroadcaster(16, areas, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTopicRouting(t *testing.T) {
	b := startBroadcaster(t, staticAreas{"D1": "north"})

	sensors := b.Subscribe(4, SensorTopic("D1"))
	irrigation := b.Subscribe(4, IrrigationTopic("D1"))
	all := b.Subscribe(4, Wildcard)
	defer sensors.Close()
	defer irrigation.Close()
	defer all.Close()

	b.ConsumeReading(types.SensorReading{DeviceID: "D1", SoilMoisture: 18})

	ev := receive(t, sensors)
	assert.Equal(t, EventSensorReading, ev.Type)
	assert.Equal(t, "sensor:D1", ev.Topic)
	assert.Equal(t, "north", ev.AreaID)
	assert.Equal(t, "sensor:D1", receive(t, all).Topic)
	assertNothing(t, irrigation)

	b.ControlEventChanged(storage.ControlEvent{DeviceID: "D1", Function: types.FunctionIrrigation, Status: storage.StatusCompleted})
	ev = receive(t, irrigation)
	assert.Equal(t, EventControlUpdated, ev.Type)
	assert.Equal(t, storage.StatusCompleted, ev.Data.(storage.ControlEvent).Status)
}

func TestSubscriberOnBothTopicAndWildcardGetsOneCopy(t *testing.T) {
	b := startBroadcaster(t, nil)

	sub := b.Subscribe(4, LightingTopic("D1"), Wildcard)
	defer sub.Close()

	b.AutomationTriggered("D1", types.FunctionLighting, 200, types.SensorReading{DeviceID: "D1", LightLevel: 150})

	ev := receive(t, sub)
	assert.Equal(t, EventAutomationTriggered, ev.Type)
	assert.Equal(t, "lighting:D1", ev.Topic)
	assertNothing(t, sub)
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := startBroadcaster(t, nil)

	slow := b.Subscribe(1, Wildcard)
	fast := b.Subscribe(10, Wildcard)
	defer slow.Close()
	defer fast.Close()

	for i := 0; i < 5; i++ {
		b.ConsumeReading(types.SensorReading{DeviceID: "D1", LightLevel: float64(i)})
	}

	for i := 0; i < 5; i++ {
		ev := receive(t, fast)
		assert.Equal(t, float64(i), ev.Data.(types.SensorReading).LightLevel)
	}
	receive(t, slow)
}

func TestCloseUnsubscribes(t *testing.T) {
	b := startBroadcaster(t, nil)

	sub := b.Subscribe(1, SensorTopic("D1"))
	require.Equal(t, 1, b.SubscriberCount())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub.Events()
	assert.False(t, open)
}

func TestAreaFilter(t *testing.T) {
	inArea := Event{AreaID: "north"}
	otherArea := Event{AreaID: "south"}
	noArea := Event{}

	open := AreaFilter("north", true)
	assert.True(t, open(inArea))
	assert.False(t, open(otherArea))
	assert.True(t, open(noArea))

	closed := AreaFilter("north", false)
	assert.False(t, closed(noArea))

	assert.True(t, AreaFilter("", false)(otherArea))
}
