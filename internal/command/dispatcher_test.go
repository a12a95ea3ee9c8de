package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/devices"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePublisher struct {
	mu        sync.Mutex
	commands  []Command
	devices   []string
	err       error
	onPublish func(deviceID string, cmd Command)
}

func (f *fakePublisher) PublishCommand(_ context.Context, deviceID string, cmd Command) error {
	f.mu.Lock()
	if f.err != nil {
		f.mu.Unlock()
		return f.err
	}
	f.commands = append(f.commands, cmd)
	f.devices = append(f.devices, deviceID)
	hook := f.onPublish
	f.mu.Unlock()

	if hook != nil {
		hook(deviceID, cmd)
	}
	return nil
}

func (f *fakePublisher) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.Action)
	}
	return out
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []storage.ControlEvent
}

func (n *recordingNotifier) ControlEventChanged(ev storage.ControlEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) statuses(id uuid.UUID) []storage.EventStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []storage.EventStatus
	for _, ev := range n.events {
		if ev.ID == id {
			out = append(out, ev.Status)
		}
	}
	return out
}

type fixture struct {
	dispatcher *Dispatcher
	correlator *Correlator
	registry   *devices.Registry
	history    *storage.MemoryStore
	publisher  *fakePublisher
	notifier   *recordingNotifier
}

const testDevice = "ESP32-7"

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	registry := devices.NewRegistry(5*time.Minute, 10, logger)
	require.NoError(t, registry.Provision(types.Device{
		ID:           testDevice,
		Capabilities: []types.Function{types.FunctionIrrigation, types.FunctionLighting},
	}))
	registry.RecordHeartbeat(testDevice, time.Now())

	f := &fixture{
		correlator: NewCorrelator(DefaultAckTimeout, nil, logger),
		registry:   registry,
		history:    storage.NewMemoryStore(),
		publisher:  &fakePublisher{},
		notifier:   &recordingNotifier{},
	}
	f.dispatcher = NewDispatcher(registry, f.correlator, f.publisher, f.history, f.notifier, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.dispatcher.Stop(ctx)
	})
	return f
}

// ackAfter answers every published command with status after delay.
func (f *fixture) ackAfter(delay time.Duration, status types.AckStatus, message string) {
	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	f.publisher.onPublish = func(deviceID string, cmd Command) {
		go func() {
			time.Sleep(delay)
			f.correlator.ReceiveAck(types.DeviceAck{
				DeviceID:  deviceID,
				Action:    cmd.Action,
				Status:    status,
				Message:   message,
				Timestamp: time.Now(),
			})
		}()
	}
}

func (f *fixture) event(t *testing.T, id uuid.UUID) *storage.ControlEvent {
	t.Helper()
	ev, err := f.history.Get(context.Background(), id)
	require.NoError(t, err)
	return ev
}

func manualOn(fn types.Function) Request {
	return Request{
		DeviceID:  testDevice,
		Function:  fn,
		Action:    types.OnAction(fn),
		EventType: storage.EventManualOn,
	}
}

func TestDispatchAckCompletesHistory(t *testing.T) {
	f := newFixture(t)
	f.ackAfter(200*time.Millisecond, types.AckSuccess, "")

	h, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	require.NoError(t, err)

	assert.Equal(t, storage.StatusPending, f.event(t, h.EventID).Status, "pending recorded before the ack")

	ack, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.AckSuccess, ack.Status)

	ev := f.event(t, h.EventID)
	assert.Equal(t, storage.StatusCompleted, ev.Status)
	assert.Equal(t, []storage.EventStatus{storage.StatusPending, storage.StatusCompleted}, f.notifier.statuses(h.EventID))
	assert.Equal(t, []string{types.ActionPumpOn}, f.publisher.actions())
	assert.Equal(t, h.EventID.String(), f.publisher.commands[0].CommandID)
}

func TestDispatchTimeoutFailsHistory(t *testing.T) {
	f := newFixture(t)

	req := manualOn(types.FunctionIrrigation)
	req.Timeout = 150 * time.Millisecond

	h, err := f.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, ErrCommandTimeout)

	ev := f.event(t, h.EventID)
	assert.Equal(t, storage.StatusFailed, ev.Status)
	assert.Equal(t, "timeout", ev.Reason)
	assert.Equal(t, 0, f.correlator.PendingCount())
}

func TestDispatchOfflineShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.registry.SetClock(func() time.Time { return time.Now().Add(10 * time.Minute) })

	_, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	require.ErrorIs(t, err, ErrDeviceOffline)

	assert.Empty(t, f.publisher.actions())
	events, err := f.history.Latest(context.Background(), testDevice, "", 10)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, 0, f.correlator.PendingCount())
}

func TestDispatchUnknownDevice(t *testing.T) {
	f := newFixture(t)
	req := manualOn(types.FunctionLighting)
	req.DeviceID = "nope"

	_, err := f.dispatcher.Dispatch(context.Background(), req)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestDispatchUnsupportedFunction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Provision(types.Device{
		ID:           testDevice,
		Capabilities: []types.Function{types.FunctionLighting},
	}))

	_, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	assert.ErrorIs(t, err, ErrUnsupportedFunction)
}

func TestDuplicateDispatchConflictsAndForceRetries(t *testing.T) {
	f := newFixture(t)

	first, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionLighting))
	require.NoError(t, err)

	_, err = f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionLighting))
	require.ErrorIs(t, err, ErrCommandAlreadyInFlight)

	f.ackAfter(10*time.Millisecond, types.AckSuccess, "")
	second, err := f.dispatcher.ForceDispatch(context.Background(), manualOn(types.FunctionLighting))
	require.NoError(t, err)

	_, err = first.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCommandCancelled)
	assert.Equal(t, storage.StatusCancelled, f.event(t, first.EventID).Status)

	_, err = second.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, f.event(t, second.EventID).Status)
}

func TestFailedAckIsRejected(t *testing.T) {
	f := newFixture(t)
	f.ackAfter(0, types.AckFailed, "relay stuck")

	h, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	require.NoError(t, err)

	_, err = h.Wait(context.Background())
	require.ErrorIs(t, err, ErrCommandRejected)

	ev := f.event(t, h.EventID)
	assert.Equal(t, storage.StatusFailed, ev.Status)
	assert.Equal(t, "relay stuck", ev.Reason)
}

func TestPublishErrorFailsHistory(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker unavailable")

	_, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	require.Error(t, err)
	assert.Equal(t, 0, f.correlator.PendingCount())

	events, err := f.history.Latest(context.Background(), testDevice, types.FunctionIrrigation, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, storage.StatusFailed, events[0].Status)
	assert.Contains(t, events[0].Reason, "broker unavailable")
}

func TestHandleWaitCancellation(t *testing.T) {
	f := newFixture(t)

	h, err := f.dispatcher.Dispatch(context.Background(), manualOn(types.FunctionIrrigation))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = h.Wait(ctx)
	require.ErrorIs(t, err, ErrCommandCancelled)
	assert.Equal(t, storage.StatusCancelled, f.event(t, h.EventID).Status)
	assert.Equal(t, 0, f.correlator.PendingCount())
}

func TestDurationSendsDeferredOff(t *testing.T) {
	f := newFixture(t)
	f.registry.AppendReading(types.SensorReading{DeviceID: testDevice, SoilMoisture: 22, Timestamp: time.Now()})
	f.ackAfter(5*time.Millisecond, types.AckSuccess, "")

	req := manualOn(types.FunctionIrrigation)
	req.EventType = storage.EventDuration
	req.Duration = 300 * time.Millisecond

	h, err := f.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, err = h.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, storage.StatusRunning, f.event(t, h.EventID).Status)
	assert.Len(t, f.dispatcher.ActiveRuns(testDevice), 1)

	require.Eventually(t, func() bool {
		return f.event(t, h.EventID).Status == storage.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	ev := f.event(t, h.EventID)
	require.NotNil(t, ev.ActualDuration)
	require.NotNil(t, ev.After)
	assert.Equal(t, 22.0, ev.After.SoilMoisture)
	assert.Equal(t, []string{types.ActionPumpOn, types.ActionPumpOff}, f.publisher.actions())
	assert.Empty(t, f.dispatcher.ActiveRuns(testDevice))
	assert.Equal(t, 0, f.publisher.commands[0].Params["duration"])
}

func TestManualCommandSupersedesRun(t *testing.T) {
	f := newFixture(t)
	f.ackAfter(5*time.Millisecond, types.AckSuccess, "")

	req := manualOn(types.FunctionIrrigation)
	req.EventType = storage.EventDuration
	req.Duration = time.Minute

	run, err := f.dispatcher.Dispatch(context.Background(), req)
	require.NoError(t, err)
	_, err = run.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, storage.StatusRunning, f.event(t, run.EventID).Status)

	off, err := f.dispatcher.Dispatch(context.Background(), Request{
		DeviceID:  testDevice,
		Function:  types.FunctionIrrigation,
		Action:    types.ActionPumpOff,
		EventType: storage.EventManualOff,
	})
	require.NoError(t, err)
	_, err = off.Wait(context.Background())
	require.NoError(t, err)

	ev := f.event(t, run.EventID)
	assert.Equal(t, storage.StatusCancelled, ev.Status)
	assert.Equal(t, "superseded by manual_off", ev.Reason)
	assert.Empty(t, f.dispatcher.ActiveRuns(testDevice))
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), Request{DeviceID: testDevice, Function: "heating", Action: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.dispatcher.Dispatch(context.Background(), Request{
		DeviceID: testDevice,
		Function: types.FunctionIrrigation,
		Action:   types.ActionPumpOff,
		Duration: time.Second,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
