package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/api/websocket"
	"github.com/KevinKickass/OpenFarmCore/internal/auth"
	"github.com/KevinKickass/OpenFarmCore/internal/automation"
	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/devices"
	"github.com/KevinKickass/OpenFarmCore/internal/interfaces"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	deviceID   = "ESP32-042"
	testSecret = "rest-test-secret"
)

type ackingPublisher struct {
	mu         sync.Mutex
	correlator *command.Correlator
	status     types.AckStatus
	actions    []string
}

func (p *ackingPublisher) PublishCommand(_ context.Context, id string, cmd command.Command) error {
	p.mu.Lock()
	p.actions = append(p.actions, cmd.Action)
	status := p.status
	p.mu.Unlock()

	if status != "" {
		go p.correlator.ReceiveAck(types.DeviceAck{
			DeviceID:  id,
			Action:    cmd.Action,
			Status:    status,
			Timestamp: time.Now(),
			Message:   "relay stuck",
		})
	}
	return nil
}

func (p *ackingPublisher) sent() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.actions...)
}

type testLifecycle struct {
	cfg        *config.Config
	registry   *devices.Registry
	dispatcher *command.Dispatcher
	engine     *automation.Engine
	scheduler  *automation.Scheduler
	history    *storage.MemoryStore
}

func (l *testLifecycle) Config() *config.Config             { return l.cfg }
func (l *testLifecycle) Registry() *devices.Registry        { return l.registry }
func (l *testLifecycle) Dispatcher() *command.Dispatcher    { return l.dispatcher }
func (l *testLifecycle) Automation() *automation.Engine     { return l.engine }
func (l *testLifecycle) Scheduler() *automation.Scheduler   { return l.scheduler }
func (l *testLifecycle) History() storage.HistoryStore      { return l.history }
func (l *testLifecycle) Shutdown(_ context.Context) error   { return nil }

func (l *testLifecycle) GetCurrentStatus() interfaces.SystemStatus {
	total, online := l.registry.Count()
	return interfaces.SystemStatus{
		State:           "running",
		DeviceCount:     total,
		OnlineDevices:   online,
		PendingCommands: l.dispatcher.Correlator().PendingCount(),
		MQTTConnected:   true,
	}
}

type fixture struct {
	server    *Server
	lm        *testLifecycle
	publisher *ackingPublisher
	verifier  *auth.Verifier
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	ack        types.AckStatus
	ackTimeout time.Duration
	verifier   *auth.Verifier
}

func withAck(status types.AckStatus) fixtureOption {
	return func(o *fixtureOptions) { o.ack = status }
}

func withAckTimeout(d time.Duration) fixtureOption {
	return func(o *fixtureOptions) { o.ackTimeout = d }
}

func withAuth() fixtureOption {
	return func(o *fixtureOptions) { o.verifier = auth.NewVerifier(testSecret, "") }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	o := fixtureOptions{ack: types.AckSuccess, ackTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	logger := zap.NewNop()
	registry := devices.NewRegistry(5*time.Minute, 20, logger)
	area := "greenhouse-1"
	require.NoError(t, registry.Provision(types.Device{
		ID:           deviceID,
		Name:         "Bed 4",
		AreaID:       &area,
		Capabilities: []types.Function{types.FunctionIrrigation, types.FunctionLighting},
	}))
	registry.RecordHeartbeat(deviceID, time.Now())

	correlator := command.NewCorrelator(o.ackTimeout, nil, logger)
	pub := &ackingPublisher{correlator: correlator, status: o.ack}
	history := storage.NewMemoryStore()
	dispatcher := command.NewDispatcher(registry, correlator, pub, history, nil, nil, logger)
	engine := automation.NewEngine(automation.NewConfigStore(history, logger), dispatcher, nil, nil, logger)
	scheduler := automation.NewScheduler(dispatcher, nil, logger)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = dispatcher.Stop(ctx)
	})

	lm := &testLifecycle{
		cfg:        &config.Config{},
		registry:   registry,
		dispatcher: dispatcher,
		engine:     engine,
		scheduler:  scheduler,
		history:    history,
	}

	hub := websocket.NewHub(logger, o.verifier, true)
	server := NewServer(lm.cfg, lm, logger, hub, o.verifier, metrics.New())

	return &fixture{server: server, lm: lm, publisher: pub, verifier: o.verifier}
}

func (f *fixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) types.ErrorBody {
	t.Helper()
	var resp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDeviceEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/devices", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Devices []devices.DeviceStatus `json:"devices"`
		Count   int                    `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Count)
	assert.True(t, list.Devices[0].Online)

	rec = f.do(t, http.MethodGet, "/api/v1/devices?area_id=elsewhere", nil, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Zero(t, list.Count)

	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+deviceID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/devices/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeviceStateIncludesLatestReading(t *testing.T) {
	f := newFixture(t)
	f.lm.registry.AppendReading(types.SensorReading{
		DeviceID:     deviceID,
		SoilMoisture: 41,
		Timestamp:    time.Now(),
	})

	rec := f.do(t, http.MethodGet, "/api/v1/devices/"+deviceID+"/state", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var state deviceState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.NotNil(t, state.Latest)
	assert.Equal(t, 41.0, state.Latest.SoilMoisture)
	assert.Len(t, state.Readings, 1)
	assert.Empty(t, state.ActiveRuns)
}

func TestSwitchOnAcknowledged(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/irrigation/on", nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp commandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.ActionPumpOn, resp.Action)
	assert.Equal(t, "acknowledged", resp.Status)
	assert.Equal(t, types.AckSuccess, resp.Ack.Status)

	assert.Eventually(t, func() bool {
		ev, err := f.lm.history.Get(context.Background(), resp.EventID)
		return err == nil && ev.Status == storage.StatusCompleted
	}, time.Second, 10*time.Millisecond)

	rec = f.do(t, http.MethodGet, "/api/v1/devices/"+deviceID+"/irrigation/history?limit=5", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)
}

func TestCommandErrorMapping(t *testing.T) {
	t.Run("offline", func(t *testing.T) {
		f := newFixture(t)
		f.lm.registry.SetClock(func() time.Time { return time.Now().Add(time.Hour) })

		rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/lighting/on", nil, "")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		body := errorCode(t, rec)
		assert.Equal(t, "DEVICE_OFFLINE", body.Code)
		assert.Equal(t, "device is offline", body.Message)
		assert.Empty(t, f.publisher.sent())
	})

	t.Run("unknown device", func(t *testing.T) {
		f := newFixture(t)
		rec := f.do(t, http.MethodPost, "/api/v1/devices/ghost/lighting/on", nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("timeout", func(t *testing.T) {
		f := newFixture(t, withAck(""), withAckTimeout(50*time.Millisecond))
		rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/lighting/off", nil, "")
		assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
		assert.Equal(t, "no response from device", errorCode(t, rec).Message)
	})

	t.Run("rejected", func(t *testing.T) {
		f := newFixture(t, withAck(types.AckFailed))
		rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/irrigation/off", nil, "")
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Contains(t, errorCode(t, rec).Details, "relay stuck")
	})

	t.Run("in flight", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.lm.dispatcher.Correlator().Register(deviceID, types.ActionLightOn, time.Second)
		require.NoError(t, err)

		rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/lighting/on", nil, "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "COMMAND_IN_FLIGHT", errorCode(t, rec).Code)

		rec = f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/lighting/on?force=true", nil, "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("unsupported function", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.lm.registry.Provision(types.Device{
			ID:           "LAMP-1",
			Capabilities: []types.Function{types.FunctionLighting},
		}))
		f.lm.registry.RecordHeartbeat("LAMP-1", time.Now())

		rec := f.do(t, http.MethodPost, "/api/v1/devices/LAMP-1/irrigation/on", nil, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestRunForDuration(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/irrigation/duration", jsonBody{"seconds": 0}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/irrigation/duration", jsonBody{"seconds": 300}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	runs := f.lm.dispatcher.ActiveRuns(deviceID)
	require.Len(t, runs, 1)
	assert.Equal(t, types.FunctionIrrigation, runs[0].Function)
	assert.Equal(t, 300*time.Second, runs[0].EndsAt.Sub(runs[0].StartedAt))
}

func TestAutoConfig(t *testing.T) {
	f := newFixture(t)
	path := "/api/v1/devices/" + deviceID + "/irrigation/auto-config"

	rec := f.do(t, http.MethodPut, path, jsonBody{"enabled": true, "threshold": 30}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPut, path, jsonBody{"enabled": true, "threshold": 30, "duration": 60, "cooldown": 600}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{types.ActionAutoIrrigationConfig}, f.publisher.sent())

	cfg, ok := f.lm.engine.Configs().Get(deviceID, types.FunctionIrrigation)
	require.True(t, ok)
	assert.Equal(t, 30.0, cfg.Threshold)
	assert.Equal(t, 600, cfg.CooldownPeriod)

	rec = f.do(t, http.MethodGet, path, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"configured":true`)
}

func TestSchedules(t *testing.T) {
	f := newFixture(t)
	base := "/api/v1/devices/" + deviceID + "/schedules"

	rec := f.do(t, http.MethodPost, base, jsonBody{"function": "lighting", "spec": "not a cron"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, base, jsonBody{"function": "irrigation", "spec": "0 6 * * *", "duration": 300}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created automation.Schedule
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, created.Enabled)

	rec = f.do(t, http.MethodGet, base, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":1`)

	rec = f.do(t, http.MethodDelete, "/api/v1/devices/other/schedules/"+created.ID.String(), nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodDelete, base+"/"+created.ID.String(), nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.lm.scheduler.List(deviceID))
}

func TestAuthorization(t *testing.T) {
	f := newFixture(t, withAuth())
	path := "/api/v1/devices/" + deviceID + "/lighting/on"

	rec := f.do(t, http.MethodGet, "/api/v1/devices", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	viewer, err := f.verifier.Issue("u-1", "ana", "viewer", time.Minute)
	require.NoError(t, err)
	operator, err := f.verifier.Issue("u-2", "ben", "operator", time.Minute)
	require.NoError(t, err)

	rec = f.do(t, http.MethodGet, "/api/v1/devices", nil, viewer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, path, nil, viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodPost, path, nil, operator)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/devices/"+deviceID+"/schedules",
		jsonBody{"function": "lighting", "spec": "0 18 * * *"}, operator)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/system/status", nil, viewer)
	require.Equal(t, http.StatusOK, rec.Code)
	var status interfaces.SystemStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 1, status.OnlineDevices)
}

type jsonBody = map[string]any
