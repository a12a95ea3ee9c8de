package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Command is the payload published on a device command topic.
type Command struct {
	CommandID string         `json:"commandId"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	IssuedAt  time.Time      `json:"issuedAt"`
}

type Publisher interface {
	PublishCommand(ctx context.Context, deviceID string, cmd Command) error
}

type DeviceRegistry interface {
	Get(deviceID string) (types.Device, bool)
	IsOnline(deviceID string) bool
	LatestReading(deviceID string) (types.SensorReading, bool)
}

// Notifier is told about every history change the dispatcher makes.
type Notifier interface {
	ControlEventChanged(event storage.ControlEvent)
}

// Request describes one control command.
type Request struct {
	DeviceID  string
	Function  types.Function
	Action    string
	Params    map[string]any
	EventType storage.EventType
	// Duration > 0 schedules the matching off command once the on command is acknowledged.
	Duration time.Duration
	Before   *types.SensorReading
	Config   *types.AutomationConfig
	Timeout  time.Duration
}

func (r Request) validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if r.Action == "" {
		return fmt.Errorf("action is required")
	}
	if _, err := types.ParseFunction(string(r.Function)); err != nil {
		return err
	}
	if r.Duration < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	if r.Duration > 0 && r.Action != types.OnAction(r.Function) {
		return fmt.Errorf("duration requires action %s", types.OnAction(r.Function))
	}
	return nil
}

// supersedes reports whether the request replaces a running timed command
// for the same function.
func (r Request) supersedes() bool {
	return r.Action == types.OnAction(r.Function) || r.Action == types.OffAction(r.Function)
}

// Handle is the caller's view of a dispatched command.
type Handle struct {
	EventID  uuid.UUID
	DeviceID string
	Action   string

	pending *Pending
	done    chan struct{}
	ack     types.DeviceAck
	err     error
}

func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait returns the acknowledgment or a typed error. If ctx ends first the
// command is cancelled and Wait returns once history has been finalized.
func (h *Handle) Wait(ctx context.Context) (types.DeviceAck, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.pending.correlator.cancel(h.pending)
		<-h.done
	}
	return h.ack, h.err
}

// Cancel withdraws the command if it is still awaiting acknowledgment.
func (h *Handle) Cancel() bool {
	return h.pending.correlator.cancel(h.pending)
}

// run tracks a timed on command between its acknowledgment and the deferred off.
type run struct {
	eventID   uuid.UUID
	deviceID  string
	function  types.Function
	duration  time.Duration
	startedAt time.Time
	timer     *time.Timer
}

// ActiveRun describes a timed command currently switched on.
type ActiveRun struct {
	EventID   uuid.UUID      `json:"event_id"`
	Function  types.Function `json:"function"`
	StartedAt time.Time      `json:"started_at"`
	EndsAt    time.Time      `json:"ends_at"`
}

type Dispatcher struct {
	registry   DeviceRegistry
	correlator *Correlator
	publisher  Publisher
	history    storage.HistoryStore
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger

	historyTimeout time.Duration
	now            func() time.Time

	runsMu sync.Mutex
	runs   map[string]*run
	wg     sync.WaitGroup
}

func NewDispatcher(
	registry DeviceRegistry,
	correlator *Correlator,
	publisher Publisher,
	history storage.HistoryStore,
	notifier Notifier,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		registry:       registry,
		correlator:     correlator,
		publisher:      publisher,
		history:        history,
		notifier:       notifier,
		metrics:        m,
		logger:         logger,
		historyTimeout: 5 * time.Second,
		now:            time.Now,
		runs:           make(map[string]*run),
	}
}

func (d *Dispatcher) SetHistoryTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.historyTimeout = timeout
	}
}

func (d *Dispatcher) Correlator() *Correlator {
	return d.correlator
}

// Dispatch publishes the command and returns a handle resolving on ack,
// timeout or cancellation. Offline devices short-circuit before anything is
// published or recorded.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Handle, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	device, ok := d.registry.Get(req.DeviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, req.DeviceID)
	}
	if len(device.Capabilities) > 0 && !device.HasCapability(req.Function) {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnsupportedFunction, req.Function, req.DeviceID)
	}
	if !d.registry.IsOnline(req.DeviceID) {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, req.DeviceID)
	}

	pending, err := d.correlator.Register(req.DeviceID, req.Action, req.Timeout)
	if err != nil {
		return nil, err
	}

	event := &storage.ControlEvent{
		DeviceID:  req.DeviceID,
		Function:  req.Function,
		Type:      req.EventType,
		Action:    req.Action,
		Before:    req.Before,
		Config:    req.Config,
		CreatedAt: d.now().UTC(),
	}
	params := copyParams(req.Params)
	if req.Duration > 0 {
		seconds := int(req.Duration / time.Second)
		event.PlannedDuration = &seconds
		params["duration"] = seconds
	}

	// recorded before publishing, so a crash mid-flight leaves a visible pending entry
	if err := d.history.RecordPending(ctx, event); err != nil {
		d.correlator.cancel(pending)
		return nil, fmt.Errorf("failed to record pending event: %w", err)
	}
	d.notify(event.ID)

	cmd := Command{
		CommandID: event.ID.String(),
		Action:    req.Action,
		Params:    params,
		IssuedAt:  event.CreatedAt,
	}
	if err := d.publisher.PublishCommand(ctx, req.DeviceID, cmd); err != nil {
		d.correlator.cancel(pending)
		d.finalize(event.ID, func(hctx context.Context) error {
			return d.history.RecordFailed(hctx, event.ID, "publish failed: "+err.Error(), d.now().UTC())
		})
		d.metrics.CommandOutcome(req.Action, "publish_failed")
		return nil, fmt.Errorf("failed to publish command: %w", err)
	}

	d.metrics.CommandDispatched(string(req.Function), req.Action, string(req.EventType))
	d.logger.Info("Command dispatched",
		zap.String("device_id", req.DeviceID),
		zap.String("action", req.Action),
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(req.EventType)))

	var r *run
	if req.supersedes() {
		d.supersede(req.DeviceID, req.Function, req.EventType)
	}
	if req.Duration > 0 {
		r = d.claimRun(event.ID, req)
	}

	h := &Handle{
		EventID:  event.ID,
		DeviceID: req.DeviceID,
		Action:   req.Action,
		pending:  pending,
		done:     make(chan struct{}),
	}

	d.wg.Add(1)
	go d.track(h, event.ID, req, r)

	return h, nil
}

// ForceDispatch cancels any in-flight command for the same device and action,
// then dispatches req.
func (d *Dispatcher) ForceDispatch(ctx context.Context, req Request) (*Handle, error) {
	if d.correlator.Cancel(req.DeviceID, req.Action) {
		d.logger.Info("In-flight command cancelled for retry",
			zap.String("device_id", req.DeviceID),
			zap.String("action", req.Action))
	}
	return d.Dispatch(ctx, req)
}

// track owns the outcome of one command: it finalizes history whether or not
// the caller still waits on the handle.
func (d *Dispatcher) track(h *Handle, eventID uuid.UUID, req Request, r *run) {
	defer d.wg.Done()

	ack, err := h.pending.Wait(context.Background())
	now := d.now().UTC()

	if err == nil && ack.Status != types.AckSuccess {
		err = &RejectedError{DeviceID: req.DeviceID, Action: req.Action, Message: ack.Message}
	}

	switch {
	case err == nil && r != nil:
		d.finalize(eventID, func(ctx context.Context) error {
			return d.history.MarkRunning(ctx, eventID, now)
		})
		if !d.startRun(r, now) {
			d.finalize(eventID, func(ctx context.Context) error {
				return d.history.RecordCancelled(ctx, eventID, "superseded", now)
			})
		}
		d.metrics.CommandOutcome(req.Action, "completed")
	case err == nil:
		d.finalize(eventID, func(ctx context.Context) error {
			return d.history.RecordCompleted(ctx, eventID, storage.Outcome{After: d.snapshot(req.DeviceID), FinishedAt: now})
		})
		d.metrics.CommandOutcome(req.Action, "completed")
	default:
		d.releaseRun(r)
		reason, status := failureReason(err)
		d.finalize(eventID, func(ctx context.Context) error {
			if status == storage.StatusCancelled {
				return d.history.RecordCancelled(ctx, eventID, reason, now)
			}
			return d.history.RecordFailed(ctx, eventID, reason, now)
		})
		d.metrics.CommandOutcome(req.Action, outcomeLabel(err))
		d.logger.Warn("Command failed",
			zap.String("device_id", req.DeviceID),
			zap.String("action", req.Action),
			zap.String("event_id", eventID.String()),
			zap.Error(err))
	}

	h.ack = ack
	h.err = err
	close(h.done)
}

func failureReason(err error) (string, storage.EventStatus) {
	var rejected *RejectedError
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return "timeout", storage.StatusFailed
	case errors.Is(err, ErrCommandCancelled):
		return "cancelled", storage.StatusCancelled
	case errors.As(err, &rejected):
		if rejected.Message != "" {
			return rejected.Message, storage.StatusFailed
		}
		return "rejected", storage.StatusFailed
	default:
		return err.Error(), storage.StatusFailed
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrCommandTimeout):
		return "timeout"
	case errors.Is(err, ErrCommandCancelled):
		return "cancelled"
	case errors.Is(err, ErrCommandRejected):
		return "rejected"
	default:
		return "failed"
	}
}

func runKey(deviceID string, fn types.Function) string {
	return deviceID + ":" + string(fn)
}

// claimRun reserves the function slot for a timed command before its ack.
func (d *Dispatcher) claimRun(eventID uuid.UUID, req Request) *run {
	r := &run{
		eventID:  eventID,
		deviceID: req.DeviceID,
		function: req.Function,
		duration: req.Duration,
	}

	d.runsMu.Lock()
	d.runs[runKey(req.DeviceID, req.Function)] = r
	d.runsMu.Unlock()

	return r
}

// startRun arms the deferred off. It fails when a newer command superseded
// the run while its on command was in flight.
func (d *Dispatcher) startRun(r *run, at time.Time) bool {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()

	if d.runs[runKey(r.deviceID, r.function)] != r {
		return false
	}
	r.startedAt = at
	r.timer = time.AfterFunc(r.duration, func() { d.finishRun(r) })
	return true
}

func (d *Dispatcher) releaseRun(r *run) {
	if r == nil {
		return
	}
	d.runsMu.Lock()
	if d.runs[runKey(r.deviceID, r.function)] == r {
		delete(d.runs, runKey(r.deviceID, r.function))
	}
	d.runsMu.Unlock()
}

// supersede stops a running timed command for the function. A run whose on
// command is still unacknowledged is only released; its tracker records it.
func (d *Dispatcher) supersede(deviceID string, fn types.Function, by storage.EventType) {
	key := runKey(deviceID, fn)

	d.runsMu.Lock()
	r, ok := d.runs[key]
	if ok {
		delete(d.runs, key)
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	d.runsMu.Unlock()

	if !ok || r.timer == nil {
		return
	}

	d.logger.Info("Timed command superseded",
		zap.String("device_id", deviceID),
		zap.String("function", string(fn)),
		zap.String("event_id", r.eventID.String()),
		zap.String("by", string(by)))

	d.finalize(r.eventID, func(ctx context.Context) error {
		return d.history.RecordCancelled(ctx, r.eventID, "superseded by "+string(by), d.now().UTC())
	})
}

// finishRun sends the deferred off and completes the timed event on its ack.
func (d *Dispatcher) finishRun(r *run) {
	d.runsMu.Lock()
	if d.runs[runKey(r.deviceID, r.function)] != r {
		d.runsMu.Unlock()
		return
	}
	delete(d.runs, runKey(r.deviceID, r.function))
	d.wg.Add(1)
	d.runsMu.Unlock()
	defer d.wg.Done()

	action := types.OffAction(r.function)
	fail := func(reason string) {
		d.finalize(r.eventID, func(ctx context.Context) error {
			return d.history.RecordFailed(ctx, r.eventID, reason, d.now().UTC())
		})
		d.metrics.CommandOutcome(action, "failed")
	}

	pending, err := d.correlator.Register(r.deviceID, action, 0)
	if err != nil {
		d.logger.Warn("Deferred off not sent", zap.String("device_id", r.deviceID), zap.Error(err))
		fail("off command: " + err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.historyTimeout)
	err = d.publisher.PublishCommand(ctx, r.deviceID, Command{
		CommandID: uuid.NewString(),
		Action:    action,
		IssuedAt:  d.now().UTC(),
	})
	cancel()
	if err != nil {
		d.correlator.cancel(pending)
		fail("off command publish failed: " + err.Error())
		return
	}

	ack, err := pending.Wait(context.Background())
	if err == nil && ack.Status != types.AckSuccess {
		err = &RejectedError{DeviceID: r.deviceID, Action: action, Message: ack.Message}
	}
	if err != nil {
		reason, _ := failureReason(err)
		fail("off command: " + reason)
		return
	}

	now := d.now().UTC()
	actual := int(now.Sub(r.startedAt).Round(time.Second) / time.Second)
	d.finalize(r.eventID, func(ctx context.Context) error {
		return d.history.RecordCompleted(ctx, r.eventID, storage.Outcome{
			After:          d.snapshot(r.deviceID),
			ActualDuration: &actual,
			FinishedAt:     now,
		})
	})
	d.metrics.CommandOutcome(action, "completed")
}

// ActiveRuns lists timed commands currently switched on for the device.
func (d *Dispatcher) ActiveRuns(deviceID string) []ActiveRun {
	d.runsMu.Lock()
	defer d.runsMu.Unlock()

	runs := make([]ActiveRun, 0)
	for _, r := range d.runs {
		if r.deviceID != deviceID || r.timer == nil {
			continue
		}
		runs = append(runs, ActiveRun{
			EventID:   r.eventID,
			Function:  r.function,
			StartedAt: r.startedAt,
			EndsAt:    r.startedAt.Add(r.duration),
		})
	}
	return runs
}

// Stop halts deferred off timers and cancels in-flight commands. Running
// events stay in history as running.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.runsMu.Lock()
	for key, r := range d.runs {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(d.runs, key)
	}
	d.runsMu.Unlock()

	if n := d.correlator.CancelAll(); n > 0 {
		d.logger.Info("Cancelled in-flight commands", zap.Int("count", n))
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher stop: %w", ctx.Err())
	}
}

// finalize applies a history transition and notifies listeners of the result.
func (d *Dispatcher) finalize(eventID uuid.UUID, apply func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.historyTimeout)
	defer cancel()

	if err := apply(ctx); err != nil {
		d.logger.Error("Failed to update control event",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		return
	}
	d.notify(eventID)
}

func (d *Dispatcher) notify(eventID uuid.UUID) {
	if d.notifier == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.historyTimeout)
	defer cancel()

	event, err := d.history.Get(ctx, eventID)
	if err != nil {
		d.logger.Warn("Failed to load control event for broadcast",
			zap.String("event_id", eventID.String()),
			zap.Error(err))
		return
	}
	d.notifier.ControlEventChanged(*event)
}

func (d *Dispatcher) snapshot(deviceID string) *types.SensorReading {
	reading, ok := d.registry.LatestReading(deviceID)
	if !ok {
		return nil
	}
	return &reading
}

func copyParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	return out
}
