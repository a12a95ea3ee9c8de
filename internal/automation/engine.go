// Package automation issues commands from sensor readings and cron schedules.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/command"
	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req command.Request) (*command.Handle, error)
}

type Notifier interface {
	AutomationTriggered(deviceID string, fn types.Function, threshold float64, reading types.SensorReading)
}

// Engine evaluates every reading against the device's automation settings.
// Dispatch and acknowledgment run off the evaluation path.
type Engine struct {
	configs    *ConfigStore
	dispatcher Dispatcher
	notifier   Notifier
	metrics    *metrics.Metrics
	logger     *zap.Logger

	now            func() time.Time
	historyTimeout time.Duration

	// enabledMu orders SetEnabled(false) before Wait: once it returns no
	// evaluation can add to wg.
	enabledMu sync.RWMutex
	enabled   bool
	wg        sync.WaitGroup
}

func NewEngine(configs *ConfigStore, dispatcher Dispatcher, notifier Notifier, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		configs:        configs,
		dispatcher:     dispatcher,
		notifier:       notifier,
		metrics:        m,
		logger:         logger,
		now:            time.Now,
		historyTimeout: 5 * time.Second,
		enabled:        true,
	}
}

// SetEnabled switches threshold evaluation on or off. Config updates still work when off.
func (e *Engine) SetEnabled(enabled bool) {
	e.enabledMu.Lock()
	defer e.enabledMu.Unlock()
	e.enabled = enabled
}

func (e *Engine) Enabled() bool {
	e.enabledMu.RLock()
	defer e.enabledMu.RUnlock()
	return e.enabled
}

func (e *Engine) Configs() *ConfigStore {
	return e.configs
}

// shouldTrigger is the threshold predicate for a function.
func shouldTrigger(fn types.Function, cfg types.AutomationConfig, r types.SensorReading) bool {
	switch fn {
	case types.FunctionIrrigation:
		return r.SoilMoisture < cfg.Threshold
	case types.FunctionLighting:
		return r.LightLevel < cfg.Threshold
	default:
		return false
	}
}

func (e *Engine) ConsumeReading(r types.SensorReading) {
	e.Evaluate(r)
}

// Evaluate decides, per function, whether the reading triggers an automatic
// command and returns the functions that did.
func (e *Engine) Evaluate(r types.SensorReading) []types.Function {
	e.enabledMu.RLock()
	defer e.enabledMu.RUnlock()
	if !e.enabled {
		return nil
	}

	var triggered []types.Function
	for _, fn := range types.Functions {
		now := e.now()
		cfg, previous, ok := e.configs.TryTrigger(r.DeviceID, fn, now, func(cfg types.AutomationConfig) bool {
			return shouldTrigger(fn, cfg, r)
		})
		if !ok {
			continue
		}

		triggered = append(triggered, fn)
		e.logger.Info("Automation threshold crossed",
			zap.String("device_id", r.DeviceID),
			zap.String("function", string(fn)),
			zap.Float64("threshold", cfg.Threshold))

		e.wg.Add(1)
		go e.fire(r, fn, cfg, now, previous)
	}
	return triggered
}

func (e *Engine) fire(r types.SensorReading, fn types.Function, cfg types.AutomationConfig, triggeredAt, previous time.Time) {
	defer e.wg.Done()

	before := r
	req := command.Request{
		DeviceID:  r.DeviceID,
		Function:  fn,
		Action:    types.OnAction(fn),
		EventType: storage.EventAuto,
		Duration:  cfg.Duration(),
		Before:    &before,
	}

	h, err := e.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		if nothingDispatched(err) {
			e.configs.Rollback(r.DeviceID, fn, triggeredAt, previous)
		}
		e.logger.Warn("Automatic command not dispatched",
			zap.String("device_id", r.DeviceID),
			zap.String("function", string(fn)),
			zap.Error(err))
		return
	}

	e.metrics.AutomationTriggered(string(fn), string(storage.EventAuto))
	if e.notifier != nil {
		e.notifier.AutomationTriggered(r.DeviceID, fn, cfg.Threshold, r)
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.historyTimeout)
	if err := e.configs.SaveTrigger(ctx, r.DeviceID, fn); err != nil {
		e.logger.Error("Failed to persist trigger time",
			zap.String("device_id", r.DeviceID),
			zap.Error(err))
	}
	cancel()

	// a timeout keeps the cooldown consumed: no retry before it elapses
	if _, err := h.Wait(context.Background()); err != nil {
		e.logger.Warn("Automatic command failed",
			zap.String("device_id", r.DeviceID),
			zap.String("function", string(fn)),
			zap.String("event_id", h.EventID.String()),
			zap.Error(err))
	}
}

func nothingDispatched(err error) bool {
	return errors.Is(err, command.ErrDeviceOffline) ||
		errors.Is(err, command.ErrDeviceNotFound) ||
		errors.Is(err, command.ErrCommandAlreadyInFlight) ||
		errors.Is(err, command.ErrUnsupportedFunction)
}

// UpdateConfig sends cfg to the device and stores it once the device
// acknowledges. The stored lastTriggerAt is preserved.
func (e *Engine) UpdateConfig(ctx context.Context, deviceID string, fn types.Function, cfg types.AutomationConfig) (types.AutomationConfig, error) {
	if err := cfg.Validate(fn); err != nil {
		return types.AutomationConfig{}, fmt.Errorf("%w: automation config: %v", command.ErrInvalidRequest, err)
	}

	payload := cfg
	h, err := e.dispatcher.Dispatch(ctx, command.Request{
		DeviceID:  deviceID,
		Function:  fn,
		Action:    types.ConfigAction(fn),
		EventType: storage.EventAutoConfigUpdate,
		Config:    &payload,
		Params: map[string]any{
			"enabled":   cfg.Enabled,
			"threshold": cfg.Threshold,
			"duration":  cfg.TriggerDuration,
			"cooldown":  cfg.CooldownPeriod,
		},
	})
	if err != nil {
		return types.AutomationConfig{}, err
	}

	if _, err := h.Wait(ctx); err != nil {
		return types.AutomationConfig{}, err
	}

	stored, err := e.configs.Put(ctx, deviceID, fn, cfg)
	if err != nil {
		return stored, err
	}

	e.logger.Info("Automation config updated",
		zap.String("device_id", deviceID),
		zap.String("function", string(fn)),
		zap.Bool("enabled", stored.Enabled),
		zap.Float64("threshold", stored.Threshold))
	return stored, nil
}

// Wait blocks until all in-flight automatic commands have resolved.
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("automation engine: %w", ctx.Err())
	}
}
