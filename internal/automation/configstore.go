package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/storage"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

type configKey struct {
	deviceID string
	function types.Function
}

// ConfigStore holds automation settings per device function. The cooldown
// check and the lastTriggerAt update happen under one lock, so concurrent
// readings for the same device trigger at most once.
type ConfigStore struct {
	mu      sync.Mutex
	configs map[configKey]types.AutomationConfig

	persist storage.AutomationStore
	logger  *zap.Logger
}

func NewConfigStore(persist storage.AutomationStore, logger *zap.Logger) *ConfigStore {
	return &ConfigStore{
		configs: make(map[configKey]types.AutomationConfig),
		persist: persist,
		logger:  logger,
	}
}

// Load replaces the in-memory settings with the persisted ones.
func (s *ConfigStore) Load(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	records, err := s.persist.LoadAutomationConfigs(ctx)
	if err != nil {
		return fmt.Errorf("failed to load automation configs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.configs = make(map[configKey]types.AutomationConfig, len(records))
	for _, rec := range records {
		s.configs[configKey{rec.DeviceID, rec.Function}] = rec.Config
	}

	s.logger.Info("Automation configs loaded", zap.Int("count", len(records)))
	return nil
}

func (s *ConfigStore) Get(deviceID string, fn types.Function) (types.AutomationConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.configs[configKey{deviceID, fn}]
	return cfg, ok
}

// Put stores cfg, keeping the existing lastTriggerAt.
func (s *ConfigStore) Put(ctx context.Context, deviceID string, fn types.Function, cfg types.AutomationConfig) (types.AutomationConfig, error) {
	if err := cfg.Validate(fn); err != nil {
		return types.AutomationConfig{}, err
	}

	s.mu.Lock()
	key := configKey{deviceID, fn}
	if prev, ok := s.configs[key]; ok {
		cfg.LastTriggerAt = prev.LastTriggerAt
	} else {
		cfg.LastTriggerAt = time.Time{}
	}
	s.configs[key] = cfg
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveAutomationConfig(ctx, deviceID, fn, cfg); err != nil {
			return cfg, fmt.Errorf("failed to save automation config: %w", err)
		}
	}
	return cfg, nil
}

// TryTrigger checks the config for (deviceID, fn) and, when it is enabled,
// should fires and the cooldown has elapsed, records now as the trigger time.
// It returns the config in effect and the previous trigger time for Rollback.
func (s *ConfigStore) TryTrigger(deviceID string, fn types.Function, now time.Time, should func(types.AutomationConfig) bool) (types.AutomationConfig, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := configKey{deviceID, fn}
	cfg, ok := s.configs[key]
	if !ok || !cfg.Enabled || !should(cfg) || !cfg.CooldownElapsed(now) {
		return cfg, time.Time{}, false
	}

	previous := cfg.LastTriggerAt
	cfg.LastTriggerAt = now
	s.configs[key] = cfg
	return cfg, previous, true
}

// Rollback restores the previous trigger time when a trigger at triggeredAt
// did not dispatch anything. A newer trigger is left untouched.
func (s *ConfigStore) Rollback(deviceID string, fn types.Function, triggeredAt, previous time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := configKey{deviceID, fn}
	cfg, ok := s.configs[key]
	if !ok || !cfg.LastTriggerAt.Equal(triggeredAt) {
		return
	}
	cfg.LastTriggerAt = previous
	s.configs[key] = cfg
}

// SaveTrigger persists the current lastTriggerAt of (deviceID, fn).
func (s *ConfigStore) SaveTrigger(ctx context.Context, deviceID string, fn types.Function) error {
	if s.persist == nil {
		return nil
	}
	cfg, ok := s.Get(deviceID, fn)
	if !ok {
		return nil
	}
	return s.persist.SaveAutomationConfig(ctx, deviceID, fn, cfg)
}
