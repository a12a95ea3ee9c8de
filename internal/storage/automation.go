package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
)

func (p *PostgresClient) LoadAutomationConfigs(ctx context.Context) ([]AutomationRecord, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT device_id, function, enabled, threshold, trigger_duration, cooldown_period, last_trigger_at
		FROM automation_configs
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query automation configs: %w", err)
	}
	defer rows.Close()

	records := make([]AutomationRecord, 0)
	for rows.Next() {
		var (
			rec      AutomationRecord
			function string
			last     *time.Time
		)
		if err := rows.Scan(
			&rec.DeviceID,
			&function,
			&rec.Config.Enabled,
			&rec.Config.Threshold,
			&rec.Config.TriggerDuration,
			&rec.Config.CooldownPeriod,
			&last,
		); err != nil {
			return nil, fmt.Errorf("failed to scan automation config: %w", err)
		}
		rec.Function = types.Function(function)
		if last != nil {
			rec.Config.LastTriggerAt = *last
		}
		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveAutomationConfig upserts the setting for one device function.
func (p *PostgresClient) SaveAutomationConfig(ctx context.Context, deviceID string, fn types.Function, cfg types.AutomationConfig) error {
	var last *time.Time
	if !cfg.LastTriggerAt.IsZero() {
		last = &cfg.LastTriggerAt
	}

	_, err := p.pool.Exec(ctx, `
		INSERT INTO automation_configs (device_id, function, enabled, threshold, trigger_duration, cooldown_period, last_trigger_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (device_id, function) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			threshold = EXCLUDED.threshold,
			trigger_duration = EXCLUDED.trigger_duration,
			cooldown_period = EXCLUDED.cooldown_period,
			last_trigger_at = EXCLUDED.last_trigger_at,
			updated_at = now()
	`, deviceID, string(fn), cfg.Enabled, cfg.Threshold, cfg.TriggerDuration, cfg.CooldownPeriod, last)
	if err != nil {
		return fmt.Errorf("failed to save automation config: %w", err)
	}

	return nil
}
