package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const eventColumns = `id, device_id, function, event_type, status, action, reason,
	planned_duration, actual_duration, before_snapshot, after_snapshot, config,
	created_at, started_at, finished_at`

// RecordPending inserts a new event in pending status.
func (p *PostgresClient) RecordPending(ctx context.Context, event *ControlEvent) error {
	prepareEvent(event)

	before, err := marshalNullable(event.Before)
	if err != nil {
		return fmt.Errorf("failed to marshal before snapshot: %w", err)
	}
	cfg, err := marshalNullable(event.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO control_events (id, device_id, function, event_type, status, action,
			planned_duration, before_snapshot, config, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.DeviceID, string(event.Function), string(event.Type), string(event.Status),
		event.Action, event.PlannedDuration, before, cfg, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert control event: %w", err)
	}

	return nil
}

func (p *PostgresClient) MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error {
	return p.transition(ctx, id, StatusRunning, `started_at = $4`, at)
}

func (p *PostgresClient) RecordCompleted(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	after, err := marshalNullable(outcome.After)
	if err != nil {
		return fmt.Errorf("failed to marshal after snapshot: %w", err)
	}
	return p.transition(ctx, id, StatusCompleted,
		`finished_at = $4, after_snapshot = $5, actual_duration = $6`,
		outcome.FinishedAt, after, outcome.ActualDuration)
}

func (p *PostgresClient) RecordFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return p.transition(ctx, id, StatusFailed, `finished_at = $4, reason = $5`, at, reason)
}

func (p *PostgresClient) RecordCancelled(ctx context.Context, id uuid.UUID, reason string, at time.Time) error {
	return p.transition(ctx, id, StatusCancelled, `finished_at = $4, reason = $5`, at, reason)
}

// transition moves an event to `to` only from a status that allows it, so a
// finalized row is never rewritten.
func (p *PostgresClient) transition(ctx context.Context, id uuid.UUID, to EventStatus, set string, args ...any) error {
	query := fmt.Sprintf(`
		UPDATE control_events SET status = $2, %s
		WHERE id = $1 AND status = ANY($3)
	`, set)

	params := append([]any{id, string(to), sourcesFor(to)}, args...)
	tag, err := p.pool.Exec(ctx, query, params...)
	if err != nil {
		return fmt.Errorf("failed to update control event: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	current, err := p.Get(ctx, id)
	if err != nil {
		return err
	}
	return ValidateTransition(current.Status, to)
}

func (p *PostgresClient) Get(ctx context.Context, id uuid.UUID) (*ControlEvent, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM control_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to load control event: %w", err)
	}
	return ev, nil
}

func (p *PostgresClient) Latest(ctx context.Context, deviceID string, fn types.Function, limit int) ([]ControlEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := p.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM control_events
		WHERE device_id = $1 AND ($2 = '' OR function = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, deviceID, string(fn), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query control events: %w", err)
	}
	defer rows.Close()

	events := make([]ControlEvent, 0)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan control event: %w", err)
		}
		events = append(events, *ev)
	}

	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*ControlEvent, error) {
	var (
		ev                    ControlEvent
		function, typ, status string
		reason                *string
		before, after, cfg    []byte
	)

	err := row.Scan(
		&ev.ID,
		&ev.DeviceID,
		&function,
		&typ,
		&status,
		&ev.Action,
		&reason,
		&ev.PlannedDuration,
		&ev.ActualDuration,
		&before,
		&after,
		&cfg,
		&ev.CreatedAt,
		&ev.StartedAt,
		&ev.FinishedAt,
	)
	if err != nil {
		return nil, err
	}

	ev.Function = types.Function(function)
	ev.Type = EventType(typ)
	ev.Status = EventStatus(status)
	if reason != nil {
		ev.Reason = *reason
	}

	if len(before) > 0 {
		ev.Before = &types.SensorReading{}
		if err := json.Unmarshal(before, ev.Before); err != nil {
			return nil, fmt.Errorf("failed to decode before snapshot: %w", err)
		}
	}
	if len(after) > 0 {
		ev.After = &types.SensorReading{}
		if err := json.Unmarshal(after, ev.After); err != nil {
			return nil, fmt.Errorf("failed to decode after snapshot: %w", err)
		}
	}
	if len(cfg) > 0 {
		ev.Config = &types.AutomationConfig{}
		if err := json.Unmarshal(cfg, ev.Config); err != nil {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	return &ev, nil
}

// marshalNullable encodes v as JSON, or returns nil for a nil pointer so the
// column is stored as NULL.
func marshalNullable[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
