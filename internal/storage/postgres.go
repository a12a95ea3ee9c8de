package storage

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresClient struct {
	pool *pgxpool.Pool
}

func NewPostgresClient(cfg config.DatabaseConfig) (*PostgresClient, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse pool config: %w", err)
	}

	if cfg.MaxConnections > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConnections)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresClient{pool: pool}, nil
}

func (p *PostgresClient) Close() {
	p.pool.Close()
}

func (p *PostgresClient) Pool() *pgxpool.Pool {
	return p.pool
}

// EnsureSchema creates the history and automation tables when missing.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS control_events (
		id               UUID PRIMARY KEY,
		device_id        TEXT NOT NULL,
		function         TEXT NOT NULL,
		event_type       TEXT NOT NULL,
		status           TEXT NOT NULL,
		action           TEXT NOT NULL,
		reason           TEXT,
		planned_duration INTEGER,
		actual_duration  INTEGER,
		before_snapshot  JSONB,
		after_snapshot   JSONB,
		config           JSONB,
		created_at       TIMESTAMPTZ NOT NULL,
		started_at       TIMESTAMPTZ,
		finished_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_control_events_device
		ON control_events (device_id, function, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS automation_configs (
		device_id        TEXT NOT NULL,
		function         TEXT NOT NULL,
		enabled          BOOLEAN NOT NULL,
		threshold        DOUBLE PRECISION NOT NULL,
		trigger_duration INTEGER NOT NULL,
		cooldown_period  INTEGER NOT NULL,
		last_trigger_at  TIMESTAMPTZ,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (device_id, function)
	)`,
}
