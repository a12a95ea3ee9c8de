package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HistoryStore is the append-only log of irrigation and lighting events.
// Each event moves pending -> (running) -> completed|failed|cancelled and is
// never changed once finalized.
type HistoryStore interface {
	RecordPending(ctx context.Context, event *ControlEvent) error
	MarkRunning(ctx context.Context, id uuid.UUID, at time.Time) error
	RecordCompleted(ctx context.Context, id uuid.UUID, outcome Outcome) error
	RecordFailed(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	RecordCancelled(ctx context.Context, id uuid.UUID, reason string, at time.Time) error
	Get(ctx context.Context, id uuid.UUID) (*ControlEvent, error)
	// Latest returns up to limit events, newest first. An empty function
	// matches both irrigation and lighting.
	Latest(ctx context.Context, deviceID string, fn types.Function, limit int) ([]ControlEvent, error)
}

type AutomationStore interface {
	LoadAutomationConfigs(ctx context.Context) ([]AutomationRecord, error)
	SaveAutomationConfig(ctx context.Context, deviceID string, fn types.Function, cfg types.AutomationConfig) error
}

type Store interface {
	HistoryStore
	AutomationStore
	Close()
}

// Open returns the Postgres store when enabled, the in-memory store otherwise.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (Store, error) {
	if !cfg.Enabled {
		logger.Warn("Database disabled, history is kept in memory")
		return NewMemoryStore(), nil
	}

	client, err := NewPostgresClient(cfg)
	if err != nil {
		return nil, err
	}

	if err := client.EnsureSchema(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	logger.Info("Database connected",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database))

	return client, nil
}

func prepareEvent(event *ControlEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	event.Status = StatusPending
}
