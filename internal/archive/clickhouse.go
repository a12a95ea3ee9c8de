package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/KevinKickass/OpenFarmCore/internal/config"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

const createReadingsTable = `
CREATE TABLE IF NOT EXISTS sensor_readings (
	timestamp     DateTime64(3),
	device_id     LowCardinality(String),
	temperature   Float64,
	humidity      Float64,
	soil_moisture Float64,
	light_level   Float64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(timestamp)
ORDER BY (device_id, timestamp)
`

// ClickHouseSink writes telemetry batches to ClickHouse.
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// OpenClickHouse connects, pings and creates the readings table if needed.
func OpenClickHouse(ctx context.Context, cfg config.ArchiveConfig, logger *zap.Logger) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	if err := conn.Exec(ctx, createReadingsTable); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create sensor_readings table: %w", err)
	}

	logger.Info("Connected to ClickHouse archive",
		zap.String("addr", cfg.Addr),
		zap.String("database", cfg.Database))

	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

// Write inserts readings as one batch.
func (s *ClickHouseSink) Write(ctx context.Context, readings []types.SensorReading) error {
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO sensor_readings")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, r := range readings {
		if err := batch.Append(
			r.Timestamp,
			r.DeviceID,
			r.Temperature,
			r.Humidity,
			r.SoilMoisture,
			r.LightLevel,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append reading: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Close() error {
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ClickHouse connection: %w", err)
	}
	s.logger.Info("ClickHouse connection closed")
	return nil
}
