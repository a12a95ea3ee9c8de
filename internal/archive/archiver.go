package archive

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

const (
	DefaultBatchSize     = 500
	DefaultFlushInterval = 5 * time.Second

	flushTimeout = 10 * time.Second
)

// Sink stores telemetry batches. Write must not retain the slice.
type Sink interface {
	Write(ctx context.Context, readings []types.SensorReading) error
	Close() error
}

// Archiver batches telemetry and writes it to a Sink by size or interval.
// Failed batches are logged and dropped.
type Archiver struct {
	sink          Sink
	batchSize     int
	flushInterval time.Duration
	queue         chan types.SensorReading
	done          chan struct{}
	metrics       *metrics.Metrics
	logger        *zap.Logger
}

func NewArchiver(sink Sink, batchSize int, flushInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	return &Archiver{
		sink:          sink,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		queue:         make(chan types.SensorReading, batchSize*4),
		done:          make(chan struct{}),
		metrics:       m,
		logger:        logger,
	}
}

// ConsumeReading queues a reading without blocking ingest.
func (a *Archiver) ConsumeReading(r types.SensorReading) {
	select {
	case a.queue <- r:
	default:
		a.metrics.TelemetryDropped("archive_full")
		a.logger.Warn("Archive queue full, reading dropped",
			zap.String("device_id", r.DeviceID))
	}
}

// Run flushes batches until ctx ends, then writes what is still queued.
func (a *Archiver) Run(ctx context.Context) {
	defer close(a.done)

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	batch := make([]types.SensorReading, 0, a.batchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case r := <-a.queue:
					batch = append(batch, r)
				default:
					a.flush(batch)
					return
				}
			}

		case r := <-a.queue:
			batch = append(batch, r)
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// Done is closed once Run has returned.
func (a *Archiver) Done() <-chan struct{} {
	return a.done
}

func (a *Archiver) flush(batch []types.SensorReading) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if err := a.sink.Write(ctx, batch); err != nil {
		a.logger.Error("Failed to archive telemetry batch",
			zap.Int("readings", len(batch)),
			zap.Error(err))
		return
	}
	a.logger.Debug("Telemetry batch archived", zap.Int("readings", len(batch)))
}

func (a *Archiver) Close() error {
	return a.sink.Close()
}
