// Package telemetry accepts device readings and acknowledgments from the
// transport and fans readings out to asynchronous consumers.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenFarmCore/internal/metrics"
	"github.com/KevinKickass/OpenFarmCore/internal/types"
	"go.uber.org/zap"
)

var ErrMalformedTelemetry = errors.New("malformed telemetry")

const DefaultQueueSize = 1024

// Registry is the device state the ingest path writes to.
type Registry interface {
	AppendReading(reading types.SensorReading)
	RecordHeartbeat(deviceID string, ts time.Time)
}

type AckReceiver interface {
	ReceiveAck(ack types.DeviceAck) bool
}

// Consumer is notified of every accepted reading, off the ingest path.
type Consumer interface {
	ConsumeReading(reading types.SensorReading)
}

type ConsumerFunc func(reading types.SensorReading)

func (f ConsumerFunc) ConsumeReading(reading types.SensorReading) { f(reading) }

type Ingestor struct {
	registry Registry
	acks     AckReceiver
	metrics  *metrics.Metrics
	logger   *zap.Logger

	queue chan types.SensorReading

	mu        sync.RWMutex
	consumers []Consumer

	wg       sync.WaitGroup
	stopOnce sync.Once
	stop     chan struct{}
}

func NewIngestor(registry Registry, acks AckReceiver, queueSize int, m *metrics.Metrics, logger *zap.Logger) *Ingestor {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Ingestor{
		registry: registry,
		acks:     acks,
		metrics:  m,
		logger:   logger,
		queue:    make(chan types.SensorReading, queueSize),
		stop:     make(chan struct{}),
	}
}

// AddConsumer must be called before Start.
func (i *Ingestor) AddConsumer(c Consumer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.consumers = append(i.consumers, c)
}

func (i *Ingestor) Start(ctx context.Context) {
	i.wg.Add(1)
	go i.run(ctx)
}

func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
	i.wg.Wait()
}

func (i *Ingestor) run(ctx context.Context) {
	defer i.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-i.stop:
			return
		case reading := <-i.queue:
			i.deliver(reading)
		}
	}
}

func (i *Ingestor) deliver(reading types.SensorReading) {
	i.mu.RLock()
	consumers := i.consumers
	i.mu.RUnlock()

	for _, c := range consumers {
		c.ConsumeReading(reading)
	}
}

// Ingest validates a reading, stores it in the device window and queues it
// for consumers. A full queue drops the notification, never the reading.
func (i *Ingestor) Ingest(reading types.SensorReading) error {
	if err := validateReading(reading); err != nil {
		i.metrics.TelemetryDropped("malformed")
		i.logger.Warn("Dropping malformed reading",
			zap.String("device_id", reading.DeviceID),
			zap.Error(err))
		return err
	}
	now := time.Now().UTC()
	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}

	// liveness uses receipt time
	i.registry.AppendReading(reading)
	i.registry.RecordHeartbeat(reading.DeviceID, now)
	i.metrics.TelemetryReceived()

	select {
	case i.queue <- reading:
	default:
		i.metrics.TelemetryDropped("queue_full")
		i.logger.Warn("Telemetry queue full, notification dropped",
			zap.String("device_id", reading.DeviceID))
	}
	return nil
}

// Acknowledge records the status message as a heartbeat and hands it to the correlator.
func (i *Ingestor) Acknowledge(ack types.DeviceAck) {
	i.registry.RecordHeartbeat(ack.DeviceID, time.Now().UTC())
	i.acks.ReceiveAck(ack)
}

func validateReading(r types.SensorReading) error {
	if r.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrMalformedTelemetry)
	}
	for name, v := range map[string]float64{
		"temperature":  r.Temperature,
		"humidity":     r.Humidity,
		"soilMoisture": r.SoilMoisture,
		"lightLevel":   r.LightLevel,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not a number", ErrMalformedTelemetry, name)
		}
	}
	return nil
}
