// Package metrics exposes Prometheus collectors for the control core.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "openfarmcore"

type Metrics struct {
	registry *prometheus.Registry

	commandsDispatched *prometheus.CounterVec
	commandOutcomes    *prometheus.CounterVec
	ackLatency         *prometheus.HistogramVec
	unexpectedAcks     prometheus.Counter
	telemetryReceived  prometheus.Counter
	telemetryDropped   *prometheus.CounterVec
	automationTriggers *prometheus.CounterVec
	eventsDropped      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		commandsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_dispatched_total",
			Help:      "Commands published to devices.",
		}, []string{"function", "action", "type"}),
		commandOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_outcomes_total",
			Help:      "Resolved commands by outcome.",
		}, []string{"action", "outcome"}),
		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from dispatch to acknowledgment.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6},
		}, []string{"action"}),
		unexpectedAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unexpected_acks_total",
			Help:      "Acknowledgments without a pending command.",
		}),
		telemetryReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_received_total",
			Help:      "Sensor readings accepted by ingest.",
		}),
		telemetryDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_dropped_total",
			Help:      "Inbound messages dropped, by reason.",
		}, []string{"reason"}),
		automationTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "automation_triggers_total",
			Help:      "Automatic commands issued by the automation engine.",
		}, []string{"function", "source"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_events_dropped_total",
			Help:      "Events not delivered to a slow subscriber.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.commandsDispatched,
		m.commandOutcomes,
		m.ackLatency,
		m.unexpectedAcks,
		m.telemetryReceived,
		m.telemetryDropped,
		m.automationTriggers,
		m.eventsDropped,
	)

	return m
}

// RegisterGauge exposes a value computed on scrape, such as the pending command count.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CommandDispatched(function, action, eventType string) {
	if m == nil {
		return
	}
	m.commandsDispatched.WithLabelValues(function, action, eventType).Inc()
}

func (m *Metrics) CommandOutcome(action, outcome string) {
	if m == nil {
		return
	}
	m.commandOutcomes.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) AckLatency(action string, d time.Duration) {
	if m == nil {
		return
	}
	m.ackLatency.WithLabelValues(action).Observe(d.Seconds())
}

func (m *Metrics) UnexpectedAck() {
	if m == nil {
		return
	}
	m.unexpectedAcks.Inc()
}

func (m *Metrics) TelemetryReceived() {
	if m == nil {
		return
	}
	m.telemetryReceived.Inc()
}

func (m *Metrics) TelemetryDropped(reason string) {
	if m == nil {
		return
	}
	m.telemetryDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AutomationTriggered(function, source string) {
	if m == nil {
		return
	}
	m.automationTriggers.WithLabelValues(function, source).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
