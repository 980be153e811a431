// Package tcmetrics exposes gotcd Prometheus metrics.
package tcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "gotc"
	subsystem = "server"
)

// Label names for timecode server metrics.
const (
	labelFramerate   = "framerate"
	labelMessageType = "message_type"
	labelErrorKind   = "kind"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Timecode Server Metrics
// -------------------------------------------------------------------------

// Collector holds all gotcd Prometheus metrics and implements
// session.MetricsReporter.
//
//   - Session and client gauges track current population.
//   - Tick and message counters track per-framerate and per-type volume.
//   - Drop and error counters feed alerting on misbehaving clients.
type Collector struct {
	// Sessions tracks the number of live sessions per framerate.
	Sessions *prometheus.GaugeVec

	// Clients tracks the number of connected clients.
	Clients prometheus.Gauge

	// Ticks counts emitted frame advances per framerate.
	Ticks *prometheus.CounterVec

	// MessagesSent counts messages queued to clients per wire type.
	MessagesSent *prometheus.CounterVec

	// SlowConsumerDrops counts members removed because their send
	// queue was full.
	SlowConsumerDrops prometheus.Counter

	// RequestErrors counts error replies per wire error kind.
	RequestErrors *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against
// the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "gotc_server_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.Clients,
		c.Ticks,
		c.MessagesSent,
		c.SlowConsumerDrops,
		c.RequestErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of live timecode sessions.",
		}, []string{labelFramerate}),

		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "clients",
			Help:      "Number of connected clients.",
		}),

		Ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ticks_total",
			Help:      "Total frame advances emitted.",
		}, []string{labelFramerate}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total messages queued to clients, by wire message type.",
		}, []string{labelMessageType}),

		SlowConsumerDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "slow_consumer_drops_total",
			Help:      "Total members dropped because their send queue was full.",
		}),

		RequestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_errors_total",
			Help:      "Total error replies sent, by wire error kind.",
		}, []string{labelErrorKind}),
	}
}

// -------------------------------------------------------------------------
// session.MetricsReporter Implementation
// -------------------------------------------------------------------------

// SessionRegistered increments the live sessions gauge.
func (c *Collector) SessionRegistered(framerate string) {
	c.Sessions.WithLabelValues(framerate).Inc()
}

// SessionUnregistered decrements the live sessions gauge.
func (c *Collector) SessionUnregistered(framerate string) {
	c.Sessions.WithLabelValues(framerate).Dec()
}

// ClientConnected increments the connected clients gauge.
func (c *Collector) ClientConnected() {
	c.Clients.Inc()
}

// ClientDisconnected decrements the connected clients gauge.
func (c *Collector) ClientDisconnected() {
	c.Clients.Dec()
}

// TickEmitted increments the tick counter for the given framerate.
func (c *Collector) TickEmitted(framerate string) {
	c.Ticks.WithLabelValues(framerate).Inc()
}

// MessageSent increments the sent messages counter for the given wire type.
func (c *Collector) MessageSent(msgType string) {
	c.MessagesSent.WithLabelValues(msgType).Inc()
}

// SlowConsumerDropped increments the slow consumer drop counter.
func (c *Collector) SlowConsumerDropped() {
	c.SlowConsumerDrops.Inc()
}

// RequestFailed increments the error reply counter for the given kind.
func (c *Collector) RequestFailed(kind string) {
	c.RequestErrors.WithLabelValues(kind).Inc()
}
