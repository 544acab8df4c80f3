package gwmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "tracklink"
	subsystem = "gateway"
)

// Label names for gateway metrics.
const (
	labelMsgKind   = "msg_kind"
	labelEventKind = "event_kind"
	labelReason    = "reason"
)

// -------------------------------------------------------------------------
// Collector - Prometheus Gateway Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Metrics are designed for fleet monitoring:
//   - The session gauge tracks currently connected terminals.
//   - Frame counters track decode volume and error rates.
//   - Event counters expose how aggressively the publish gate is
//     suppressing traffic towards the bus.
type Collector struct {
	// Sessions tracks the number of currently connected terminal sessions.
	// Incremented on accept, decremented on session teardown.
	Sessions prometheus.Gauge

	// FramesDecoded counts successfully decoded frames per message kind.
	FramesDecoded *prometheus.CounterVec

	// FrameErrors counts frames dropped for codec failures, labeled by
	// the failure reason (framing, checksum, header, body).
	FrameErrors *prometheus.CounterVec

	// ResponsesSent counts platform responses written back per message kind.
	ResponsesSent *prometheus.CounterVec

	// EventsPublished counts events the gate let through to the bus.
	EventsPublished *prometheus.CounterVec

	// EventsSuppressed counts events the gate filtered out, per kind.
	EventsSuppressed *prometheus.CounterVec

	// PublishErrors counts bus publish failures.
	PublishErrors prometheus.Counter
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "tracklink_gateway_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.FramesDecoded,
		c.FrameErrors,
		c.ResponsesSent,
		c.EventsPublished,
		c.EventsSuppressed,
		c.PublishErrors,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions",
			Help:      "Number of currently connected terminal sessions.",
		}),

		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_decoded_total",
			Help:      "Total JT808 frames successfully decoded.",
		}, []string{labelMsgKind}),

		FrameErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frame_errors_total",
			Help:      "Total frames dropped due to codec failures.",
		}, []string{labelReason}),

		ResponsesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "responses_sent_total",
			Help:      "Total platform response frames written to terminals.",
		}, []string{labelMsgKind}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_published_total",
			Help:      "Total events published to the message bus.",
		}, []string{labelEventKind}),

		EventsSuppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_suppressed_total",
			Help:      "Total events suppressed by the publish gate.",
		}, []string{labelEventKind}),

		PublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_errors_total",
			Help:      "Total failed or dropped bus publishes.",
		}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// SessionOpened increments the connected sessions gauge.
// Called when the listener accepts a terminal connection.
func (c *Collector) SessionOpened() {
	c.Sessions.Inc()
}

// SessionClosed decrements the connected sessions gauge.
// Called when a session is torn down for any reason.
func (c *Collector) SessionClosed() {
	c.Sessions.Dec()
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesDecoded increments the decoded frame counter for a message kind.
func (c *Collector) IncFramesDecoded(kind string) {
	c.FramesDecoded.WithLabelValues(kind).Inc()
}

// IncFrameErrors increments the frame error counter for a failure reason.
func (c *Collector) IncFrameErrors(reason string) {
	c.FrameErrors.WithLabelValues(reason).Inc()
}

// IncResponsesSent increments the response counter for a message kind.
func (c *Collector) IncResponsesSent(kind string) {
	c.ResponsesSent.WithLabelValues(kind).Inc()
}

// -------------------------------------------------------------------------
// Gate Counters
// -------------------------------------------------------------------------

// IncEventsPublished increments the published event counter for a kind.
func (c *Collector) IncEventsPublished(kind string) {
	c.EventsPublished.WithLabelValues(kind).Inc()
}

// IncEventsSuppressed increments the suppressed event counter for a kind.
func (c *Collector) IncEventsSuppressed(kind string) {
	c.EventsSuppressed.WithLabelValues(kind).Inc()
}

// IncPublishErrors increments the bus publish failure counter.
func (c *Collector) IncPublishErrors() {
	c.PublishErrors.Inc()
}
