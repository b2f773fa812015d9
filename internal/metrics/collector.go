// Package bridgemetrics exposes the Prometheus metrics for the
// slipbridge daemon (component C12).
package bridgemetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "slipbridge"
)

// Label names.
const (
	labelResult = "result"
	labelPacket = "packet"
	labelKind   = "kind"
)

// Collector holds every slipbridge Prometheus metric.
type Collector struct {
	// Connections tracks the number of currently open TCP ingress
	// connections.
	Connections prometheus.Gauge

	// FramesDecoded counts frames pulled out of the SLIP decoder,
	// labeled by outcome (ok, invalid_escape).
	FramesDecoded *prometheus.CounterVec

	// PacketsMatched counts scan/match hits, labeled by packet name.
	PacketsMatched *prometheus.CounterVec

	// PacketsUnmatched counts frames that matched no catalog entry.
	PacketsUnmatched prometheus.Counter

	// Publishes counts publish completions, labeled by packet name and
	// outcome (ok, error).
	Publishes *prometheus.CounterVec

	// Responses counts framed responses sent to peers, labeled by kind
	// (ack, nak).
	Responses *prometheus.CounterVec
}

// NewCollector creates a Collector with every metric registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.FramesDecoded,
		c.PacketsMatched,
		c.PacketsUnmatched,
		c.Publishes,
		c.Responses,
	)

	return c
}

func newMetrics() *Collector {
	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ingress_connections",
			Help:      "Number of currently open TCP ingress connections.",
		}),

		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_decoded_total",
			Help:      "Total frames pulled out of the SLIP decoder, by outcome.",
		}, []string{labelResult}),

		PacketsMatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_matched_total",
			Help:      "Total scan/match hits, by packet name.",
		}, []string{labelPacket}),

		PacketsUnmatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_unmatched_total",
			Help:      "Total frames that matched no catalog entry.",
		}),

		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Total publish completions, by packet name and outcome.",
		}, []string{labelPacket, labelResult}),

		Responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_total",
			Help:      "Total framed responses sent to peers, by kind.",
		}, []string{labelKind}),
	}
}

// FrameDecoded implements session.Metrics.
func (c *Collector) FrameDecoded(result string) {
	c.FramesDecoded.WithLabelValues(result).Inc()
}

// PacketMatched implements session.Metrics.
func (c *Collector) PacketMatched(name string) {
	c.PacketsMatched.WithLabelValues(name).Inc()
}

// PacketUnmatched implements session.Metrics.
func (c *Collector) PacketUnmatched() {
	c.PacketsUnmatched.Inc()
}

// Publish implements session.Metrics.
func (c *Collector) Publish(packet, result string) {
	c.Publishes.WithLabelValues(packet, result).Inc()
}

// Response implements session.Metrics.
func (c *Collector) Response(kind string) {
	c.Responses.WithLabelValues(kind).Inc()
}

// ConnectionOpened increments the open-connections gauge.
func (c *Collector) ConnectionOpened() {
	c.Connections.Inc()
}

// ConnectionClosed decrements the open-connections gauge.
func (c *Collector) ConnectionClosed() {
	c.Connections.Dec()
}
