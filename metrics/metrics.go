// Package metrics provides Prometheus metrics for peerlink.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "peerlink"

// Metrics contains all Prometheus metrics for one peerlink instance.
//
// Every method is safe to call on a nil *Metrics, so components can treat
// metrics as optional.
type Metrics struct {
	registry prometheus.Gatherer

	DevicesKnown     prometheus.Gauge
	LinksActive      *prometheus.GaugeVec
	LinksEstablished *prometheus.CounterVec
	HandshakeErrors  *prometheus.CounterVec

	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	PayloadBytes    *prometheus.CounterVec

	PairingEvents *prometheus.CounterVec
	QueueFailures prometheus.Counter

	MultiplexFrames *prometheus.CounterVec
	MultiplexErrors *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default returns the process-wide metrics registered on the default registerer.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = NewMetricsWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
	})
	return defaultMetrics
}

// NewMetrics creates metrics registered on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	return NewMetricsWithRegistry(reg, reg)
}

// NewMetricsWithRegistry creates metrics registered on reg and served from gatherer.
func NewMetricsWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		registry: gatherer,

		DevicesKnown: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices_known",
			Help:      "Number of devices currently held by the registry",
		}),
		LinksActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "links_active",
			Help:      "Number of active links by transport",
		}, []string{"transport"}),
		LinksEstablished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "links_established_total",
			Help:      "Total links established by transport and direction",
		}, []string{"transport", "direction"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total failed link handshakes by transport and reason",
		}, []string{"transport", "reason"}),

		PacketsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Total packets written to links by transport",
		}, []string{"transport"}),
		PacketsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Total packets decoded from links by transport",
		}, []string{"transport"}),
		PayloadBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payload_bytes_total",
			Help:      "Total payload bytes transferred by transport and direction",
		}, []string{"transport", "direction"}),

		PairingEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_events_total",
			Help:      "Total pairing events by outcome",
		}, []string{"outcome"}),
		QueueFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_send_failures_total",
			Help:      "Total queued packets that could not be delivered on any link",
		}),

		MultiplexFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multiplex_frames_total",
			Help:      "Total multiplex frames by direction and message type",
		}, []string{"direction", "type"}),
		MultiplexErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "multiplex_errors_total",
			Help:      "Total fatal multiplex connection errors by reason",
		}, []string{"reason"}),
	}
}

// Handler returns an HTTP handler exposing the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// SetDevicesKnown records the registry size.
func (m *Metrics) SetDevicesKnown(n int) {
	if m == nil {
		return
	}
	m.DevicesKnown.Set(float64(n))
}

// LinkUp records a newly established link.
func (m *Metrics) LinkUp(transport, direction string) {
	if m == nil {
		return
	}
	m.LinksActive.WithLabelValues(transport).Inc()
	m.LinksEstablished.WithLabelValues(transport, direction).Inc()
}

// LinkDown records a torn down link.
func (m *Metrics) LinkDown(transport string) {
	if m == nil {
		return
	}
	m.LinksActive.WithLabelValues(transport).Dec()
}

// HandshakeFailed records a failed handshake.
func (m *Metrics) HandshakeFailed(transport, reason string) {
	if m == nil {
		return
	}
	m.HandshakeErrors.WithLabelValues(transport, reason).Inc()
}

// PacketSent records one outbound packet.
func (m *Metrics) PacketSent(transport string) {
	if m == nil {
		return
	}
	m.PacketsSent.WithLabelValues(transport).Inc()
}

// PacketReceived records one inbound packet.
func (m *Metrics) PacketReceived(transport string) {
	if m == nil {
		return
	}
	m.PacketsReceived.WithLabelValues(transport).Inc()
}

// PayloadTransferred records payload bytes moved in direction "in" or "out".
func (m *Metrics) PayloadTransferred(transport, direction string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.PayloadBytes.WithLabelValues(transport, direction).Add(float64(n))
}

// PairingEvent records a pairing outcome.
func (m *Metrics) PairingEvent(outcome string) {
	if m == nil {
		return
	}
	m.PairingEvents.WithLabelValues(outcome).Inc()
}

// QueueFailed records a queued packet that failed on every link.
func (m *Metrics) QueueFailed() {
	if m == nil {
		return
	}
	m.QueueFailures.Inc()
}

// MultiplexFrame records one multiplex frame in direction "in" or "out".
func (m *Metrics) MultiplexFrame(direction, messageType string) {
	if m == nil {
		return
	}
	m.MultiplexFrames.WithLabelValues(direction, messageType).Inc()
}

// MultiplexError records a fatal multiplex connection error.
func (m *Metrics) MultiplexError(reason string) {
	if m == nil {
		return
	}
	m.MultiplexErrors.WithLabelValues(reason).Inc()
}
