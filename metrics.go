package cmdsock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch results recorded by the dispatch_total counter.
const (
	resultHandled     = "handled"
	resultUnhandled   = "unhandled"
	resultDecodeError = "decode_error"
)

// Metrics holds the Prometheus collectors of a client.
type Metrics struct {
	framesReceived prometheus.Counter
	bytesReceived  prometheus.Counter
	framesSent     prometheus.Counter
	dispatch       *prometheus.CounterVec
	sendFailures   prometheus.Counter
	connected      prometheus.Gauge
}

// NewMetrics registers the client collectors with reg under namespace.
// A nil reg uses a private registry, which keeps collectors out of the
// default registry.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "cmdsock"
	}
	factory := promauto.With(reg)

	return &Metrics{
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of complete frames received",
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_bytes_received_total",
			Help:      "Total number of frame body bytes received",
		}),
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames written to the connection",
		}),
		dispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Frames dispatched, by result",
		}, []string{"result"}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed connects and sends",
		}),
		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected",
			Help:      "1 while the connection is established",
		}),
	}
}

func (m *Metrics) frameReceived(n int) {
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) dispatched(result string) {
	m.dispatch.WithLabelValues(result).Inc()
}

func (m *Metrics) setConnected(up bool) {
	if up {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}
