package mesh

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors the teacher's per-subsystem metrics struct pattern
// (p2p.Metrics in the upstream tree): a flat set of named Prometheus
// collectors, constructed once per process and threaded through as a
// *Metrics, with a Nop variant for tests that don't want a registry.
type Metrics struct {
	PeersConnected   prometheus.Gauge
	FramesReceived   prometheus.Counter
	FramesSent       prometheus.Counter
	FramesDiscarded  prometheus.Counter
	DispatchErrors   *prometheus.CounterVec
	PendingRequests  prometheus.Gauge
	TimerFires       prometheus.Counter
	ReconnectAttempt prometheus.Counter
}

const metricsNamespace = "rpcd"

// NewMetrics registers a Metrics struct's collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PeersConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers_connected",
			Help:      "Number of peers currently connected.",
		}),
		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Total frames decoded off the wire.",
		}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Total frames pushed onto the wire.",
		}),
		FramesDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_discarded_total",
			Help:      "Total malformed frames discarded without closing the connection.",
		}),
		DispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_errors_total",
			Help:      "Dispatcher errors by kind.",
		}, []string{"kind"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pending_requests",
			Help:      "Outstanding outbound requests awaiting a reply.",
		}),
		TimerFires: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "timer_fires_total",
			Help:      "Total periodic timer callbacks spawned.",
		}),
		ReconnectAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnect_attempts_total",
			Help:      "Total outbound reconnect attempts made by the sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PeersConnected, m.FramesReceived, m.FramesSent,
			m.FramesDiscarded, m.DispatchErrors, m.PendingRequests,
			m.TimerFires, m.ReconnectAttempt)
	}
	return m
}

// NopMetrics returns a Metrics whose collectors are never registered,
// for use in tests and in components that don't want a registry.
func NopMetrics() *Metrics {
	return NewMetrics(nil)
}
