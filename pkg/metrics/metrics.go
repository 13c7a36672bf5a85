// Package metrics exposes server counters to Prometheus.
//
// A Metrics value owns its collectors and registers them on the registry
// passed to New; nothing is registered globally. All methods are safe on a
// nil *Metrics, which is how components run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "iotvault"

// Metrics holds the server's collectors.
type Metrics struct {
	HandshakeSteps    *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	ProtocolErrors    *prometheus.CounterVec
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	OTPDeliveries     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HandshakeSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshake_steps_total",
				Help:      "Handshake messages by step and outcome.",
			},
			[]string{"step", "result"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Domain commands by opcode and response status.",
			},
			[]string{"op", "status"},
		),
		ProtocolErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "ERROR responses by kind.",
			},
			[]string{"kind"},
		),
		ConnectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Incoming connections by outcome.",
			},
			[]string{"result"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Currently open connections.",
			},
		),
		OTPDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "otp_deliveries_total",
				Help:      "One-time code deliveries by outcome.",
			},
			[]string{"result"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time to handle one request.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}

	reg.MustRegister(
		m.HandshakeSteps,
		m.Commands,
		m.ProtocolErrors,
		m.ConnectionsTotal,
		m.ActiveConnections,
		m.OTPDeliveries,
		m.RequestDuration,
	)
	return m
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "failed"
}

// HandshakeStep counts one handshake message.
func (m *Metrics) HandshakeStep(step string, ok bool) {
	if m == nil {
		return
	}
	m.HandshakeSteps.WithLabelValues(step, result(ok)).Inc()
}

// Command counts one domain command and its response status.
func (m *Metrics) Command(op, status string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(op, status).Inc()
}

// ProtocolError counts one ERROR response.
func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues("accepted").Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// ConnectionRejected records a connection refused before the handshake.
func (m *Metrics) ConnectionRejected(reason string) {
	if m == nil {
		return
	}
	m.ConnectionsTotal.WithLabelValues(reason).Inc()
}

// OTPDelivery counts one delivery outcome.
func (m *Metrics) OTPDelivery(ok bool) {
	if m == nil {
		return
	}
	m.OTPDeliveries.WithLabelValues(result(ok)).Inc()
}

// ObserveRequest records how long one request took.
func (m *Metrics) ObserveRequest(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// NewServeMux returns a mux with /metrics wired to g.
func NewServeMux(g prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
