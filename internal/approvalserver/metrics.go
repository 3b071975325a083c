package approvalserver

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics carries the approval center's Prometheus instruments on a private
// registry so tests can run servers side by side.
type metrics struct {
	registry *prometheus.Registry

	decisions  *prometheus.CounterVec
	sseClients prometheus.Gauge
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &metrics{
		registry: reg,
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellgate",
			Subsystem: "approval",
			Name:      "decisions_total",
			Help:      "Approval decisions made through the approval center.",
		}, []string{"verdict"}),
		sseClients: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellgate",
			Subsystem: "approval",
			Name:      "sse_clients",
			Help:      "Currently connected event stream clients.",
		}),
	}
}

func (m *metrics) recordDecision(approved bool) {
	verdict := "rejected"
	if approved {
		verdict = "approved"
	}
	m.decisions.WithLabelValues(verdict).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
