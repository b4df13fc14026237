package webhook

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the optional Prometheus collectors for SMTP sessions and
// webhook dispatch outcomes. Collection and the /metrics endpoint are both
// gated by misc.EnablePrometheusIntegration, matching the gating
// daemon/httpd/handler/prometheus.go already applies to its own metrics.
type Metrics struct {
	Sessions prometheus.Counter
	Dispatch *prometheus.CounterVec
	Latency  *prometheus.HistogramVec
}

// NewMetrics registers and returns the collectors used by the listener and
// the webhook dispatcher.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mailforge_sessions_total",
			Help: "Total number of accepted SMTP connections.",
		}),
		Dispatch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailforge_webhook_dispatch_total",
			Help: "Webhook dispatch attempts, labeled by outcome.",
		}, []string{"outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailforge_webhook_dispatch_duration_seconds",
			Help:    "Webhook dispatch latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	registerer.MustRegister(m.Sessions, m.Dispatch, m.Latency)
	return m
}

// ObserveDispatch records the outcome and latency of one Forward call.
func (m *Metrics) ObserveDispatch(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.Dispatch.WithLabelValues(outcome).Inc()
	m.Latency.WithLabelValues(outcome).Observe(seconds)
}

// Handler returns the HTTP handler that serves collected metrics in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
