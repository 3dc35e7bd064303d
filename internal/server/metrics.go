package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "casechat"

// serverMetrics are registered per Server so tests can use a private
// registry.
type serverMetrics struct {
	// chatRequests and chatDuration are labelled by outcome: ok, apology,
	// timeout, canceled or error.
	chatRequests  *prometheus.CounterVec
	chatDuration  *prometheus.HistogramVec
	activeStreams prometheus.Gauge

	rateLimited *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func newServerMetrics(reg prometheus.Registerer) *serverMetrics {
	f := promauto.With(reg)
	return &serverMetrics{
		chatRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "chat", Name: "requests_total",
			Help: "Chat requests by outcome.",
		}, []string{"outcome"}),
		chatDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "chat", Name: "duration_seconds",
			Help:    "Time from receiving a question to the end of its answer.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		activeStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "chat", Name: "active_streams",
			Help: "Answers currently being streamed.",
		}),
		rateLimited: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "rate_limited_total",
			Help: "Requests rejected by the per-client rate limit.",
		}, []string{"handler"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"handler", "method", "code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"handler", "method"}),
	}
}

// observeChat records one finished chat request.
func (m *serverMetrics) observeChat(outcome string, seconds float64) {
	m.chatRequests.WithLabelValues(outcome).Inc()
	m.chatDuration.WithLabelValues(outcome).Observe(seconds)
}

// instrument wraps the handler of one route. Labelling by the registered
// pattern keeps ids in paths and queries out of the label set.
func (m *serverMetrics) instrument(pattern string, next http.Handler) http.Handler {
	labels := prometheus.Labels{"handler": pattern}
	return promhttp.InstrumentHandlerDuration(
		m.httpDuration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.httpRequests.MustCurryWith(labels), next),
	)
}
