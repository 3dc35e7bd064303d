package agent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	modeSingle = "single"
	modeStream = "stream"

	outcomeOK      = "ok"
	outcomeApology = "apology"
	outcomeError   = "error"
)

// Metrics records answer outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	// answersTotal counts answers by mode ("single", "stream") and outcome
	// ("ok", "apology", "error").
	answersTotal *prometheus.CounterVec
	// answerDuration is the time from question to final fragment.
	answerDuration *prometheus.HistogramVec
	// retriesTotal counts rate-limit retries of the chat model.
	retriesTotal prometheus.Counter
}

// NewMetrics registers the answer metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		answersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casechat",
			Subsystem: "agent",
			Name:      "answers_total",
			Help:      "Answered questions, partitioned by mode and outcome.",
		}, []string{"mode", "outcome"}),
		answerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casechat",
			Subsystem: "agent",
			Name:      "answer_duration_seconds",
			Help:      "Time from question to complete answer.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		retriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "casechat",
			Subsystem: "generation",
			Name:      "retries_total",
			Help:      "Chat model calls retried after a rate-limit response.",
		}),
	}
}

// RetryHook returns a function suitable for generate.RetryPolicy.OnRetry.
func (m *Metrics) RetryHook() func(retry int, delay time.Duration, err error) {
	return func(int, time.Duration, error) {
		if m != nil {
			m.retriesTotal.Inc()
		}
	}
}

func (m *Metrics) answer(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.answersTotal.WithLabelValues(mode, outcome).Inc()
	m.answerDuration.WithLabelValues(mode).Observe(d.Seconds())
}
