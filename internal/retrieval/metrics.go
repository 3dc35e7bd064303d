package retrieval

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records retrieval outcomes. A nil *Metrics is a no-op.
type Metrics struct {
	// variantsTotal counts per-variant pipelines by outcome: "hit", "miss",
	// "embed_error", "search_error" or "timeout".
	variantsTotal *prometheus.CounterVec
	// fallbackTotal counts requests answered from the file listing.
	fallbackTotal prometheus.Counter
	// paraphraseDegradedTotal counts requests with fewer than five paraphrases.
	paraphraseDegradedTotal prometheus.Counter
	// durationSeconds is the wall-clock time of Retrieve.
	durationSeconds prometheus.Histogram
}

// NewMetrics registers the retrieval metrics against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		variantsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casechat",
			Subsystem: "retrieval",
			Name:      "variants_total",
			Help:      "Query variant pipelines run, partitioned by outcome.",
		}, []string{"outcome"}),
		fallbackTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "casechat",
			Subsystem: "retrieval",
			Name:      "fallback_total",
			Help:      "Retrievals that found no matches and fell back to a file listing.",
		}),
		paraphraseDegradedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "casechat",
			Subsystem: "retrieval",
			Name:      "paraphrase_degraded_total",
			Help:      "Retrievals whose paraphrase step produced fewer variants than requested.",
		}),
		durationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "casechat",
			Subsystem: "retrieval",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of a full multi-variant retrieval.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
	}
}

func (m *Metrics) variant(outcome string) {
	if m != nil {
		m.variantsTotal.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) fallback() {
	if m != nil {
		m.fallbackTotal.Inc()
	}
}

func (m *Metrics) paraphraseDegraded() {
	if m != nil {
		m.paraphraseDegradedTotal.Inc()
	}
}

func (m *Metrics) observe(seconds float64) {
	if m != nil {
		m.durationSeconds.Observe(seconds)
	}
}
