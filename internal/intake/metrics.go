package intake

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records submission outcomes and probe latency.
type Metrics struct {
	outcomes      *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec
}

// NewMetrics registers the intake collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "od",
			Subsystem: "intake",
			Name:      "submissions_total",
			Help:      "Submitted URLs by outcome code.",
		}, []string{"code"}),
		probeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "od",
			Subsystem: "intake",
			Name:      "probe_duration_seconds",
			Help:      "Open directory probe latency by result.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		}, []string{"reason"}),
	}
}

func (m *Metrics) observeOutcome(code string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(code).Inc()
}

func (m *Metrics) observeProbe(reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.probeDuration.WithLabelValues(reason).Observe(elapsed.Seconds())
}
