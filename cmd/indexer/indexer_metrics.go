package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// indexerMetrics is nil-safe; tests that don't care pass nil.
type indexerMetrics struct {
	batches       *prometheus.CounterVec
	documents     *prometheus.CounterVec
	inFlight      prometheus.Gauge
	commitPending prometheus.Gauge
	commitErrors  prometheus.Counter
	commitLatency prometheus.Histogram
	bulkLatency   prometheus.Histogram
}

func newIndexerMetrics(reg prometheus.Registerer) *indexerMetrics {
	f := promauto.With(reg)
	return &indexerMetrics{
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "od_indexer_batches_total",
			Help: "File batches consumed by outcome (indexed, invalid, failed).",
		}, []string{"outcome"}),
		documents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "od_indexer_documents_total",
			Help: "File documents written to the search index by outcome.",
		}, []string{"outcome"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "od_indexer_in_flight",
			Help: "Batches currently being indexed.",
		}),
		commitPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "od_indexer_commit_pending",
			Help: "Completed messages buffered awaiting an in-order commit.",
		}),
		commitErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "od_indexer_commit_errors_total",
			Help: "Kafka CommitMessages failures.",
		}),
		commitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "od_indexer_commit_latency_seconds",
			Help:    "Kafka commit latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		bulkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "od_indexer_bulk_latency_seconds",
			Help:    "Elasticsearch bulk request latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		}),
	}
}

func (m *indexerMetrics) batch(outcome string) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(outcome).Inc()
}

func (m *indexerMetrics) documentsWritten(indexed, failed int) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues("indexed").Add(float64(indexed))
	m.documents.WithLabelValues("failed").Add(float64(failed))
}

func (m *indexerMetrics) inFlightAdd(delta float64) {
	if m == nil {
		return
	}
	m.inFlight.Add(delta)
}

func (m *indexerMetrics) pendingAdd(delta float64) {
	if m == nil {
		return
	}
	m.commitPending.Add(delta)
}

func (m *indexerMetrics) observeCommit(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.commitLatency.Observe(d.Seconds())
	if err != nil {
		m.commitErrors.Inc()
	}
}

func (m *indexerMetrics) observeBulk(d time.Duration) {
	if m == nil {
		return
	}
	m.bulkLatency.Observe(d.Seconds())
}
