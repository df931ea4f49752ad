package main

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"od-database/internal/models"
)

// workerMetrics tracks crawl activity exposed on /metrics. A nil
// *workerMetrics records nothing.
type workerMetrics struct {
	crawls        *prometheus.CounterVec
	files         prometheus.Counter
	bytes         prometheus.Counter
	crawlDuration prometheus.Histogram
	busy          prometheus.Gauge
}

func newWorkerMetrics(reg prometheus.Registerer) *workerMetrics {
	f := promauto.With(reg)
	return &workerMetrics{
		crawls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "od_worker_crawls_total",
			Help: "Finished crawl runs by resulting website status.",
		}, []string{"status"}),
		files: f.NewCounter(prometheus.CounterOpts{
			Name: "od_worker_files_published_total",
			Help: "File records published to the files topic.",
		}),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "od_worker_bytes_discovered_total",
			Help: "Sum of file sizes published to the files topic.",
		}),
		crawlDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "od_worker_crawl_duration_seconds",
			Help:    "Wall time of one crawl run, retries included.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
		}),
		busy: f.NewGauge(prometheus.GaugeOpts{
			Name: "od_worker_busy",
			Help: "1 while the worker is crawling a website.",
		}),
	}
}

func (m *workerMetrics) crawlFinished(status models.WebsiteStatus) {
	if m == nil {
		return
	}
	m.crawls.WithLabelValues(string(status)).Inc()
}

func (m *workerMetrics) filesPublished(files []models.FileEntry) {
	if m == nil {
		return
	}
	var size int64
	for _, f := range files {
		size += f.Size
	}
	m.files.Add(float64(len(files)))
	m.bytes.Add(float64(size))
}

func (m *workerMetrics) observeCrawl(d time.Duration) {
	if m == nil {
		return
	}
	m.crawlDuration.Observe(d.Seconds())
}

func (m *workerMetrics) setBusy(busy bool) {
	if m == nil {
		return
	}
	if busy {
		m.busy.Set(1)
		return
	}
	m.busy.Set(0)
}
