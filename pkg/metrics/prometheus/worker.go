package prometheus

import (
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type workerMetrics struct {
	submitted  *prometheus.CounterVec
	rejected   *prometheus.CounterVec
	processed  *prometheus.HistogramVec
	panics     *prometheus.CounterVec
	queueDepth *prometheus.GaugeVec
}

// NewWorkerMetrics creates a Prometheus-backed WorkerMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled.
func NewWorkerMetrics() metrics.WorkerMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopWorkerMetrics()
	}

	reg := metrics.GetRegistry()

	return &workerMetrics{
		submitted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_worker_submitted_total",
				Help: "Work items accepted by the pool queue",
			},
			[]string{"pool"},
		),
		rejected: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_worker_rejected_total",
				Help: "Work items refused because the pool queue was full or stopped",
			},
			[]string{"pool"},
		),
		processed: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dittoudp_worker_processing_duration_seconds",
				Help:    "Time spent processing work items",
				Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"pool"},
		),
		panics: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_worker_panics_total",
				Help: "Work items that panicked",
			},
			[]string{"pool"},
		),
		queueDepth: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dittoudp_worker_queue_depth",
				Help: "Current pool queue depth",
			},
			[]string{"pool"},
		),
	}
}

func (m *workerMetrics) RecordSubmitted(pool string) {
	m.submitted.WithLabelValues(pool).Inc()
}

func (m *workerMetrics) RecordRejected(pool string) {
	m.rejected.WithLabelValues(pool).Inc()
}

func (m *workerMetrics) RecordProcessed(pool string, duration time.Duration) {
	m.processed.WithLabelValues(pool).Observe(duration.Seconds())
}

func (m *workerMetrics) RecordPanic(pool string) {
	m.panics.WithLabelValues(pool).Inc()
}

func (m *workerMetrics) SetQueueDepth(pool string, depth int) {
	m.queueDepth.WithLabelValues(pool).Set(float64(depth))
}
