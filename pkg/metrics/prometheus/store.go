package prometheus

import (
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type storeMetrics struct {
	operationsTotal   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	bytesTotal        *prometheus.CounterVec
}

// NewStoreMetrics creates a Prometheus-backed StoreMetrics for one backend.
//
// Parameters:
//   - backend: "kv" or "archive", used as the metric name infix
//   - storeType: implementation label (e.g., "memory", "badger", "s3")
//
// Returns a no-op implementation if metrics are not enabled.
func NewStoreMetrics(backend, storeType string) metrics.StoreMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopStoreMetrics()
	}

	reg := metrics.GetRegistry()
	labels := prometheus.Labels{"store_type": storeType}

	return &storeMetrics{
		operationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittoudp_" + backend + "_operations_total",
				Help:        "Backend operations by operation and status",
				ConstLabels: labels,
			},
			[]string{"operation", "status"},
		),
		operationDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "dittoudp_" + backend + "_operation_duration_seconds",
				Help:        "Backend operation duration in seconds",
				ConstLabels: labels,
				Buckets: []float64{
					0.0001, // 100us
					0.001,  // 1ms
					0.01,   // 10ms
					0.1,    // 100ms
					1.0,    // 1s
					10.0,   // 10s
				},
			},
			[]string{"operation"},
		),
		bytesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "dittoudp_" + backend + "_bytes_total",
				Help:        "Payload bytes moved by backend operations",
				ConstLabels: labels,
			},
			[]string{"operation"},
		),
	}
}

func (m *storeMetrics) RecordOperation(operation string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.operationsTotal.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *storeMetrics) RecordBytes(operation string, bytes int) {
	m.bytesTotal.WithLabelValues(operation).Add(float64(bytes))
}
