package prometheus

import (
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// udpMetrics is the Prometheus implementation of metrics.UDPMetrics.
type udpMetrics struct {
	datagramsTotal  prometheus.Counter
	datagramBytes   prometheus.Counter
	rejectedTotal   *prometheus.CounterVec
	outcomesTotal   *prometheus.CounterVec
	outcomeDuration *prometheus.HistogramVec
	stageDuration   *prometheus.HistogramVec
	stageErrors     *prometheus.CounterVec
	readErrors      *prometheus.CounterVec
	repliesTotal    prometheus.Counter
	replyBytes      prometheus.Counter
}

// NewUDPMetrics creates a new Prometheus-backed UDPMetrics instance.
//
// Returns a no-op implementation if metrics are not enabled (InitRegistry not called).
func NewUDPMetrics() metrics.UDPMetrics {
	if !metrics.IsEnabled() {
		return metrics.NewNoopUDPMetrics()
	}

	reg := metrics.GetRegistry()

	return &udpMetrics{
		datagramsTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoudp_datagrams_received_total",
				Help: "Total number of datagrams received by the accept loop",
			},
		),
		datagramBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoudp_datagram_bytes_total",
				Help: "Total payload bytes received",
			},
		),
		rejectedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_datagrams_rejected_total",
				Help: "Datagrams cancelled because the work queue was full",
			},
			[]string{"queue"},
		),
		outcomesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_transactions_total",
				Help: "Transactions by pipeline outcome",
			},
			[]string{"outcome"},
		),
		outcomeDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoudp_transaction_duration_milliseconds",
				Help: "Time spent in the pipeline in milliseconds",
				Buckets: []float64{
					0.1,  // 100us
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms
					1000, // 1s
				},
			},
			[]string{"outcome"},
		),
		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "dittoudp_stage_duration_milliseconds",
				Help: "Stage invocation time in milliseconds, downstream stages included",
				Buckets: []float64{
					0.1,  // 100us
					1,    // 1ms
					10,   // 10ms
					100,  // 100ms
					1000, // 1s
				},
			},
			[]string{"stage"},
		),
		stageErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_stage_errors_total",
				Help: "Stage invocations that returned an error",
			},
			[]string{"stage"},
		),
		readErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "dittoudp_read_errors_total",
				Help: "Accept loop read failures by error class",
			},
			[]string{"class"},
		),
		repliesTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoudp_replies_total",
				Help: "Total number of replies sent",
			},
		),
		replyBytes: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "dittoudp_reply_bytes_total",
				Help: "Total reply bytes sent",
			},
		),
	}
}

func (m *udpMetrics) RecordDatagram(bytes int) {
	m.datagramsTotal.Inc()
	m.datagramBytes.Add(float64(bytes))
}

func (m *udpMetrics) RecordRejected(queue string) {
	m.rejectedTotal.WithLabelValues(queue).Inc()
}

func (m *udpMetrics) RecordOutcome(outcome string, duration time.Duration) {
	m.outcomesTotal.WithLabelValues(outcome).Inc()
	m.outcomeDuration.WithLabelValues(outcome).Observe(float64(duration.Microseconds()) / 1000)
}

func (m *udpMetrics) RecordStage(stage string, duration time.Duration, err error) {
	m.stageDuration.WithLabelValues(stage).Observe(float64(duration.Microseconds()) / 1000)
	if err != nil {
		m.stageErrors.WithLabelValues(stage).Inc()
	}
}

func (m *udpMetrics) RecordReadError(class string) {
	m.readErrors.WithLabelValues(class).Inc()
}

func (m *udpMetrics) RecordReply(bytes int) {
	m.repliesTotal.Inc()
	m.replyBytes.Add(float64(bytes))
}
