package prometheus

import (
	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type socketGauge struct {
	open prometheus.Gauge
}

// NewSocketGauge returns a tracker listener exporting the open handle count,
// or nil when metrics are disabled.
func NewSocketGauge() metrics.SocketMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	return &socketGauge{
		open: promauto.With(metrics.GetRegistry()).NewGauge(
			prometheus.GaugeOpts{
				Name: "dittoudp_open_socket_handles",
				Help: "Current number of open per-exchange socket handles",
			},
		),
	}
}

func (g *socketGauge) UpdateCount(count int) {
	g.open.Set(float64(count))
}
