package config

import (
	"github.com/marmos91/dittoudp/pkg/metrics"
	promMetrics "github.com/marmos91/dittoudp/pkg/metrics/prometheus"
)

// MetricsResult contains all metrics-related components created from configuration.
type MetricsResult struct {
	// Server is the HTTP server exposing Prometheus metrics (nil if disabled)
	Server *metrics.Server

	// UDPMetrics is the collector for the UDP adapter (never nil, uses noop if disabled)
	UDPMetrics metrics.UDPMetrics

	// WorkerMetrics is the collector for the adapter's worker pools (never nil)
	WorkerMetrics metrics.WorkerMetrics

	// Sockets receives open handle counts from the tracker (nil if disabled)
	Sockets metrics.SocketMetrics
}

// InitializeMetrics creates and initializes all metrics components based on configuration.
//
// If metrics are enabled in the configuration:
//   - Initializes the global Prometheus registry
//   - Creates the metrics HTTP server, whose /healthz reports health()
//   - Creates Prometheus-backed metrics instances for all components
//
// If metrics are disabled:
//   - Returns nil server
//   - Returns no-op metrics implementations (zero overhead)
//
// Call it before InitializeRegistry so backends are instrumented too.
func InitializeMetrics(cfg *Config, health func() error) *MetricsResult {
	if !cfg.Server.Metrics.Enabled {
		return &MetricsResult{
			UDPMetrics:    metrics.NewNoopUDPMetrics(),
			WorkerMetrics: metrics.NewNoopWorkerMetrics(),
		}
	}

	metrics.InitRegistry()

	server := metrics.NewServer(metrics.ServerConfig{
		Port:   cfg.Server.Metrics.Port,
		Health: health,
	})

	return &MetricsResult{
		Server:        server,
		UDPMetrics:    promMetrics.NewUDPMetrics(),
		WorkerMetrics: promMetrics.NewWorkerMetrics(),
		Sockets:       promMetrics.NewSocketGauge(),
	}
}
