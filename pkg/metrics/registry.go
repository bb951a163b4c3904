// Package metrics defines the observability hooks of DittoUDP: the UDP
// adapter, the worker pools and the storage backends report through the
// interfaces declared here, and every interface has a no-op implementation
// used when metrics are off.
//
// Prometheus-backed implementations are in pkg/metrics/prometheus. They only
// produce real collectors once InitRegistry has run:
//
//	metrics.InitRegistry()
//	udpMetrics := prometheus.NewUDPMetrics()
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	registry     atomic.Pointer[prometheus.Registry]
	registryOnce sync.Once
)

// InitRegistry turns metrics on. The registry starts with the Go runtime and
// process collectors. Later calls are no-ops.
func InitRegistry() {
	registryOnce.Do(func() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		registry.Store(reg)
	})
}

// GetRegistry returns the registry, nil while metrics are off.
func GetRegistry() *prometheus.Registry {
	return registry.Load()
}

// IsEnabled reports whether InitRegistry ran.
func IsEnabled() bool {
	return registry.Load() != nil
}
