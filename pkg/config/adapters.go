package config

import (
	"fmt"

	"github.com/marmos91/dittoudp/pkg/adapter"
	"github.com/marmos91/dittoudp/pkg/adapter/udp"
)

// CreateAdapters creates all enabled protocol adapters from the configuration.
//
// A nil m behaves like disabled metrics.
func CreateAdapters(cfg *Config, m *MetricsResult) ([]adapter.Adapter, error) {
	if m == nil {
		m = &MetricsResult{}
	}

	var adapters []adapter.Adapter

	if cfg.Adapters.UDP.Enabled {
		opts := []udp.Option{udp.WithWorkerMetrics(m.WorkerMetrics)}
		if m.Sockets != nil {
			opts = append(opts, udp.WithSocketListener(m.Sockets))
		}
		adapters = append(adapters, udp.New(cfg.Adapters.UDP, m.UDPMetrics, opts...))
	}

	if len(adapters) == 0 {
		return nil, fmt.Errorf("no adapters enabled in configuration")
	}

	return adapters, nil
}
