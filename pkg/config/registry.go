package config

import (
	"context"
	"fmt"
	"sort"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/archive"
	"github.com/marmos91/dittoudp/pkg/metrics"
	promMetrics "github.com/marmos91/dittoudp/pkg/metrics/prometheus"
	"github.com/marmos91/dittoudp/pkg/registry"
	"github.com/marmos91/dittoudp/pkg/store/kv"
)

// InitializeRegistry creates a Registry holding every backend declared in
// the configuration.
//
// This function orchestrates the complete initialization process:
//  1. Creates and registers all kv stores from cfg.KV.Stores
//  2. Creates and registers all archivers from cfg.Archive.Stores
//
// When metrics are enabled (InitializeMetrics ran first), every backend is
// wrapped so its operations are exported per backend type.
//
// On failure the backends created so far are closed.
//
// Example:
//
//	cfg, _ := config.Load("config.yaml")
//	reg, err := config.InitializeRegistry(ctx, cfg)
//	if err != nil {
//	    log.Fatalf("Failed to initialize registry: %v", err)
//	}
func InitializeRegistry(ctx context.Context, cfg *Config) (*registry.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is nil")
	}
	logger.Debug("Initializing registry from configuration")

	reg := registry.NewRegistry()
	sm := newStoreMetricsCache()

	if err := registerKVStores(ctx, reg, cfg, sm); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("failed to register kv stores: %w", err)
	}
	logger.Debug("Registered %d kv store(s)", reg.CountKVStores())

	if err := registerArchivers(ctx, reg, cfg, sm); err != nil {
		_ = reg.Close()
		return nil, fmt.Errorf("failed to register archivers: %w", err)
	}
	logger.Debug("Registered %d archiver(s)", reg.CountArchivers())

	return reg, nil
}

// registerKVStores creates and registers all configured kv stores.
func registerKVStores(ctx context.Context, reg *registry.Registry, cfg *Config, sm *storeMetricsCache) error {
	for _, name := range sortedNames(cfg.KV.Stores) {
		storeCfg := cfg.KV.Stores[name]
		logger.Debug("Creating kv store %q (type: %s)", name, storeCfg.Type)

		store, err := createKVStore(ctx, storeCfg)
		if err != nil {
			return fmt.Errorf("failed to create kv store %q: %w", name, err)
		}

		if err := reg.RegisterKVStore(name, kv.WithMetrics(store, sm.get("kv", storeCfg.Type))); err != nil {
			_ = store.Close()
			return fmt.Errorf("failed to register kv store %q: %w", name, err)
		}
	}
	return nil
}

// registerArchivers creates and registers all configured archivers.
func registerArchivers(ctx context.Context, reg *registry.Registry, cfg *Config, sm *storeMetricsCache) error {
	for _, name := range sortedNames(cfg.Archive.Stores) {
		archiveCfg := cfg.Archive.Stores[name]
		logger.Debug("Creating archiver %q (type: %s)", name, archiveCfg.Type)

		a, err := createArchiver(ctx, archiveCfg)
		if err != nil {
			return fmt.Errorf("failed to create archiver %q: %w", name, err)
		}

		if err := reg.RegisterArchiver(name, archive.WithMetrics(a, sm.get("archive", archiveCfg.Type))); err != nil {
			_ = a.Close()
			return fmt.Errorf("failed to register archiver %q: %w", name, err)
		}
	}
	return nil
}

// storeMetricsCache hands out one collector set per backend and type:
// Prometheus rejects a second registration of identical descriptors.
type storeMetricsCache struct {
	byKey map[string]metrics.StoreMetrics
}

func newStoreMetricsCache() *storeMetricsCache {
	return &storeMetricsCache{byKey: make(map[string]metrics.StoreMetrics)}
}

// get returns nil when metrics are disabled so backends stay unwrapped.
func (c *storeMetricsCache) get(backend, storeType string) metrics.StoreMetrics {
	if !metrics.IsEnabled() {
		return nil
	}
	key := backend + "/" + storeType
	m, ok := c.byKey[key]
	if !ok {
		m = promMetrics.NewStoreMetrics(backend, storeType)
		c.byKey[key] = m
	}
	return m
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
