package config

import (
	"strings"
	"time"

	"github.com/marmos91/dittoudp/pkg/adapter/udp"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/stages"
	"github.com/spf13/viper"
)

// DefaultMetricsPort is the Prometheus endpoint port when none is configured.
const DefaultMetricsPort = 9090

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - UDP read timeouts are defaulted by Load through viper, so an explicit 0
//     reaches the adapter (which clamps it to 1ms)
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyServerDefaults(&cfg.Server)
	applyKVDefaults(&cfg.KV)
	applyArchiveDefaults(&cfg.Archive)
	applyUDPDefaults(&cfg.Adapters.UDP)
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = DefaultMetricsPort
	}
}

// applyKVDefaults declares an in-memory "default" store when none is configured.
func applyKVDefaults(cfg *KVConfig) {
	if len(cfg.Stores) == 0 {
		cfg.Stores = map[string]KVStoreConfig{
			stages.DefaultStore: {Type: "memory"},
		}
	}
	for name, store := range cfg.Stores {
		if store.Memory == nil {
			store.Memory = make(map[string]any)
		}
		if store.Type == "badger" {
			if store.Badger == nil {
				store.Badger = make(map[string]any)
			}
			if _, ok := store.Badger["db_path"]; !ok {
				if _, mem := store.Badger["in_memory"]; !mem {
					store.Badger["db_path"] = "/tmp/dittoudp-kv-" + name
				}
			}
		}
		cfg.Stores[name] = store
	}
}

// applyArchiveDefaults declares an in-memory "default" archiver when none is configured.
func applyArchiveDefaults(cfg *ArchiveConfig) {
	if len(cfg.Stores) == 0 {
		cfg.Stores = map[string]ArchiveStoreConfig{
			stages.DefaultStore: {
				Type:   "memory",
				Memory: map[string]any{"max_records": 1024},
			},
		}
	}
	for name, store := range cfg.Stores {
		if store.Memory == nil {
			store.Memory = make(map[string]any)
		}
		if store.Type == "s3" && store.S3 == nil {
			store.S3 = make(map[string]any)
		}
		cfg.Stores[name] = store
	}
}

// applyUDPDefaults sets UDP adapter defaults that are safe to apply to zero
// values. Pool sizing and bind timeout are left to the adapter.
func applyUDPDefaults(cfg *udp.Config) {
	if cfg.Port == 0 {
		cfg.Port = udp.DefaultPort
	}
	if cfg.WriteBufferSize == 0 {
		cfg.WriteBufferSize = udp.DefaultWriteBufferSize
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = udp.DefaultShutdownTimeout
	}
	for i := range cfg.Stages {
		if cfg.Stages[i].Options == nil {
			cfg.Stages[i].Options = make(map[string]any)
		}
	}
}

// setViperDefaults registers the defaults that must be distinguishable from
// an explicit zero.
func setViperDefaults(v *viper.Viper) {
	v.SetDefault("adapters.udp.enabled", true)
	v.SetDefault("adapters.udp.report_sockets", true)
	v.SetDefault("adapters.udp.new_read_timeout", udp.DefaultReadTimeoutMs)
	v.SetDefault("adapters.udp.recycled_read_timeout", udp.DefaultReadTimeoutMs)
}

// DefaultStages is the pipeline of a freshly generated configuration.
func DefaultStages() []pipeline.Definition {
	return []pipeline.Definition{
		{Name: "log", Type: stages.TypeAccessLog, Options: map[string]any{"level": "DEBUG"}},
		{Name: "limit", Type: stages.TypeRateLimit, Options: map[string]any{"rate": 1000, "burst": 2000, "on_limit": "drop"}},
		{Name: "ping", Type: stages.TypePing, Options: map[string]any{"path": "/ping", "reply": "pong"}},
		{Name: "echo", Type: stages.TypeEcho, Options: map[string]any{"path": "/echo"}},
		{Name: "stats", Type: stages.TypeStats, Options: map[string]any{"path": "/stats", "format": "text"}},
		{Name: "kv", Type: stages.TypeKV, Options: map[string]any{"store": stages.DefaultStore}},
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
//   - Documentation
func GetDefaultConfig() *Config {
	udpCfg := udp.DefaultConfig()
	udpCfg.Stages = DefaultStages()

	cfg := &Config{
		Adapters: AdaptersConfig{UDP: udpCfg},
	}

	ApplyDefaults(cfg)
	return cfg
}
