package config

import (
	"strings"
	"testing"

	"github.com/marmos91/dittoudp/pkg/pipeline"
)

func TestValidate_ValidConfig(t *testing.T) {
	if err := Validate(GetDefaultConfig()); err != nil {
		t.Errorf("Expected valid config, got error: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "invalid log level",
			mutate:  func(cfg *Config) { cfg.Logging.Level = "TRACE" },
			wantErr: "Level",
		},
		{
			name:    "invalid log format",
			mutate:  func(cfg *Config) { cfg.Logging.Format = "xml" },
			wantErr: "Format",
		},
		{
			name:    "zero shutdown timeout",
			mutate:  func(cfg *Config) { cfg.Server.ShutdownTimeout = 0 },
			wantErr: "ShutdownTimeout",
		},
		{
			name:    "invalid metrics port",
			mutate:  func(cfg *Config) { cfg.Server.Metrics.Port = 70000 },
			wantErr: "Port",
		},
		{
			name:    "invalid udp port",
			mutate:  func(cfg *Config) { cfg.Adapters.UDP.Port = 70000 },
			wantErr: "Port",
		},
		{
			name:    "negative udp port",
			mutate:  func(cfg *Config) { cfg.Adapters.UDP.Port = -1 },
			wantErr: "Port",
		},
		{
			name:    "negative workers",
			mutate:  func(cfg *Config) { cfg.Adapters.UDP.Workers = -1 },
			wantErr: "Workers",
		},
		{
			name: "unknown kv type",
			mutate: func(cfg *Config) {
				cfg.KV.Stores["default"] = KVStoreConfig{Type: "redis"}
			},
			wantErr: "Type",
		},
		{
			name: "unknown archive type",
			mutate: func(cfg *Config) {
				cfg.Archive.Stores["default"] = ArchiveStoreConfig{Type: "gcs"}
			},
			wantErr: "Type",
		},
		{
			name:    "no adapters enabled",
			mutate:  func(cfg *Config) { cfg.Adapters.UDP.Enabled = false },
			wantErr: "at least one adapter",
		},
		{
			name: "stage without type",
			mutate: func(cfg *Config) {
				cfg.Adapters.UDP.Stages = []pipeline.Definition{{Name: "x"}}
			},
			wantErr: "required",
		},
		{
			name: "duplicate stage name",
			mutate: func(cfg *Config) {
				cfg.Adapters.UDP.Stages = []pipeline.Definition{
					{Name: "p", Type: "ping"},
					{Name: "p", Type: "echo"},
				}
			},
			wantErr: "duplicate stage name",
		},
		{
			name: "unknown stage type",
			mutate: func(cfg *Config) {
				cfg.Adapters.UDP.Stages = []pipeline.Definition{{Name: "x", Type: "teleport"}}
			},
			wantErr: "unknown stage type",
		},
		{
			name: "kv stage references undeclared store",
			mutate: func(cfg *Config) {
				cfg.Adapters.UDP.Stages = []pipeline.Definition{
					{Name: "kv", Type: "kv", Options: map[string]any{"store": "missing"}},
				}
			},
			wantErr: `kv store "missing"`,
		},
		{
			name: "archive stage needs the default archiver",
			mutate: func(cfg *Config) {
				cfg.Archive.Stores = map[string]ArchiveStoreConfig{"other": {Type: "memory"}}
				cfg.Adapters.UDP.Stages = []pipeline.Definition{{Name: "arch", Type: "archive"}}
			},
			wantErr: `archiver "default"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_LogLevelCaseInsensitive(t *testing.T) {
	for _, level := range []string{"debug", "INFO", "warn", "ERROR"} {
		cfg := GetDefaultConfig()
		cfg.Logging.Level = level
		if err := Validate(cfg); err != nil {
			t.Errorf("Level %q should be accepted: %v", level, err)
		}
	}
}

func TestValidate_EphemeralPortAllowed(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.Adapters.UDP.Port = 0
	if err := Validate(cfg); err != nil {
		t.Errorf("Port 0 should be valid: %v", err)
	}
}
