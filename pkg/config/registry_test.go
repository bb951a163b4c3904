package config

import (
	"context"
	"strings"
	"testing"
)

func TestInitializeRegistry_Defaults(t *testing.T) {
	ctx := context.Background()

	reg, err := InitializeRegistry(ctx, GetDefaultConfig())
	if err != nil {
		t.Fatalf("InitializeRegistry failed: %v", err)
	}
	defer func() { _ = reg.Close() }()

	if reg.CountKVStores() != 1 || reg.CountArchivers() != 1 {
		t.Errorf("Expected 1 kv store and 1 archiver, got %d and %d", reg.CountKVStores(), reg.CountArchivers())
	}
	if _, err := reg.GetKVStore("default"); err != nil {
		t.Errorf("Expected default kv store: %v", err)
	}
	if err := reg.Healthcheck(ctx); err != nil {
		t.Errorf("Expected healthy registry: %v", err)
	}
}

func TestInitializeRegistry_InMemoryBadger(t *testing.T) {
	ctx := context.Background()
	cfg := GetDefaultConfig()
	cfg.KV.Stores["fast"] = KVStoreConfig{
		Type:   "badger",
		Badger: map[string]any{"in_memory": true, "ttl": "1h"},
	}

	reg, err := InitializeRegistry(ctx, cfg)
	if err != nil {
		t.Fatalf("InitializeRegistry failed: %v", err)
	}
	defer func() { _ = reg.Close() }()

	store, err := reg.GetKVStore("fast")
	if err != nil {
		t.Fatalf("Expected badger store: %v", err)
	}
	if err := store.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	got, err := store.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Errorf("Expected v, got %q (%v)", got, err)
	}
	if names := reg.ListKVStores(); len(names) != 2 {
		t.Errorf("Expected two kv stores, got %v", names)
	}
}

func TestInitializeRegistry_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name: "unknown memory option",
			mutate: func(cfg *Config) {
				cfg.KV.Stores["default"] = KVStoreConfig{Type: "memory", Memory: map[string]any{"max_entriez": 3}}
			},
			wantErr: "invalid memory config",
		},
		{
			name: "badger without path",
			mutate: func(cfg *Config) {
				cfg.KV.Stores["default"] = KVStoreConfig{Type: "badger", Badger: map[string]any{}}
			},
			wantErr: "db_path",
		},
		{
			name: "s3 without bucket",
			mutate: func(cfg *Config) {
				cfg.Archive.Stores["default"] = ArchiveStoreConfig{Type: "s3", S3: map[string]any{"region": "eu-west-1"}}
			},
			wantErr: "bucket is required",
		},
		{
			name: "s3 without region",
			mutate: func(cfg *Config) {
				cfg.Archive.Stores["default"] = ArchiveStoreConfig{Type: "s3", S3: map[string]any{"bucket": "b"}}
			},
			wantErr: "region is required",
		},
		{
			name: "unknown archiver type",
			mutate: func(cfg *Config) {
				cfg.Archive.Stores["default"] = ArchiveStoreConfig{Type: "tape"}
			},
			wantErr: "unknown archiver type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaultConfig()
			tt.mutate(cfg)

			reg, err := InitializeRegistry(context.Background(), cfg)
			if err == nil {
				_ = reg.Close()
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestInitializeRegistry_NilConfig(t *testing.T) {
	if _, err := InitializeRegistry(context.Background(), nil); err == nil {
		t.Fatal("Expected error for nil config")
	}
}
