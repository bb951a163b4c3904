package config

import (
	"context"
	"fmt"

	"github.com/marmos91/dittoudp/pkg/archive"
	archivememory "github.com/marmos91/dittoudp/pkg/archive/memory"
	archives3 "github.com/marmos91/dittoudp/pkg/archive/s3"
	"github.com/marmos91/dittoudp/pkg/store/kv"
	"github.com/marmos91/dittoudp/pkg/store/kv/badger"
	kvmemory "github.com/marmos91/dittoudp/pkg/store/kv/memory"
	"github.com/mitchellh/mapstructure"
)

// s3YAMLConfig represents S3 configuration loaded from YAML files.
type s3YAMLConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	MaxRetries      int    `mapstructure:"max_retries"`
	SkipBucketCheck bool   `mapstructure:"skip_bucket_check"`
}

// decode decodes a type-specific options map. Durations accept strings such
// as "1h" and unknown keys are rejected.
func decode(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(options)
}

// createKVStore creates a single key-value store instance.
func createKVStore(ctx context.Context, cfg KVStoreConfig) (kv.Store, error) {
	switch cfg.Type {
	case "memory":
		var memoryCfg kvmemory.MemoryStoreConfig
		if err := decode(cfg.Memory, &memoryCfg); err != nil {
			return nil, fmt.Errorf("invalid memory config: %w", err)
		}
		return kvmemory.NewMemoryStore(memoryCfg), nil

	case "badger":
		var badgerCfg badger.BadgerStoreConfig
		if err := decode(cfg.Badger, &badgerCfg); err != nil {
			return nil, fmt.Errorf("invalid badger config: %w", err)
		}
		store, err := badger.NewBadgerStore(ctx, badgerCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open badger database: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown kv store type: %q", cfg.Type)
	}
}

// createArchiver creates a single archiver instance.
func createArchiver(ctx context.Context, cfg ArchiveStoreConfig) (archive.Archiver, error) {
	switch cfg.Type {
	case "memory":
		var memoryCfg archivememory.MemoryArchiverConfig
		if err := decode(cfg.Memory, &memoryCfg); err != nil {
			return nil, fmt.Errorf("invalid memory config: %w", err)
		}
		return archivememory.NewMemoryArchiver(memoryCfg), nil

	case "s3":
		return createS3Archiver(ctx, cfg.S3)

	default:
		return nil, fmt.Errorf("unknown archiver type: %q", cfg.Type)
	}
}

// createS3Archiver builds the S3 client and the archiver on top of it.
func createS3Archiver(ctx context.Context, options map[string]any) (archive.Archiver, error) {
	var s3Cfg s3YAMLConfig
	if err := decode(options, &s3Cfg); err != nil {
		return nil, fmt.Errorf("invalid s3 config: %w", err)
	}
	if s3Cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archiver: bucket is required")
	}

	client, err := archives3.NewClient(ctx, archives3.ClientConfig{
		Region:          s3Cfg.Region,
		Endpoint:        s3Cfg.Endpoint,
		AccessKeyID:     s3Cfg.AccessKeyID,
		SecretAccessKey: s3Cfg.SecretAccessKey,
		ForcePathStyle:  s3Cfg.ForcePathStyle,
		MaxRetries:      s3Cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	archiver, err := archives3.NewS3Archiver(ctx, archives3.S3ArchiverConfig{
		Client:          client,
		Bucket:          s3Cfg.Bucket,
		KeyPrefix:       s3Cfg.KeyPrefix,
		SkipBucketCheck: s3Cfg.SkipBucketCheck,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 archiver: %w", err)
	}
	return archiver, nil
}
