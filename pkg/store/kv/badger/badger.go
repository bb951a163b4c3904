package badger

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/marmos91/dittoudp/pkg/store/kv"
)

// keyPrefix namespaces entries so the database can hold other data later.
const keyPrefix = "kv:"

// BadgerStoreConfig configures the BadgerDB-backed store.
type BadgerStoreConfig struct {
	// DBPath is the database directory. Required unless InMemory is set.
	DBPath string `mapstructure:"db_path"`

	// InMemory runs Badger without touching disk (tests, ephemeral caches).
	InMemory bool `mapstructure:"in_memory"`

	// TTL expires entries after the given duration. 0 means entries never expire.
	TTL time.Duration `mapstructure:"ttl"`

	// MaxValueSize caps a single value in bytes. 0 means unlimited.
	MaxValueSize int `mapstructure:"max_value_size"`

	// BlockCacheSizeMB is the Badger block cache size. Default: 64
	BlockCacheSizeMB int64 `mapstructure:"block_cache_mb"`

	// IndexCacheSizeMB is the Badger index cache size. Default: 32
	IndexCacheSizeMB int64 `mapstructure:"index_cache_mb"`
}

// BadgerStore is a persistent kv.Store.
type BadgerStore struct {
	db     *badger.DB
	config BadgerStoreConfig
	closed atomic.Bool
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(ctx context.Context, config BadgerStoreConfig) (*BadgerStore, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if config.DBPath == "" && !config.InMemory {
		return nil, fmt.Errorf("badger kv store: db_path is required")
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.DBPath)
	}

	blockCacheMB := config.BlockCacheSizeMB
	if blockCacheMB == 0 {
		blockCacheMB = 64
	}
	indexCacheMB := config.IndexCacheSizeMB
	if indexCacheMB == 0 {
		indexCacheMB = 32
	}

	opts = opts.
		WithLoggingLevel(badger.WARNING).
		WithCompression(options.None).
		WithBlockCacheSize(blockCacheMB << 20).
		WithIndexCacheSize(indexCacheMB << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB at %s: %w", config.DBPath, err)
	}

	return &BadgerStore{db: db, config: config}, nil
}

func storageKey(key string) []byte {
	return []byte(keyPrefix + key)
}

func (s *BadgerStore) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return kv.ErrClosed
	}
	return kv.ValidateKey(key)
}

func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.check(ctx, key); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(storageKey(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get %q: %w", key, err)
	}
	return value, nil
}

func (s *BadgerStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}
	if s.config.MaxValueSize > 0 && len(value) > s.config.MaxValueSize {
		return kv.ErrValueTooLarge
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(storageKey(key), append([]byte(nil), value...))
		if s.config.TTL > 0 {
			entry = entry.WithTTL(s.config.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger put %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(storageKey(key)); err != nil {
			return err
		}
		return txn.Delete(storageKey(key))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return kv.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("badger delete %q: %w", key, err)
	}
	return nil
}

func (s *BadgerStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed.Load() {
		return 0, kv.ErrClosed
	}

	count := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

func (s *BadgerStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() || s.db.IsClosed() {
		return kv.ErrClosed
	}
	return s.db.View(func(txn *badger.Txn) error { return nil })
}

func (s *BadgerStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return kv.ErrClosed
	}
	return s.db.Close()
}
