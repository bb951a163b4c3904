package memory

import (
	"context"
	"sync"

	"github.com/marmos91/dittoudp/pkg/store/kv"
)

// MemoryStoreConfig configures the in-memory store.
type MemoryStoreConfig struct {
	// MaxEntries caps the number of keys. 0 means unlimited.
	MaxEntries int `mapstructure:"max_entries"`

	// MaxValueSize caps a single value in bytes. 0 means unlimited.
	MaxValueSize int `mapstructure:"max_value_size"`
}

// MemoryStore is a map-backed kv.Store. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	config MemoryStoreConfig
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(config MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		config: config,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := kv.ValidateKey(key); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, kv.ErrClosed
	}
	value, ok := s.data[key]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateKey(key); err != nil {
		return err
	}
	if s.config.MaxValueSize > 0 && len(value) > s.config.MaxValueSize {
		return kv.ErrValueTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}
	if _, exists := s.data[key]; !exists && s.config.MaxEntries > 0 && len(s.data) >= s.config.MaxEntries {
		return kv.ErrStoreFull
	}
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}
	if _, ok := s.data[key]; !ok {
		return kv.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

func (s *MemoryStore) Len(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, kv.ErrClosed
	}
	return len(s.data), nil
}

func (s *MemoryStore) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return kv.ErrClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return kv.ErrClosed
	}
	s.closed = true
	s.data = nil
	return nil
}
