package kv

import (
	"context"
	"time"

	"github.com/marmos91/dittoudp/pkg/metrics"
)

// instrumentedStore records every operation of the wrapped Store.
type instrumentedStore struct {
	Store
	metrics metrics.StoreMetrics
}

// WithMetrics wraps s so each operation is reported to m. A nil m returns s
// unchanged.
func WithMetrics(s Store, m metrics.StoreMetrics) Store {
	if m == nil {
		return s
	}
	return &instrumentedStore{Store: s, metrics: m}
}

func (s *instrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := s.Store.Get(ctx, key)
	s.metrics.RecordOperation("get", time.Since(start), err)
	if err == nil {
		s.metrics.RecordBytes("get", len(v))
	}
	return v, err
}

func (s *instrumentedStore) Put(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := s.Store.Put(ctx, key, value)
	s.metrics.RecordOperation("put", time.Since(start), err)
	if err == nil {
		s.metrics.RecordBytes("put", len(value))
	}
	return err
}

func (s *instrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, key)
	s.metrics.RecordOperation("delete", time.Since(start), err)
	return err
}
