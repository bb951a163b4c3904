package memory

import (
	"context"
	"sync"

	"github.com/marmos91/dittoudp/pkg/archive"
)

// MemoryArchiverConfig configures the in-memory archiver.
type MemoryArchiverConfig struct {
	// MaxRecords keeps only the most recent records. 0 means unlimited.
	MaxRecords int `mapstructure:"max_records"`
}

// MemoryArchiver keeps records in process memory, oldest evicted first.
type MemoryArchiver struct {
	mu      sync.RWMutex
	records map[string]archive.Record
	order   []string
	max     int
	closed  bool
}

// NewMemoryArchiver creates an empty archiver.
func NewMemoryArchiver(config MemoryArchiverConfig) *MemoryArchiver {
	return &MemoryArchiver{
		records: make(map[string]archive.Record),
		max:     config.MaxRecords,
	}
}

func (a *MemoryArchiver) Archive(ctx context.Context, r archive.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Payload = append([]byte(nil), r.Payload...)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return archive.ErrClosed
	}
	if _, exists := a.records[r.Key]; !exists {
		a.order = append(a.order, r.Key)
	}
	a.records[r.Key] = r

	for a.max > 0 && len(a.order) > a.max {
		delete(a.records, a.order[0])
		a.order = a.order[1:]
	}
	return nil
}

func (a *MemoryArchiver) Fetch(ctx context.Context, key string) (archive.Record, error) {
	if err := ctx.Err(); err != nil {
		return archive.Record{}, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return archive.Record{}, archive.ErrClosed
	}
	r, ok := a.records[key]
	if !ok {
		return archive.Record{}, archive.ErrNotFound
	}
	r.Payload = append([]byte(nil), r.Payload...)
	return r, nil
}

// Keys returns the stored keys, oldest first.
func (a *MemoryArchiver) Keys() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

func (a *MemoryArchiver) Healthcheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return archive.ErrClosed
	}
	return nil
}

func (a *MemoryArchiver) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.records = nil
	a.order = nil
	return nil
}
