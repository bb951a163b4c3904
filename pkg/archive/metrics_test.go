package archive_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/pkg/archive"
	"github.com/marmos91/dittoudp/pkg/archive/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type opRecorder struct {
	mu    sync.Mutex
	ops   []string
	fails int
	bytes map[string]int
}

func (r *opRecorder) RecordOperation(op string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
	if err != nil {
		r.fails++
	}
}

func (r *opRecorder) RecordBytes(op string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bytes == nil {
		r.bytes = map[string]int{}
	}
	r.bytes[op] += n
}

func TestWithMetrics(t *testing.T) {
	ctx := context.Background()
	rec := &opRecorder{}
	a := archive.WithMetrics(memory.NewMemoryArchiver(memory.MemoryArchiverConfig{}), rec)

	require.NoError(t, a.Archive(ctx, archive.Record{Key: "r1", Payload: []byte("hello")}))
	got, err := a.Fetch(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
	_, err = a.Fetch(ctx, "missing")
	assert.ErrorIs(t, err, archive.ErrNotFound)

	assert.Equal(t, []string{"archive", "fetch", "fetch"}, rec.ops)
	assert.Equal(t, 1, rec.fails)
	assert.Equal(t, 5, rec.bytes["archive"])
	assert.Equal(t, 5, rec.bytes["fetch"])
}

func TestWithMetrics_NilIsPassthrough(t *testing.T) {
	a := memory.NewMemoryArchiver(memory.MemoryArchiverConfig{})
	assert.Same(t, a, archive.WithMetrics(a, nil))
}
