package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/pkg/archive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryArchiver_ArchiveFetch(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchiver(MemoryArchiverConfig{})

	payload := []byte("GET /archive")
	rec := archive.Record{Key: "p/1", Payload: payload, Sender: "127.0.0.1:5000", ReceivedAt: time.Unix(10, 0)}
	require.NoError(t, a.Archive(ctx, rec))

	// The archiver keeps its own copy.
	payload[0] = 'X'

	got, err := a.Fetch(ctx, "p/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("GET /archive"), got.Payload)
	assert.Equal(t, "127.0.0.1:5000", got.Sender)

	_, err = a.Fetch(ctx, "p/2")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestMemoryArchiver_EvictsOldest(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchiver(MemoryArchiverConfig{MaxRecords: 2})

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Archive(ctx, archive.Record{Key: fmt.Sprintf("k%d", i)}))
	}

	assert.Equal(t, []string{"k1", "k2"}, a.Keys())
	_, err := a.Fetch(ctx, "k0")
	assert.ErrorIs(t, err, archive.ErrNotFound)
}

func TestMemoryArchiver_Closed(t *testing.T) {
	ctx := context.Background()
	a := NewMemoryArchiver(MemoryArchiverConfig{})
	require.NoError(t, a.Healthcheck(ctx))
	require.NoError(t, a.Close())

	assert.ErrorIs(t, a.Archive(ctx, archive.Record{Key: "k"}), archive.ErrClosed)
	assert.ErrorIs(t, a.Healthcheck(ctx), archive.ErrClosed)
}
