package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/marmos91/dittoudp/pkg/store/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StoreTestSuite checks the kv.Store contract. It tests behavior, not
// implementation details, so every store runs the same suite.
//
// Usage:
//
//	func TestMyStore(t *testing.T) {
//	    suite := &kvtesting.StoreTestSuite{
//	        NewStore: func(t *testing.T) kv.Store { return mystore.New() },
//	    }
//	    suite.Run(t)
//	}
type StoreTestSuite struct {
	// NewStore creates a fresh, empty store for each test.
	NewStore func(t *testing.T) kv.Store
}

// Run executes all tests in the suite.
func (suite *StoreTestSuite) Run(t *testing.T) {
	t.Run("PutGet", suite.testPutGet)
	t.Run("Overwrite", suite.testOverwrite)
	t.Run("Delete", suite.testDelete)
	t.Run("InvalidKeys", suite.testInvalidKeys)
	t.Run("ValueIsolation", suite.testValueIsolation)
	t.Run("Len", suite.testLen)
	t.Run("Concurrent", suite.testConcurrent)
	t.Run("Closed", suite.testClosed)
	t.Run("CancelledContext", suite.testCancelledContext)
}

func (suite *StoreTestSuite) newStore(t *testing.T) kv.Store {
	store := suite.NewStore(t)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func (suite *StoreTestSuite) testPutGet(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	require.NoError(t, store.Put(ctx, "alpha", []byte("one")))

	got, err := store.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Put(ctx, "empty", nil))
	got, err = store.Get(ctx, "empty")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func (suite *StoreTestSuite) testOverwrite(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func (suite *StoreTestSuite) testDelete(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "k"), kv.ErrNotFound)
}

func (suite *StoreTestSuite) testInvalidKeys(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	assert.ErrorIs(t, store.Put(ctx, "", []byte("v")), kv.ErrInvalidKey)
	_, err := store.Get(ctx, strings.Repeat("k", kv.MaxKeyLength+1))
	assert.ErrorIs(t, err, kv.ErrInvalidKey)
	assert.ErrorIs(t, store.Delete(ctx, ""), kv.ErrInvalidKey)
}

func (suite *StoreTestSuite) testValueIsolation(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	value := []byte("original")
	require.NoError(t, store.Put(ctx, "k", value))
	value[0] = 'X'

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func (suite *StoreTestSuite) testLen(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(ctx, fmt.Sprintf("key-%d", i), []byte("v")))
	}
	require.NoError(t, store.Delete(ctx, "key-0"))

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func (suite *StoreTestSuite) testConcurrent(t *testing.T) {
	ctx := context.Background()
	store := suite.newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			assert.NoError(t, store.Put(ctx, key, []byte(key)))
			got, err := store.Get(ctx, key)
			assert.NoError(t, err)
			assert.Equal(t, []byte(key), got)
		}(i)
	}
	wg.Wait()

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
}

func (suite *StoreTestSuite) testClosed(t *testing.T) {
	ctx := context.Background()
	store := suite.NewStore(t)

	require.NoError(t, store.Healthcheck(ctx))
	require.NoError(t, store.Close())

	assert.ErrorIs(t, store.Put(ctx, "k", []byte("v")), kv.ErrClosed)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrClosed)
	assert.ErrorIs(t, store.Healthcheck(ctx), kv.ErrClosed)
	assert.ErrorIs(t, store.Close(), kv.ErrClosed)
}

func (suite *StoreTestSuite) testCancelledContext(t *testing.T) {
	store := suite.newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "k", []byte("v")), context.Canceled)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}
