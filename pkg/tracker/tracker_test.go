package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects reported counts.
type recorder struct {
	mu     sync.Mutex
	values []int
}

func (r *recorder) UpdateCount(count int) {
	r.mu.Lock()
	r.values = append(r.values, count)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.values...)
}

func (r *recorder) waitFor(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		v := r.snapshot()
		return len(v) > 0 && v[len(v)-1] == want
	}, time.Second, time.Millisecond, "listener never saw %d", want)
}

func assertNoConsecutiveDuplicates(t *testing.T, values []int) {
	t.Helper()
	for i := 1; i < len(values); i++ {
		assert.NotEqual(t, values[i-1], values[i], "duplicate consecutive notification at %d: %v", i, values)
	}
}

func TestTracker_DistinctValuesInOrder(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.AddListener(rec)
	require.True(t, tr.Start())
	defer tr.Stop()

	// Waiting after every step forces each value to be observed.
	steps := []int{+1, +1, -1, +1, -1, -1}
	var want []int
	current := 0
	for _, d := range steps {
		tr.Adjust(d)
		current += d
		want = append(want, current)
		rec.waitFor(t, current)
	}

	assert.Equal(t, want, rec.snapshot())
}

func TestTracker_CoalescesBursts(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.AddListener(rec)

	// Listener blocked until released so adjustments pile up.
	gate := make(chan struct{})
	tr.AddListener(ListenerFunc(func(int) { <-gate }))
	require.True(t, tr.Start())
	defer tr.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); tr.Adjust(1) }()
		go func() { defer wg.Done(); tr.Adjust(1) }()
	}
	wg.Wait()
	for i := 0; i < 40; i++ {
		tr.Adjust(-1)
	}
	close(gate)

	rec.waitFor(t, 60)
	values := rec.snapshot()
	assertNoConsecutiveDuplicates(t, values)
	assert.Less(t, len(values), 140, "bursts must be coalesced")
	assert.Equal(t, 60, tr.Count())
}

func TestTracker_NoNotificationWithoutChange(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.AddListener(rec)
	require.True(t, tr.Start())

	tr.Adjust(+1)
	tr.Adjust(-1)
	time.Sleep(20 * time.Millisecond)
	tr.Stop()

	// Either both changes were coalesced to "no change", or both were seen.
	values := rec.snapshot()
	if len(values) > 0 {
		assert.Equal(t, []int{1, 0}, values)
	}
}

func TestTracker_ListenerOrderAndRemoval(t *testing.T) {
	tr := New()
	var mu sync.Mutex
	var calls []string
	first := ListenerFunc(func(int) { mu.Lock(); calls = append(calls, "first"); mu.Unlock() })
	second := &recorder{}

	tr.AddListener(first)
	tr.AddListener(second)
	require.True(t, tr.Start())
	defer tr.Stop()

	tr.Adjust(1)
	second.waitFor(t, 1)

	mu.Lock()
	assert.Equal(t, []string{"first"}, calls)
	mu.Unlock()

	tr.RemoveListener(second)
	tr.Adjust(1)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 2
	}, time.Second, time.Millisecond)
	assert.Equal(t, []int{1}, second.snapshot())
}

func TestTracker_PanickingListenerDoesNotStopReporter(t *testing.T) {
	tr := New()
	rec := &recorder{}
	tr.AddListener(ListenerFunc(func(int) { panic("listener bug") }))
	tr.AddListener(rec)
	require.True(t, tr.Start())
	defer tr.Stop()

	tr.Adjust(1)
	rec.waitFor(t, 1)
	tr.Adjust(1)
	rec.waitFor(t, 2)
}

func TestTracker_StartStop(t *testing.T) {
	tr := New()
	assert.False(t, tr.Running())
	assert.True(t, tr.Start())
	assert.False(t, tr.Start(), "second start is refused")
	assert.True(t, tr.Running())

	tr.Stop()
	assert.False(t, tr.Running())
	tr.Stop()

	assert.True(t, tr.Start(), "restart after stop")
	tr.Stop()
}

type countingCloser struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func TestHandle_CloseOnce(t *testing.T) {
	tr := New()
	c := &countingCloser{}
	h := tr.Track(c)
	assert.Equal(t, 1, tr.Count())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Close()
		}()
	}
	wg.Wait()

	assert.True(t, h.Closed())
	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, 1, c.calls)
}

func TestHandle_CloseErrorStillDecrements(t *testing.T) {
	tr := New()
	h := tr.Track(&countingCloser{err: errors.New("close failed")})

	assert.Error(t, h.Close())
	assert.NoError(t, h.Close())
	assert.Equal(t, 0, tr.Count())
}

func TestHandle_NilCloser(t *testing.T) {
	tr := New()
	h := tr.Track(nil)
	assert.NoError(t, h.Close())
	assert.Equal(t, 0, tr.Count())
}
