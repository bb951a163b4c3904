// Package tracker counts open per-exchange socket handles and reports the
// count to listeners asynchronously.
//
// Adjust is cheap and never calls out: it updates the counter under a mutex
// and wakes the reporter goroutine. The reporter reads the latest value and
// notifies listeners only when it differs from the last value it reported, so
// bursts of open/close collapse into a single notification and listeners
// never see the same value twice in a row.
package tracker

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/marmos91/dittoudp/internal/logger"
)

// Listener receives open handle counts.
//
// UpdateCount runs on the reporter goroutine; a slow listener delays the
// others but never the code adjusting the count.
type Listener interface {
	UpdateCount(count int)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(count int)

func (f ListenerFunc) UpdateCount(count int) { f(count) }

// Tracker is the open-socket counter.
//
// The zero value is not usable, use New.
type Tracker struct {
	mu        sync.Mutex
	cond      *sync.Cond
	count     int
	reported  int // last value handed to listeners
	listeners []Listener

	// reporter lifecycle, guarded by mu
	running  bool
	stopping bool
	done     chan struct{}
}

// New creates a tracker with its reporter stopped.
func New() *Tracker {
	t := &Tracker{}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Adjust adds delta to the counter and wakes the reporter.
func (t *Tracker) Adjust(delta int) {
	t.mu.Lock()
	t.count += delta
	t.mu.Unlock()
	t.cond.Signal()
}

// Count returns the current number of open handles.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// AddListener registers l. Listeners are notified in registration order.
func (t *Tracker) AddListener(l Listener) {
	if l == nil {
		return
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// RemoveListener unregisters the first registration of l.
func (t *Tracker) RemoveListener(l Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, existing := range t.listeners {
		if existing == l {
			t.listeners = append(t.listeners[:i:i], t.listeners[i+1:]...)
			return
		}
	}
}

// Start launches the reporter goroutine.
//
// Returns false if a reporter is already running.
func (t *Tracker) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}
	t.running = true
	t.stopping = false
	t.done = make(chan struct{})

	go t.report(t.done)
	return true
}

// Stop ends the reporter goroutine and waits for it to exit.
// Calling Stop on a stopped tracker is a no-op.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	done := t.done
	t.mu.Unlock()

	t.cond.Broadcast()
	<-done
}

// Running reports whether the reporter goroutine is active.
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Tracker) report(done chan struct{}) {
	defer close(done)

	t.mu.Lock()
	for {
		for !t.stopping && t.count == t.reported {
			t.cond.Wait()
		}
		if t.stopping {
			t.running = false
			t.mu.Unlock()
			return
		}

		current := t.count
		listeners := append([]Listener(nil), t.listeners...)
		t.reported = current
		t.mu.Unlock()

		notify(listeners, current)

		t.mu.Lock()
	}
}

func notify(listeners []Listener, count int) {
	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Warn("Socket count listener panicked: %v", r)
				}
			}()
			l.UpdateCount(count)
		}()
	}
}

// Handle is one tracked resource. Closing it releases the wrapped closer and
// decrements the tracker exactly once, however many close paths fire.
type Handle struct {
	tracker *Tracker
	closer  io.Closer
	closed  atomic.Bool
}

// Track increments the counter and returns a handle owning c.
// A nil closer tracks a resource that needs no release.
func (t *Tracker) Track(c io.Closer) *Handle {
	t.Adjust(1)
	return &Handle{tracker: t, closer: c}
}

// Close releases the handle. Only the first call has any effect; later calls
// return nil.
func (h *Handle) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	defer h.tracker.Adjust(-1)

	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}

// Closed reports whether Close has been called.
func (h *Handle) Closed() bool {
	return h.closed.Load()
}
