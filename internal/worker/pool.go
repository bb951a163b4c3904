// Package worker provides the bounded worker pool that consumes work handed
// off by accept loops.
//
// Enqueue never blocks: when the queue is full the caller gets false back and
// decides what to do with the rejected item. Panics raised while processing a
// task are recovered and routed to the pool's panic handler, which is the
// pool's uncaught-failure channel.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/metrics"
)

// Pool runs tasks of type T on a fixed number of goroutines fed by a bounded queue.
type Pool[T any] struct {
	name      string
	workers   int
	queueSize int
	processor func(context.Context, T)

	onPanic   func(any)
	onDiscard func(T)
	metrics   metrics.WorkerMetrics

	queue chan T
	wg    sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	rejected  atomic.Int64
	panics    atomic.Int64
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithPanicHandler installs the handler invoked with the recovered value
// whenever a task panics. Without one, panics are logged at ERROR.
func WithPanicHandler[T any](fn func(any)) Option[T] {
	return func(p *Pool[T]) {
		p.onPanic = fn
	}
}

// WithDiscard installs the callback receiving tasks that were still queued
// when the pool stopped and will never run.
func WithDiscard[T any](fn func(T)) Option[T] {
	return func(p *Pool[T]) {
		p.onDiscard = fn
	}
}

// WithMetrics wires pool counters into m.
func WithMetrics[T any](m metrics.WorkerMetrics) Option[T] {
	return func(p *Pool[T]) {
		if m != nil {
			p.metrics = m
		}
	}
}

// NewPool creates a stopped pool. Non-positive sizes fall back to defaults
// (8 workers, 1024 slots). A nil processor is a programming error and panics.
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T), opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 8
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		metrics:   metrics.NewNoopWorkerMetrics(),
		queue:     make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the pool name used in logs and metrics.
func (p *Pool[T]) Name() string {
	return p.name
}

// Start launches the workers. They exit when ctx is cancelled or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	logger.Debug("Worker pool %s started: workers=%d queue=%d", p.name, p.workers, p.queueSize)
	return nil
}

// Enqueue offers item to the queue without blocking.
//
// Returns false if the pool is not running or the queue is full. Ownership of
// a rejected item stays with the caller.
func (p *Pool[T]) Enqueue(item T) bool {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		p.rejected.Add(1)
		p.metrics.RecordRejected(p.name)
		return false
	}

	select {
	case p.queue <- item:
		p.submitted.Add(1)
		p.metrics.RecordSubmitted(p.name)
		p.metrics.SetQueueDepth(p.name, len(p.queue))
		return true
	default:
		p.rejected.Add(1)
		p.metrics.RecordRejected(p.name)
		return false
	}
}

// Stop closes the queue and waits up to timeout for the workers to drain it.
// Items left behind are handed to the discard callback.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.queue)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
	}

	p.drain()
	p.metrics.SetQueueDepth(p.name, 0)
	logger.Debug("Worker pool %s stopped: processed=%d rejected=%d panics=%d",
		p.name, p.processed.Load(), p.rejected.Load(), p.panics.Load())
	return err
}

// drain empties whatever the workers left in the (closed) queue.
func (p *Pool[T]) drain() {
	for item := range p.queue {
		if p.onDiscard != nil {
			p.onDiscard(item)
		}
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Name       string `json:"name" yaml:"name"`
	Workers    int    `json:"workers" yaml:"workers"`
	QueueSize  int    `json:"queue_size" yaml:"queue_size"`
	QueueDepth int    `json:"queue_depth" yaml:"queue_depth"`
	Submitted  int64  `json:"submitted" yaml:"submitted"`
	Processed  int64  `json:"processed" yaml:"processed"`
	Rejected   int64  `json:"rejected" yaml:"rejected"`
	Panics     int64  `json:"panics" yaml:"panics"`
}

// Stats returns the current counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Name:       p.name,
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Rejected:   p.rejected.Load(),
		Panics:     p.panics.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(ctx, item)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, item T) {
	start := time.Now()
	defer func() {
		p.processed.Add(1)
		p.metrics.RecordProcessed(p.name, time.Since(start))
		p.metrics.SetQueueDepth(p.name, len(p.queue))

		if r := recover(); r != nil {
			p.panics.Add(1)
			p.metrics.RecordPanic(p.name)
			p.handlePanic(r)
		}
	}()

	p.processor(ctx, item)
}

func (p *Pool[T]) handlePanic(r any) {
	if p.onPanic == nil {
		logger.Error("Worker pool %s: task panicked: %v", p.name, r)
		return
	}

	// The handler must not take a worker down with it.
	defer func() {
		if r2 := recover(); r2 != nil {
			logger.Error("Worker pool %s: panic handler failed: %v", p.name, r2)
		}
	}()
	p.onPanic(r)
}
