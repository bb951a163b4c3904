package metrics

import "time"

// WorkerMetrics provides observability for worker pools.
//
// Every method takes the pool name so one instance can serve the "new" and
// "recycled" pools of the UDP adapter.
type WorkerMetrics interface {
	RecordSubmitted(pool string)
	RecordRejected(pool string)
	RecordProcessed(pool string, duration time.Duration)
	RecordPanic(pool string)
	SetQueueDepth(pool string, depth int)
}

// NewNoopWorkerMetrics returns a WorkerMetrics that discards everything.
func NewNoopWorkerMetrics() WorkerMetrics {
	return noopWorkerMetrics{}
}

type noopWorkerMetrics struct{}

func (noopWorkerMetrics) RecordSubmitted(pool string)                         {}
func (noopWorkerMetrics) RecordRejected(pool string)                          {}
func (noopWorkerMetrics) RecordProcessed(pool string, duration time.Duration) {}
func (noopWorkerMetrics) RecordPanic(pool string)                             {}
func (noopWorkerMetrics) SetQueueDepth(pool string, depth int)                {}
