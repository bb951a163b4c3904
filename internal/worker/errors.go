package worker

import "errors"

var (
	// ErrPoolStopped is returned by Start on a pool that was already stopped.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrNilProcessor is the panic value for a pool built without a processor.
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout means workers were still busy when Stop gave up waiting.
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")
)
