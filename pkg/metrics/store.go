package metrics

import "time"

// StoreMetrics provides observability for the backends used by stages
// (key-value stores and payload archivers).
type StoreMetrics interface {
	// RecordOperation records a completed backend operation.
	//
	// Parameters:
	//   - operation: operation name (e.g., "get", "put", "archive")
	//   - duration: time taken
	//   - err: error if the operation failed, nil if successful
	RecordOperation(operation string, duration time.Duration, err error)

	// RecordBytes records payload bytes moved by an operation.
	RecordBytes(operation string, bytes int)
}

// NewNoopStoreMetrics returns a StoreMetrics that discards everything.
func NewNoopStoreMetrics() StoreMetrics {
	return noopStoreMetrics{}
}

type noopStoreMetrics struct{}

func (noopStoreMetrics) RecordOperation(operation string, duration time.Duration, err error) {}
func (noopStoreMetrics) RecordBytes(operation string, bytes int)                             {}
