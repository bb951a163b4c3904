package metrics

import "time"

// UDPMetrics provides observability for the UDP adapter.
//
// This interface is optional - if not provided to the UDP adapter, a no-op
// implementation is used with zero overhead.
type UDPMetrics interface {
	// RecordDatagram records one datagram received by the accept loop.
	RecordDatagram(bytes int)

	// RecordRejected records a datagram cancelled because the work queue was full.
	//
	// Parameters:
	//   - queue: "new" or "recycled"
	RecordRejected(queue string)

	// RecordOutcome records how a transaction left the pipeline.
	//
	// Parameters:
	//   - outcome: "closed", "detached", "failed" or "canceled"
	//   - duration: time spent in the pipeline
	RecordOutcome(outcome string, duration time.Duration)

	// RecordStage records one stage invocation. The duration includes
	// the downstream stages the stage advanced to.
	RecordStage(stage string, duration time.Duration, err error)

	// RecordReadError records a failed read in the accept loop.
	//
	// Parameters:
	//   - class: error class (e.g. "ETIMEDOUT", "ECONNRESET", "panic")
	RecordReadError(class string)

	// RecordReply records reply bytes sent to a client.
	RecordReply(bytes int)
}

// NewNoopUDPMetrics returns a UDPMetrics that discards everything.
func NewNoopUDPMetrics() UDPMetrics {
	return noopUDPMetrics{}
}

type noopUDPMetrics struct{}

func (noopUDPMetrics) RecordDatagram(bytes int)                                    {}
func (noopUDPMetrics) RecordRejected(queue string)                                 {}
func (noopUDPMetrics) RecordOutcome(outcome string, duration time.Duration)        {}
func (noopUDPMetrics) RecordStage(stage string, duration time.Duration, err error) {}
func (noopUDPMetrics) RecordReadError(class string)                                {}
func (noopUDPMetrics) RecordReply(bytes int)                                       {}

// SocketMetrics receives open socket handle counts from the tracker.
type SocketMetrics interface {
	UpdateCount(count int)
}
