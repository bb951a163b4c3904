package udp

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/tracker"
)

// Outcome is how a transaction left the pipeline.
type Outcome int

const (
	// OutcomeClosed: no stage kept the exchange; the reply was flushed and
	// the handle released.
	OutcomeClosed Outcome = iota

	// OutcomeDetached: a stage took ownership and will release the handle.
	OutcomeDetached

	// OutcomeFailed: a stage returned an error or panicked; the handle was
	// released without sending the pending reply.
	OutcomeFailed

	// OutcomeCanceled: the pipeline never ran.
	OutcomeCanceled

	outcomeCount
)

func (o Outcome) String() string {
	switch o {
	case OutcomeClosed:
		return "closed"
	case OutcomeDetached:
		return "detached"
	case OutcomeFailed:
		return "failed"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Transaction is the unit of work handed to the worker pools: one received
// datagram and the handle that owns it.
type Transaction struct {
	gen *generation

	id         uuid.UUID
	writer     pipeline.ReplyWriter
	payload    []byte
	sender     *net.UDPAddr
	handle     *tracker.Handle
	receivedAt time.Time
	deadline   time.Time
	pass       int
	attrs      map[string]any
}

// newTransaction wraps a datagram read at receivedAt.
func newTransaction(gen *generation, writer pipeline.ReplyWriter, payload []byte, sender *net.UDPAddr, handle *tracker.Handle, receivedAt time.Time) *Transaction {
	return &Transaction{
		gen:        gen,
		writer:     writer,
		payload:    payload,
		sender:     sender,
		handle:     handle,
		receivedAt: receivedAt,
		deadline:   receivedAt.Add(gen.cfg.newReadTimeout()),
	}
}

// Service runs the pipeline once and reports how the exchange ended.
func (t *Transaction) Service(ctx context.Context) Outcome {
	start := time.Now()
	outcome := t.service(ctx)
	t.gen.recordOutcome(outcome, time.Since(start))
	return outcome
}

func (t *Transaction) service(ctx context.Context) (outcome Outcome) {
	var c *pipeline.Context
	c, err := pipeline.NewContext(pipeline.ContextConfig{
		Writer:        t.writer,
		Handle:        t.handle,
		Payload:       t.payload,
		Sender:        t.sender,
		ID:            t.id,
		ReceivedAt:    t.receivedAt,
		Deadline:      t.deadline,
		ReplyCapacity: t.gen.cfg.ReplyBufferSize,
		Attributes:    t.attrs,
		Pass:          t.pass,
		OnReply:       t.gen.metrics.RecordReply,
		Recycle:       func() bool { return t.Recycle(c.Attributes()) },
	})
	if err != nil {
		logger.Warn("UDP: cannot build exchange for datagram from %s: %v", t.sender, err)
		t.Cancel()
		return OutcomeCanceled
	}
	t.id = c.ID()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("[%s] UDP: stage panic for %s: %v\n%s", c.ID(), t.sender, r, debug.Stack())
			t.release(c.Abort, c)
			outcome = OutcomeFailed
		}
	}()

	chain := pipeline.NewChain(t.gen.stages, t.gen.observeStage)
	consumed, err := chain.Next(ctx, c)

	switch {
	case err != nil:
		logger.Warn("[%s] UDP: pipeline failed for %s after %d stage(s): %v", c.ID(), t.sender, chain.Cursor(), err)
		t.release(c.Abort, c)
		return OutcomeFailed
	case consumed:
		return OutcomeDetached
	default:
		t.release(c.Close, c)
		return OutcomeClosed
	}
}

func (t *Transaction) release(fn func() error, c *pipeline.Context) {
	if err := fn(); err != nil {
		logger.Debug("[%s] UDP: release exchange for %s: %v", c.ID(), t.sender, err)
	}
}

// Cancel releases the handle without running the pipeline.
func (t *Transaction) Cancel() {
	if err := t.handle.Close(); err != nil {
		logger.Warn("UDP: cancel exchange for %s: %v", t.sender, err)
	}
}

// Recycle queues the exchange for another pass with the recycled read
// timeout. If the recycled queue refuses it the exchange is cancelled.
func (t *Transaction) Recycle(attrs map[string]any) bool {
	next := &Transaction{
		gen:        t.gen,
		id:         t.id,
		writer:     t.writer,
		payload:    t.payload,
		sender:     t.sender,
		handle:     t.handle,
		receivedAt: t.receivedAt,
		deadline:   time.Now().Add(t.gen.cfg.recycledReadTimeout()),
		pass:       t.pass + 1,
		attrs:      attrs,
	}

	if t.gen.recycled == nil || !t.gen.recycled.Enqueue(next) {
		t.gen.recordRejected(queueRecycled)
		logger.Debug("[%s] UDP: recycled queue full, dropping exchange from %s", t.id, t.sender)
		next.Cancel()
		return false
	}
	return true
}

// Handle returns the tracked handle owned by the transaction.
func (t *Transaction) Handle() *tracker.Handle { return t.handle }
