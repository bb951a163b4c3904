package pipeline

import (
	"context"
	"time"
)

// Observer is told how long each stage invocation took. Elapsed includes the
// time spent in the stages it advanced to.
type Observer func(stage string, elapsed time.Duration, err error)

// Chain walks a stage list once. It is not safe for concurrent use; each
// traversal gets its own chain.
type Chain struct {
	stages   []Stage
	cursor   int
	observer Observer
}

// NewChain creates a chain over stages. The slice is not copied and must not
// be modified while the chain is in use.
func NewChain(stages []Stage, observer Observer) *Chain {
	return &Chain{stages: stages, observer: observer}
}

// Next invokes the stage at the cursor and returns its result. The cursor
// moves before the stage runs, so a stage calling Next reaches the following
// stage and never itself. Once every stage has run, Next returns false.
func (ch *Chain) Next(ctx context.Context, c *Context) (bool, error) {
	if ch.cursor >= len(ch.stages) {
		return false, nil
	}

	stage := ch.stages[ch.cursor]
	ch.cursor++

	if ch.observer == nil {
		return stage.Handle(ctx, c, ch)
	}

	start := time.Now()
	consumed, err := stage.Handle(ctx, c, ch)
	ch.observer(stage.Name(), time.Since(start), err)
	return consumed, err
}

// Cursor returns how many stages have been entered.
func (ch *Chain) Cursor() int { return ch.cursor }

// Len returns the number of stages.
func (ch *Chain) Len() int { return len(ch.stages) }

// Exhausted reports whether every stage has been entered.
func (ch *Chain) Exhausted() bool { return ch.cursor >= len(ch.stages) }
