package udp

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/marmos91/dittoudp/internal/worker"
	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// Queue names, used in pool names and metrics labels.
const (
	queueNew      = "new"
	queueRecycled = "recycled"
)

// counters are the adapter-wide totals reported by Stats.
type counters struct {
	datagrams  atomic.Uint64
	rejected   atomic.Uint64
	readErrors atomic.Uint64
	outcomes   [outcomeCount]atomic.Int64
}

// generation is one immutable snapshot of configuration, stages and worker
// pools. Reconfiguration builds a new generation and swaps it in; a live
// generation is never modified.
type generation struct {
	cfg      Config
	stages   []pipeline.Stage
	fresh    *worker.Pool[*Transaction]
	recycled *worker.Pool[*Transaction]

	metrics  metrics.UDPMetrics
	counters *counters

	cancel context.CancelFunc
}

type generationDeps struct {
	metrics       metrics.UDPMetrics
	workerMetrics metrics.WorkerMetrics
	counters      *counters
	onPanic       func(any)
}

// newGeneration creates the pools of a generation. Pools are started by start.
func newGeneration(cfg Config, stages []pipeline.Stage, deps generationDeps) *generation {
	g := &generation{
		cfg:      cfg,
		stages:   stages,
		metrics:  deps.metrics,
		counters: deps.counters,
	}
	if g.metrics == nil {
		g.metrics = metrics.NewNoopUDPMetrics()
	}
	if g.counters == nil {
		g.counters = &counters{}
	}

	process := func(ctx context.Context, t *Transaction) { t.Service(ctx) }
	opts := []worker.Option[*Transaction]{
		worker.WithDiscard[*Transaction](func(t *Transaction) { t.Cancel() }),
	}
	if deps.onPanic != nil {
		opts = append(opts, worker.WithPanicHandler[*Transaction](deps.onPanic))
	}
	if deps.workerMetrics != nil {
		opts = append(opts, worker.WithMetrics[*Transaction](deps.workerMetrics))
	}

	g.fresh = worker.NewPool("udp-"+queueNew, cfg.Workers, cfg.NewQueueSize, process, opts...)
	g.recycled = worker.NewPool("udp-"+queueRecycled, cfg.Workers, cfg.RecycledQueueSize, process, opts...)
	return g
}

// start launches the worker pools. Workers live until stop.
func (g *generation) start() error {
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.fresh.Start(ctx); err != nil {
		cancel()
		return err
	}
	if err := g.recycled.Start(ctx); err != nil {
		_ = g.fresh.Stop(g.cfg.ShutdownTimeout)
		cancel()
		return err
	}
	g.cancel = cancel
	return nil
}

// stop drains the pools. Exchanges still queued when the timeout expires are
// cancelled.
func (g *generation) stop() error {
	// Recycled work can only come from the fresh pool, so drain that first.
	errFresh := g.fresh.Stop(g.cfg.ShutdownTimeout)
	errRecycled := g.recycled.Stop(g.cfg.ShutdownTimeout)
	if g.cancel != nil {
		g.cancel()
	}
	return errors.Join(errFresh, errRecycled)
}

func (g *generation) observeStage(stage string, elapsed time.Duration, err error) {
	g.metrics.RecordStage(stage, elapsed, err)
}

func (g *generation) recordOutcome(o Outcome, elapsed time.Duration) {
	if o >= 0 && o < outcomeCount {
		g.counters.outcomes[o].Add(1)
	}
	g.metrics.RecordOutcome(o.String(), elapsed)
}

func (g *generation) recordRejected(queue string) {
	g.counters.rejected.Add(1)
	g.metrics.RecordRejected(queue)
	g.recordOutcome(OutcomeCanceled, 0)
}

func (g *generation) poolStats() []worker.Stats {
	return []worker.Stats{g.fresh.Stats(), g.recycled.Stats()}
}
