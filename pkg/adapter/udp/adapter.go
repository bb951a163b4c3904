package udp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/registry"
	"github.com/marmos91/dittoudp/pkg/stages"
	"github.com/marmos91/dittoudp/pkg/tracker"
)

// UDPAdapter implements the adapter.Adapter interface for the datagram
// pipeline server.
//
// Architecture:
// The adapter owns the listening socket, one accept loop and the current
// generation (configuration, stages, worker pools). Each datagram becomes a
// Transaction queued on the generation's "new" pool; a worker drives it
// through the stage chain. Stages reply through the shared socket.
//
// Reconfiguration:
// Init builds a complete new generation outside the lock, then swaps it in
// under mu: the previous accept loop is stopped before the new one starts.
// The previous generation drains afterwards and its stages that were not
// carried over are closed. A live generation is never modified.
//
// Shutdown flow:
//  1. Context cancelled or Stop() called
//  2. Accept loop interrupted
//  3. Worker pools drained (up to ShutdownTimeout), leftovers cancelled
//  4. Stages closed, socket closed
//
// Thread safety:
// All methods are safe for concurrent use.
type UDPAdapter struct {
	// config is the configuration Serve initializes with.
	config Config

	metrics       metrics.UDPMetrics
	workerMetrics metrics.WorkerMetrics

	stageRegistry *pipeline.Registry
	mandatory     []pipeline.Stage
	acquirer      *Acquirer
	tracker       *tracker.Tracker
	registry      *registry.Registry

	// counters survive generations so Stats reports process totals.
	counters  *counters
	startedAt time.Time

	// initMu serializes Init calls; the slow parts of Init (bind, stage
	// construction, draining) run under it but outside mu.
	initMu sync.Mutex

	// mu guards the current socket, loop and generation.
	mu   sync.Mutex
	conn *net.UDPConn
	loop *acceptLoop
	gen  *generation

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Option customizes a UDPAdapter.
type Option func(*UDPAdapter)

// WithWorkerMetrics wires worker pool metrics.
func WithWorkerMetrics(m metrics.WorkerMetrics) Option {
	return func(a *UDPAdapter) { a.workerMetrics = m }
}

// WithStageRegistry replaces the registry stages are built from.
func WithStageRegistry(r *pipeline.Registry) Option {
	return func(a *UDPAdapter) { a.stageRegistry = r }
}

// WithMandatoryStages replaces the stages appended after the configured
// ones. The default is a single "unhandled" stage.
func WithMandatoryStages(s ...pipeline.Stage) Option {
	return func(a *UDPAdapter) { a.mandatory = s }
}

// WithAcquirer replaces the socket acquirer. Its Timeout is overridden by
// Config.BindTimeout.
func WithAcquirer(acq *Acquirer) Option {
	return func(a *UDPAdapter) { a.acquirer = acq }
}

// WithSocketListener registers a listener for open handle counts.
func WithSocketListener(l tracker.Listener) Option {
	return func(a *UDPAdapter) {
		if l != nil {
			a.tracker.AddListener(l)
		}
	}
}

// New creates a stopped UDPAdapter.
//
// Zero values in config are replaced with defaults. Invalid configurations
// cause a panic (indicates programmer error).
func New(config Config, udpMetrics metrics.UDPMetrics, opts ...Option) *UDPAdapter {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("invalid UDP config: %v", err))
	}

	if udpMetrics == nil {
		udpMetrics = metrics.NewNoopUDPMetrics()
	}

	a := &UDPAdapter{
		config:    config,
		metrics:   udpMetrics,
		acquirer:  &Acquirer{},
		tracker:   tracker.New(),
		counters:  &counters{},
		startedAt: time.Now(),
		shutdown:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.stageRegistry == nil {
		stages.RegisterDefault()
		a.stageRegistry = pipeline.DefaultRegistry
	}
	if a.mandatory == nil {
		a.mandatory = []pipeline.Stage{stages.NewUnhandled("")}
	}
	return a
}

// SetRegistry injects the named stores stages resolve at build time.
func (a *UDPAdapter) SetRegistry(reg *registry.Registry) {
	a.initMu.Lock()
	a.registry = reg
	a.initMu.Unlock()
	logger.Debug("UDP registry configured")
}

// Protocol returns "UDP".
func (a *UDPAdapter) Protocol() string {
	return "UDP"
}

// Port returns the port of the bound socket, or PortDisabled.
func (a *UDPAdapter) Port() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return boundPort(a.conn)
}

// Stages returns a snapshot of the current stage list.
func (a *UDPAdapter) Stages() []pipeline.Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen == nil {
		return nil
	}
	out := make([]pipeline.Stage, len(a.gen.stages))
	copy(out, a.gen.stages)
	return out
}

// Tracker returns the open handle tracker.
func (a *UDPAdapter) Tracker() *tracker.Tracker {
	return a.tracker
}

// Init installs a new generation built from cfg. A nil cfg tears the
// adapter down and releases the socket, the pools and the stages.
//
// The socket is only re-acquired when the bind address or port changed.
// Stages with the same name and type as a current Reconfigurable stage are
// reconfigured in place instead of rebuilt. Their new settings are applied
// only once the workers run and the socket is secured: when Init fails the
// current generation keeps serving unchanged.
//
// A socket installed by SetServerSocket while Init runs is kept unless the
// binding changed.
func (a *UDPAdapter) Init(ctx context.Context, cfg *Config) error {
	a.initMu.Lock()
	defer a.initMu.Unlock()

	if cfg == nil {
		return a.teardown()
	}

	c := *cfg
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid UDP config: %w", err)
	}

	a.mu.Lock()
	prev := a.gen
	currentConn := a.conn
	a.mu.Unlock()

	var prevStages []pipeline.Stage
	if prev != nil {
		prevStages = prev.stages
	}

	built, commit, err := a.stageRegistry.Build(ctx, c.Stages, a.env(), prevStages, a.mandatory...)
	if err != nil {
		return fmt.Errorf("build UDP stages: %w", err)
	}

	gen := newGeneration(c, built, generationDeps{
		metrics:       a.metrics,
		workerMetrics: a.workerMetrics,
		counters:      a.counters,
		onPanic:       a.onWorkerPanic,
	})
	if err := gen.start(); err != nil {
		_ = pipeline.Retire(built, prevStages)
		return fmt.Errorf("start UDP workers: %w", err)
	}

	conn := currentConn
	rebind := currentConn == nil || prev == nil || !prev.cfg.sameBinding(&c)
	if rebind {
		acq := *a.acquirer
		acq.Timeout = c.BindTimeout
		hosts := ParseHosts(c.BindAddress)
		conn, err = acq.Acquire(ctx, hosts, c.Port)
		if err != nil {
			_ = gen.stop()
			_ = pipeline.Retire(built, prevStages)
			return err
		}
	}

	a.mu.Lock()
	if !rebind && a.conn != currentConn {
		conn = a.conn
	}
	applyBuffers(conn, &c)
	commit()
	if a.loop != nil {
		a.loop.stop()
		a.loop = nil
	}
	oldConn := a.conn
	a.conn = conn
	a.gen = gen
	if conn != nil {
		a.loop = newAcceptLoop(conn, gen, a.tracker)
		a.loop.start()
	}
	a.mu.Unlock()

	logger.Info("UDP server listening on %s (stages=%d workers=%d)", addrString(conn), len(built), c.Workers)
	logger.Debug("UDP config: new_read_timeout=%dms recycled_read_timeout=%dms read_buffer=%d write_buffer=%d reply_buffer=%d",
		c.NewReadTimeout, c.RecycledReadTimeout, c.ReadBufferSize, c.WriteBufferSize, c.ReplyBufferSize)

	var errs []error
	if prev != nil {
		if err := prev.stop(); err != nil {
			errs = append(errs, fmt.Errorf("drain previous UDP generation: %w", err))
		}
		if err := pipeline.Retire(prev.stages, built); err != nil {
			errs = append(errs, err)
		}
	}
	if rebind && oldConn != nil && oldConn != conn {
		if err := oldConn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close previous UDP socket: %w", err))
		}
	}
	if len(errs) > 0 {
		logger.Warn("UDP reconfiguration: %v", errors.Join(errs...))
	}
	return nil
}

// teardown stops the loop, drains the generation and closes the stages and
// the socket. Called with initMu held.
func (a *UDPAdapter) teardown() error {
	a.mu.Lock()
	loop, gen, conn := a.loop, a.gen, a.conn
	a.loop, a.gen, a.conn = nil, nil, nil
	a.mu.Unlock()

	if loop != nil {
		loop.stop()
	}

	var errs []error
	if gen != nil {
		if err := gen.stop(); err != nil {
			errs = append(errs, err)
		}
		if err := pipeline.Retire(gen.stages, nil); err != nil {
			errs = append(errs, err)
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("close UDP socket: %w", err))
		}
		logger.Info("UDP socket %s released", addrString(conn))
	}
	return errors.Join(errs...)
}

// SetServerSocket installs conn as the listening socket and returns the
// previous one, which is not closed: in-flight exchanges may still reply
// through it. The current accept loop is stopped before conn is installed.
// A nil conn leaves the adapter without a socket.
func (a *UDPAdapter) SetServerSocket(conn *net.UDPConn) *net.UDPConn {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.loop != nil {
		a.loop.stop()
		a.loop = nil
	}
	prev := a.conn
	a.conn = conn

	if conn != nil && a.gen != nil {
		applyBuffers(conn, &a.gen.cfg)
		a.loop = newAcceptLoop(conn, a.gen, a.tracker)
		a.loop.start()
	}
	logger.Info("UDP server socket changed: %s -> %s", addrString(prev), addrString(conn))
	return prev
}

// Serve initializes the adapter with its configuration if Init was not
// called yet, then blocks until ctx is cancelled or Stop is called.
//
// Returns nil on graceful shutdown, or the initialization error.
func (a *UDPAdapter) Serve(ctx context.Context) error {
	a.mu.Lock()
	initialized := a.gen != nil
	a.mu.Unlock()

	if !initialized {
		cfg := a.config
		if err := a.Init(ctx, &cfg); err != nil {
			return fmt.Errorf("failed to start UDP server on port %d: %w", a.config.Port, err)
		}
	}

	if a.config.MetricsLogInterval > 0 {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.logMetrics(metricsCtx)
	}

	select {
	case <-ctx.Done():
		logger.Info("UDP shutdown signal received: %v", ctx.Err())
	case <-a.shutdown:
	}
	a.initiateShutdown()

	a.initMu.Lock()
	defer a.initMu.Unlock()
	return a.teardown()
}

func (a *UDPAdapter) initiateShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Debug("UDP shutdown initiated")
		close(a.shutdown)
	})
}

// Stop tears the adapter down. Safe to call multiple times and concurrently
// with Serve. Returns ctx.Err() if ctx expires before draining completes.
func (a *UDPAdapter) Stop(ctx context.Context) error {
	a.initiateShutdown()

	done := make(chan error, 1)
	go func() { done <- a.Init(context.Background(), nil) }()

	if ctx == nil {
		return <-done
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logger.Warn("UDP shutdown context cancelled before draining completed: %v", ctx.Err())
		return ctx.Err()
	}
}

// Stats returns the current counters.
func (a *UDPAdapter) Stats() pipeline.ServerStats {
	st := pipeline.ServerStats{
		OpenHandles: a.tracker.Count(),
		Datagrams:   a.counters.datagrams.Load(),
		Rejected:    a.counters.rejected.Load(),
		ReadErrors:  a.counters.readErrors.Load(),
		Outcomes:    make(map[string]int, int(outcomeCount)),
		Uptime:      time.Since(a.startedAt),
	}
	for o := Outcome(0); o < outcomeCount; o++ {
		st.Outcomes[o.String()] = int(a.counters.outcomes[o].Load())
	}

	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	if gen != nil {
		st.Pools = gen.poolStats()
	}
	return st
}

func (a *UDPAdapter) env() pipeline.Env {
	return pipeline.Env{Registry: a.registry, Stats: a.Stats}
}

// onWorkerPanic is the worker pools' uncaught-failure channel. I/O failures
// are expected under load and logged at WARN; anything else is a bug.
func (a *UDPAdapter) onWorkerPanic(r any) {
	if err, ok := r.(error); ok && isIOError(err) {
		logger.Warn("UDP worker I/O failure: %v", err)
		return
	}
	logger.Error("UDP worker panic: %v\n%s", r, debug.Stack())
}

func isIOError(err error) bool {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrDeadlineExceeded):
		return true
	}
	return errclass.New(err) != errclass.EGENERIC
}

// applyBuffers sets the socket buffer sizes. Failures are logged: the OS may
// cap the requested size and the socket still works.
func applyBuffers(conn *net.UDPConn, c *Config) {
	if conn == nil {
		return
	}
	if c.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(c.ReadBufferSize); err != nil {
			logger.Warn("UDP: failed to set read buffer to %d: %v", c.ReadBufferSize, err)
		}
	}
	if c.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(c.WriteBufferSize); err != nil {
			logger.Warn("UDP: failed to set write buffer to %d: %v", c.WriteBufferSize, err)
		}
	}
}

// logMetrics periodically logs the adapter counters.
func (a *UDPAdapter) logMetrics(ctx context.Context) {
	ticker := time.NewTicker(a.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.shutdown:
			return
		case <-ticker.C:
			st := a.Stats()
			logger.Info("UDP metrics: open_handles=%d datagrams=%d rejected=%d read_errors=%d detached=%d failed=%d",
				st.OpenHandles, st.Datagrams, st.Rejected, st.ReadErrors,
				st.Outcomes[OutcomeDetached.String()], st.Outcomes[OutcomeFailed.String()])
		}
	}
}
