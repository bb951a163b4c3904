package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/adapter"
	"github.com/marmos91/dittoudp/pkg/metrics"
	"github.com/marmos91/dittoudp/pkg/registry"
)

// DefaultStopTimeout bounds how long adapters get to stop.
const DefaultStopTimeout = 30 * time.Second

// ErrAlreadyServed is returned by a second Serve call.
var ErrAlreadyServed = errors.New("server already served")

// DittoServer manages the lifecycle of multiple protocol adapters that share
// a registry of named stores.
//
// Lifecycle:
//  1. Creation: New() with the registry
//  2. Registration: AddAdapter() for each protocol
//  3. Startup: Serve() starts all adapters (and the metrics server) concurrently
//  4. Shutdown: Context cancellation triggers graceful shutdown of all adapters
//
// Example usage:
//
//	server := New(reg)
//	server.AddAdapter(udp.New(udpConfig, nil))
//
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//
//	if err := server.Serve(ctx); err != nil && err != context.Canceled {
//	    log.Fatal(err)
//	}
type DittoServer struct {
	registry *registry.Registry

	// metricsServer is optional; nil when metrics are disabled.
	metricsServer *metrics.Server

	stopTimeout time.Duration

	// mu protects adapters and served
	mu       sync.RWMutex
	adapters []adapter.Adapter
	served   bool
}

// Option customizes a DittoServer.
type Option func(*DittoServer)

// WithMetricsServer runs m alongside the adapters.
func WithMetricsServer(m *metrics.Server) Option {
	return func(s *DittoServer) { s.metricsServer = m }
}

// WithStopTimeout overrides DefaultStopTimeout.
func WithStopTimeout(d time.Duration) Option {
	return func(s *DittoServer) {
		if d > 0 {
			s.stopTimeout = d
		}
	}
}

// New creates a DittoServer around reg.
//
// Panics if reg is nil (indicates programmer error).
func New(reg *registry.Registry, opts ...Option) *DittoServer {
	if reg == nil {
		panic("registry cannot be nil")
	}

	s := &DittoServer{
		registry:    reg,
		stopTimeout: DefaultStopTimeout,
		adapters:    make([]adapter.Adapter, 0, 2),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAdapter injects the registry into a and registers it.
//
// Returns an error if an adapter for the same protocol, or bound to the same
// fixed port, is already registered.
//
// Panics if a is nil or Serve() has already been called.
func (s *DittoServer) AddAdapter(a adapter.Adapter) error {
	if a == nil {
		panic("adapter cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.served {
		panic("cannot add adapter after Serve() has been called")
	}

	protocol := a.Protocol()
	port := a.Port()

	for _, existing := range s.adapters {
		if existing.Protocol() == protocol {
			return fmt.Errorf("adapter for protocol %s already registered", protocol)
		}
		// Unbound and ephemeral ports cannot conflict.
		if port > 0 && existing.Port() == port {
			return fmt.Errorf("port %d already in use by %s adapter", port, existing.Protocol())
		}
	}

	a.SetRegistry(s.registry)
	s.adapters = append(s.adapters, a)

	logger.Info("Registered %s adapter", protocol)
	return nil
}

// Serve starts all registered adapters and blocks until the context is
// cancelled or an adapter fails.
//
// On shutdown every adapter is stopped in reverse registration order and
// Serve waits for all of them. The registry is not closed: it belongs to the
// caller.
//
// Returns:
//   - context.Canceled (or the context's error) on graceful shutdown
//   - the adapter error wrapped with its protocol if an adapter failed
//   - ErrAlreadyServed on a second call
func (s *DittoServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.served {
		s.mu.Unlock()
		return ErrAlreadyServed
	}
	s.served = true
	if len(s.adapters) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("no adapters registered; call AddAdapter() before Serve()")
	}
	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	s.mu.Unlock()

	logger.Info("Starting DittoServer with %d adapter(s)", len(adapters))

	// Buffered so failing adapters never block.
	errChan := make(chan adapterError, len(adapters)+1)

	var wg sync.WaitGroup

	startTime := time.Now()
	for _, adp := range adapters {
		wg.Add(1)
		go func(a adapter.Adapter) {
			defer wg.Done()

			protocol := a.Protocol()
			logger.Info("Starting %s adapter", protocol)

			if err := a.Serve(ctx); err != nil {
				if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
					logger.Error("%s adapter failed: %v", protocol, err)
					errChan <- adapterError{protocol: protocol, err: err}
				} else {
					logger.Debug("%s adapter stopped gracefully", protocol)
				}
			} else {
				logger.Info("%s adapter stopped", protocol)
			}
		}(adp)
	}

	metricsCtx, cancelMetrics := context.WithCancel(ctx)
	defer cancelMetrics()
	if s.metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.metricsServer.Start(metricsCtx); err != nil {
				errChan <- adapterError{protocol: "metrics", err: err}
			}
		}()
	}

	logger.Debug("All adapters launched in %v", time.Since(startTime))

	var shutdownErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received (reason: %v)", ctx.Err())
		shutdownErr = ctx.Err()

	case adapterErr := <-errChan:
		logger.Error("Adapter %s failed: %v - initiating shutdown of all adapters",
			adapterErr.protocol, adapterErr.err)
		shutdownErr = fmt.Errorf("%s adapter error: %w", adapterErr.protocol, adapterErr.err)
	}

	s.stopAllAdapters(adapters)
	cancelMetrics()

	logger.Debug("Waiting for all adapters to complete shutdown")
	wg.Wait()

	logger.Info("DittoServer stopped gracefully")
	return shutdownErr
}

// adapterError pairs an adapter protocol name with its error.
type adapterError struct {
	protocol string
	err      error
}

// stopAllAdapters stops adapters in reverse registration order, sharing one
// stop deadline. Errors are logged and do not interrupt the sequence.
func (s *DittoServer) stopAllAdapters(adapters []adapter.Adapter) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()

	logger.Info("Initiating graceful shutdown of %d adapter(s)", len(adapters))

	for i := len(adapters) - 1; i >= 0; i-- {
		adp := adapters[i]
		protocol := adp.Protocol()

		logger.Debug("Stopping %s adapter (port %d)", protocol, adp.Port())
		if err := adp.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Error stopping %s adapter: %v", protocol, err)
		} else {
			logger.Debug("%s adapter stopped", protocol)
		}
	}
}

// Adapters returns a snapshot of currently registered adapters.
func (s *DittoServer) Adapters() []adapter.Adapter {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adapters := make([]adapter.Adapter, len(s.adapters))
	copy(adapters, s.adapters)
	return adapters
}

// Registry returns the shared registry.
func (s *DittoServer) Registry() *registry.Registry {
	return s.registry
}
