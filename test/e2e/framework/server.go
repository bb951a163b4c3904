package framework

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/adapter"
	"github.com/marmos91/dittoudp/pkg/config"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/registry"
	"github.com/marmos91/dittoudp/pkg/server"
)

// TestServerConfig holds configuration for the test server.
// This is distinct from pkg/config.ServerConfig (application-level server settings).
type TestServerConfig struct {
	// Stages is the UDP pipeline. Nil runs with no configured stages.
	Stages []pipeline.Definition

	// Mutate edits the full configuration before the server is built.
	Mutate func(cfg *config.Config)

	LogLevel       string
	StartupTimeout time.Duration
}

// TestServer wraps a DittoUDP server bound to an ephemeral loopback port.
type TestServer struct {
	t        testing.TB
	config   TestServerConfig
	cfg      *config.Config
	server   *server.DittoServer
	registry *registry.Registry
	adapter  adapter.Adapter
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewTestServer creates a new test server instance
func NewTestServer(t testing.TB, cfg TestServerConfig) *TestServer {
	t.Helper()

	if cfg.LogLevel == "" {
		cfg.LogLevel = "ERROR" // Keep tests quiet by default
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}

	full := config.GetDefaultConfig()
	full.Logging.Level = cfg.LogLevel
	full.Adapters.UDP.BindAddress = "127.0.0.1"
	full.Adapters.UDP.Port = 0
	full.Adapters.UDP.Stages = cfg.Stages
	full.Adapters.UDP.ShutdownTimeout = 5 * time.Second
	if cfg.Mutate != nil {
		cfg.Mutate(full)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &TestServer{
		t:      t,
		config: cfg,
		cfg:    full,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start builds the backends and adapters from the configuration and serves
// until Stop.
func (ts *TestServer) Start() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.started {
		return fmt.Errorf("server already started")
	}

	ts.t.Helper()
	logger.SetLevel(ts.config.LogLevel)

	if err := config.Validate(ts.cfg); err != nil {
		return fmt.Errorf("invalid test configuration: %w", err)
	}

	reg, err := config.InitializeRegistry(ts.ctx, ts.cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize registry: %w", err)
	}
	ts.registry = reg

	adapters, err := config.CreateAdapters(ts.cfg, nil) // nil = no metrics for tests
	if err != nil {
		_ = reg.Close()
		return fmt.Errorf("failed to create adapters: %w", err)
	}
	ts.adapter = adapters[0]

	ts.server = server.New(reg, server.WithStopTimeout(5*time.Second))
	for _, a := range adapters {
		if err := ts.server.AddAdapter(a); err != nil {
			_ = reg.Close()
			return err
		}
	}

	ts.wg.Add(1)
	go func() {
		defer ts.wg.Done()
		if err := ts.server.Serve(ts.ctx); err != nil && err != context.Canceled {
			ts.t.Logf("Server error: %v", err)
		}
	}()

	if err := ts.waitForServer(); err != nil {
		ts.cancel()
		ts.wg.Wait()
		_ = reg.Close()
		return fmt.Errorf("server failed to start: %w", err)
	}

	ts.started = true
	ts.t.Logf("Server started on udp port %d", ts.adapter.Port())
	return nil
}

// Stop stops the test server and closes its backends.
func (ts *TestServer) Stop() error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if !ts.started {
		return nil
	}

	ts.cancel()

	done := make(chan struct{})
	go func() {
		ts.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		ts.t.Logf("Server stop timeout")
	}

	ts.started = false
	return ts.registry.Close()
}

// Port returns the bound UDP port.
func (ts *TestServer) Port() int {
	return ts.adapter.Port()
}

// Addr returns the server address in host:port form.
func (ts *TestServer) Addr() string {
	return fmt.Sprintf("127.0.0.1:%d", ts.Port())
}

// Registry returns the backends the stages use.
func (ts *TestServer) Registry() *registry.Registry {
	return ts.registry
}

// waitForServer waits until the adapter has bound its socket.
func (ts *TestServer) waitForServer() error {
	deadline := time.Now().Add(ts.config.StartupTimeout)
	for time.Now().Before(deadline) {
		if ts.adapter.Port() > 0 {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for server to start")
}
