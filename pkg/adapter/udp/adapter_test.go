package udp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// counterStage is a reconfigurable stage replying its current greeting.
type counterStage struct {
	name       string
	greeting   atomic.Value
	reconfigs  atomic.Int32
	closeCalls atomic.Int32
}

func (s *counterStage) Name() string { return s.name }
func (s *counterStage) Type() string { return "greeter" }

func (s *counterStage) Handle(_ context.Context, c *pipeline.Context, _ *pipeline.Chain) (bool, error) {
	_, err := c.WriteString(s.greeting.Load().(string))
	return false, err
}

func (s *counterStage) Reconfigure(_ context.Context, def pipeline.Definition, _ pipeline.Env) (func(), error) {
	greeting := fmt.Sprint(def.Options["greeting"])
	return func() {
		s.reconfigs.Add(1)
		s.greeting.Store(greeting)
	}, nil
}

func (s *counterStage) Close() error {
	s.closeCalls.Add(1)
	return nil
}

// testStageRegistry holds the built-in stages plus "pong" (detaching) and
// "greeter" (reconfigurable).
func testStageRegistry(built *atomic.Int32) *pipeline.Registry {
	reg := pipeline.NewRegistry()
	stages.Register(reg)
	reg.Register("pong", func(context.Context, pipeline.Definition, pipeline.Env) (pipeline.Stage, error) {
		return pongStage(), nil
	})
	reg.Register("greeter", func(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
		if built != nil {
			built.Add(1)
		}
		s := &counterStage{name: def.Name}
		s.greeting.Store(fmt.Sprint(def.Options["greeting"]))
		return s, nil
	})
	return reg
}

func newTestAdapter(t *testing.T, cfg Config, opts ...Option) *UDPAdapter {
	t.Helper()
	a := New(cfg, nil, opts...)
	t.Cleanup(func() { _ = a.Init(context.Background(), nil) })
	return a
}

func initAdapter(t *testing.T, a *UDPAdapter, cfg Config) {
	t.Helper()
	require.NoError(t, a.Init(context.Background(), &cfg))
	require.Greater(t, a.Port(), 0)
}

// roundTrip sends payload to port and waits up to wait for one reply.
func roundTrip(t *testing.T, port int, payload string, wait time.Duration) (string, error) {
	t.Helper()
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(payload))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return string(buf[:n]), nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func TestNew_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { New(Config{Port: 70000}, nil) })
	assert.Panics(t, func() {
		New(Config{Stages: []pipeline.Definition{{Name: "a", Type: "ping"}, {Name: "a", Type: "echo"}}}, nil)
	})
}

func TestUDPAdapter_PortBeforeInit(t *testing.T) {
	a := newTestAdapter(t, testConfig())
	assert.Equal(t, PortDisabled, a.Port())
	assert.Nil(t, a.Stages())
	assert.Equal(t, "UDP", a.Protocol())
}

func TestUDPAdapter_PingPongDetached(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "pong", Type: "pong"}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)

	reply, err := roundTrip(t, a.Port(), "ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	// The stage kept the exchange: its handle is still open.
	require.Eventually(t, func() bool { return a.Stats().Outcomes["detached"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, a.Tracker().Count())
}

func TestUDPAdapter_ZeroStagesClosesWithoutReply(t *testing.T) {
	cfg := testConfig()
	a := newTestAdapter(t, cfg, WithMandatoryStages([]pipeline.Stage{}...))
	initAdapter(t, a, cfg)
	assert.Empty(t, a.Stages())

	_, err := roundTrip(t, a.Port(), "anything", 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, isTimeout(err), "no reply is sent: %v", err)

	require.Eventually(t, func() bool { return a.Stats().Outcomes["closed"] == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, a.Tracker().Count())
}

func TestUDPAdapter_BuiltInStagesWithMandatoryUnhandled(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)

	got := a.Stages()
	require.Len(t, got, 2)
	assert.Equal(t, "ping", got[0].Name())
	assert.Equal(t, "unhandled", got[1].Name())

	reply, err := roundTrip(t, a.Port(), "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	_, err = roundTrip(t, a.Port(), "/nowhere", 200*time.Millisecond)
	assert.True(t, isTimeout(err))

	// Snapshots are copies.
	got[0] = nil
	assert.NotNil(t, a.Stages()[0])
}

func TestUDPAdapter_ReconfigureReusesStagesAndSocket(t *testing.T) {
	var built atomic.Int32
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "hello", Type: "greeter", Options: map[string]any{"greeting": "hello"}}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(&built)))
	initAdapter(t, a, cfg)

	port := a.Port()
	first := a.Stages()[0]

	reply, err := roundTrip(t, port, "x", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	next := cfg
	next.Stages = []pipeline.Definition{{Name: "hello", Type: "greeter", Options: map[string]any{"greeting": "bonjour"}}}
	require.NoError(t, a.Init(context.Background(), &next))

	assert.Equal(t, port, a.Port(), "same binding keeps the socket")
	assert.Same(t, first, a.Stages()[0])
	assert.EqualValues(t, 1, built.Load())
	assert.EqualValues(t, 1, first.(*counterStage).reconfigs.Load())
	assert.Zero(t, first.(*counterStage).closeCalls.Load())

	reply, err = roundTrip(t, port, "x", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "bonjour", reply)

	// Dropping the stage retires it.
	last := cfg
	last.Stages = nil
	require.NoError(t, a.Init(context.Background(), &last))
	assert.EqualValues(t, 1, first.(*counterStage).closeCalls.Load())
}

func TestUDPAdapter_ReconfigureFailureKeepsCurrentGeneration(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)

	bad := cfg
	bad.Stages = []pipeline.Definition{{Name: "x", Type: "no-such-type"}}
	err := a.Init(context.Background(), &bad)
	require.Error(t, err)
	assert.ErrorIs(t, err, pipeline.ErrUnknownStageType)

	reply, err := roundTrip(t, a.Port(), "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestUDPAdapter_FailedInitLeavesReusedStagesUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "g1", Type: "greeter", Options: map[string]any{"greeting": "hello"}}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)
	stage := a.Stages()[0].(*counterStage)

	// A later definition fails to build.
	bad := cfg
	bad.Stages = []pipeline.Definition{
		{Name: "g1", Type: "greeter", Options: map[string]any{"greeting": "changed"}},
		{Name: "x", Type: "no-such-type"},
	}
	err := a.Init(context.Background(), &bad)
	require.ErrorIs(t, err, pipeline.ErrUnknownStageType)

	// The new binding cannot be acquired.
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	moved := cfg
	moved.Port = boundPort(taken)
	moved.BindTimeout = time.Second
	moved.Stages = []pipeline.Definition{{Name: "g1", Type: "greeter", Options: map[string]any{"greeting": "moved"}}}
	err = a.Init(context.Background(), &moved)
	require.ErrorIs(t, err, ErrBindFailed)

	reply, err := roundTrip(t, a.Port(), "x", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)
	assert.Same(t, stage, a.Stages()[0])
	assert.Zero(t, stage.reconfigs.Load())
	assert.Zero(t, stage.closeCalls.Load())
}

func TestUDPAdapter_SocketInstalledDuringInitIsKept(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}

	replacement, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	var (
		a        *UDPAdapter
		previous *net.UDPConn
		swap     atomic.Bool
	)
	reg := testStageRegistry(nil)
	reg.Register("swapper", func(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
		if swap.CompareAndSwap(true, false) {
			previous = a.SetServerSocket(replacement)
		}
		return stageFunc(def.Name, func(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error) {
			return chain.Next(ctx, c)
		}), nil
	})
	a = newTestAdapter(t, cfg, WithStageRegistry(reg))
	initAdapter(t, a, cfg)
	original := a.Port()

	next := cfg
	next.Stages = append([]pipeline.Definition{{Name: "swapper", Type: "swapper"}}, cfg.Stages...)
	swap.Store(true)
	require.NoError(t, a.Init(context.Background(), &next))

	require.NotNil(t, previous)
	defer previous.Close()
	assert.Equal(t, original, boundPort(previous))
	assert.Equal(t, boundPort(replacement), a.Port())

	reply, err := roundTrip(t, a.Port(), "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestUDPAdapter_RebindOnPortChange(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)
	oldPort := a.Port()

	// Find a free port for the new binding.
	probe, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	newPort := probe.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, probe.Close())

	next := cfg
	next.Port = newPort
	require.NoError(t, a.Init(context.Background(), &next))
	assert.Equal(t, newPort, a.Port())
	assert.NotEqual(t, oldPort, a.Port())

	reply, err := roundTrip(t, newPort, "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)
}

func TestUDPAdapter_InitNilTearsDown(t *testing.T) {
	cfg := testConfig()
	var built atomic.Int32
	cfg.Stages = []pipeline.Definition{{Name: "hello", Type: "greeter", Options: map[string]any{"greeting": "hi"}}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(&built)))
	initAdapter(t, a, cfg)
	stage := a.Stages()[0].(*counterStage)

	require.NoError(t, a.Init(context.Background(), nil))
	assert.Equal(t, PortDisabled, a.Port())
	assert.Nil(t, a.Stages())
	assert.EqualValues(t, 1, stage.closeCalls.Load())

	// Idempotent.
	require.NoError(t, a.Init(context.Background(), nil))
}

func TestUDPAdapter_SetServerSocket(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)
	oldPort := a.Port()

	replacement, err := ListenBinder(context.Background(), &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	prev := a.SetServerSocket(replacement)
	require.NotNil(t, prev)
	defer prev.Close()

	assert.Equal(t, oldPort, boundPort(prev))
	assert.False(t, isClosed(prev), "the previous socket is handed back open")
	assert.Equal(t, boundPort(replacement), a.Port())

	reply, err := roundTrip(t, a.Port(), "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	// The previous socket is no longer served.
	_, err = roundTrip(t, oldPort, "/ping", 200*time.Millisecond)
	assert.Error(t, err)
}

func TestUDPAdapter_SetServerSocketNil(t *testing.T) {
	cfg := testConfig()
	a := newTestAdapter(t, cfg)
	initAdapter(t, a, cfg)

	prev := a.SetServerSocket(nil)
	require.NotNil(t, prev)
	defer prev.Close()
	assert.Equal(t, PortDisabled, a.Port())
}

func TestUDPAdapter_ServeAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "ping", Type: stages.TypePing}}
	a := New(cfg, nil, WithStageRegistry(testStageRegistry(nil)))

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(context.Background()) }()

	require.Eventually(t, func() bool { return a.Port() > 0 }, 2*time.Second, 5*time.Millisecond)
	reply, err := roundTrip(t, a.Port(), "/ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "pong", reply)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, a.Stop(ctx), "Stop is idempotent")

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	assert.Equal(t, PortDisabled, a.Port())
}

func TestUDPAdapter_ServeContextCancel(t *testing.T) {
	a := New(testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(ctx) }()
	require.Eventually(t, func() bool { return a.Port() > 0 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestUDPAdapter_ServeBindFailure(t *testing.T) {
	taken, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer taken.Close()

	cfg := testConfig()
	cfg.Port = taken.LocalAddr().(*net.UDPAddr).Port
	a := New(cfg, nil)

	err = a.Serve(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBindFailed)
}

func TestUDPAdapter_SocketListener(t *testing.T) {
	var (
		mu     sync.Mutex
		latest = -1
	)
	listener := listenerFunc(func(n int) {
		mu.Lock()
		latest = n
		mu.Unlock()
	})

	cfg := testConfig()
	cfg.ReportSockets = true
	cfg.Stages = []pipeline.Definition{{Name: "pong", Type: "pong"}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)), WithSocketListener(listener))
	initAdapter(t, a, cfg)

	_, err := roundTrip(t, a.Port(), "ping", 2*time.Second)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return latest == 1
	}, time.Second, 5*time.Millisecond)
}

type listenerFunc func(int)

func (f listenerFunc) UpdateCount(n int) { f(n) }

func TestUDPAdapter_StatsAndEnv(t *testing.T) {
	cfg := testConfig()
	cfg.Stages = []pipeline.Definition{{Name: "stats", Type: stages.TypeStats}}
	a := newTestAdapter(t, cfg, WithStageRegistry(testStageRegistry(nil)))
	initAdapter(t, a, cfg)

	reply, err := roundTrip(t, a.Port(), "/stats", 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, reply, "datagrams=1")

	st := a.Stats()
	assert.EqualValues(t, 1, st.Datagrams)
	require.Len(t, st.Pools, 2)
	assert.Equal(t, "udp-new", st.Pools[0].Name)
	assert.Equal(t, "udp-recycled", st.Pools[1].Name)
}

func TestIsIOError(t *testing.T) {
	assert.True(t, isIOError(io.EOF))
	assert.True(t, isIOError(fmt.Errorf("read: %w", net.ErrClosed)))
	assert.True(t, isIOError(os.ErrDeadlineExceeded))
	assert.True(t, isIOError(&net.OpError{Op: "read", Net: "udp", Err: errors.New("x")}))
	assert.False(t, isIOError(errors.New("nil map write")))
}
