package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/marmos91/dittoudp/pkg/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startLoop(t *testing.T, conn *fakeConn, gen *generation, tr *tracker.Tracker, log func(logger.Level, string, ...any)) *acceptLoop {
	t.Helper()
	loop := newAcceptLoop(conn, gen, tr)
	if log != nil {
		loop.log = log
	}
	loop.start()
	t.Cleanup(loop.stop)
	return loop
}

func loopAlive(loop *acceptLoop) bool {
	select {
	case <-loop.done:
		return false
	default:
		return true
	}
}

func TestAcceptLoop_DispatchesDatagrams(t *testing.T) {
	gen := newTestGeneration(t, testConfig(), replyStage("pong"))
	conn := newFakeConn()
	tr := tracker.New()
	startLoop(t, conn, gen, tr, nil)

	conn.datagram("ping")
	conn.datagram("ping")

	require.Eventually(t, func() bool { return len(conn.replies()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"pong", "pong"}, conn.replies())
	assert.EqualValues(t, 2, gen.counters.datagrams.Load())
	require.Eventually(t, func() bool { return tr.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestAcceptLoop_FullQueueCancelsWithoutInvokingStages(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.NewQueueSize = 1

	var (
		mu      sync.Mutex
		invoked []string
	)
	entered := make(chan struct{})
	gate := make(chan struct{})
	var first atomic.Bool

	stage := stageFunc("slow", func(_ context.Context, c *pipeline.Context, _ *pipeline.Chain) (bool, error) {
		mu.Lock()
		invoked = append(invoked, string(c.Payload()))
		mu.Unlock()
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-gate
		}
		return false, nil
	})

	gen := newTestGeneration(t, cfg, stage)
	conn := newFakeConn()
	tr := tracker.New()
	startLoop(t, conn, gen, tr, nil)

	// a occupies the only worker, b fills the queue, c is rejected.
	conn.datagram("a")
	<-entered
	conn.datagram("b")
	require.Eventually(t, func() bool { return gen.fresh.Stats().QueueDepth == 1 }, time.Second, 5*time.Millisecond)
	conn.datagram("c")

	require.Eventually(t, func() bool { return gen.counters.rejected.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, tr.Count(), "the rejected exchange released its handle")

	close(gate)
	require.Eventually(t, func() bool { return tr.Count() == 0 }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b"}, invoked)
	assert.EqualValues(t, 1, gen.counters.outcomes[OutcomeCanceled].Load())
}

func TestAcceptLoop_StoppedPoolRejectsEverything(t *testing.T) {
	var invoked atomic.Int32
	stage := stageFunc("never", func(context.Context, *pipeline.Context, *pipeline.Chain) (bool, error) {
		invoked.Add(1)
		return false, nil
	})

	// Pools are never started.
	gen := newGeneration(testConfig(), []pipeline.Stage{stage}, generationDeps{})
	conn := newFakeConn()
	tr := tracker.New()
	startLoop(t, conn, gen, tr, nil)

	for i := 0; i < 5; i++ {
		conn.datagram("x")
	}
	require.Eventually(t, func() bool { return gen.counters.rejected.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, invoked.Load())
	assert.Zero(t, tr.Count())
	assert.Empty(t, conn.replies())
}

func TestAcceptLoop_RejectCancelsEvenWhenLoggingPanics(t *testing.T) {
	// Pools are never started.
	gen := newGeneration(testConfig(), []pipeline.Stage{replyStage("never")}, generationDeps{})
	conn := newFakeConn()
	tr := tracker.New()
	panicky := func(logger.Level, string, ...any) { panic("log sink broken") }
	loop := startLoop(t, conn, gen, tr, panicky)

	for i := 0; i < 5; i++ {
		conn.datagram("x")
	}
	require.Eventually(t, func() bool { return gen.counters.rejected.Load() == 5 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, tr.Count(), "every rejected exchange released its handle")
	assert.Empty(t, conn.replies())
	assert.True(t, loopAlive(loop))
}

func TestAcceptLoop_ShortTimeoutLogsAndKeepsLooping(t *testing.T) {
	cfg := testConfig()
	cfg.NewReadTimeout = 1
	gen := newTestGeneration(t, cfg, replyStage("pong"))
	conn := newFakeConn()
	rec := &logRecorder{}
	loop := startLoop(t, conn, gen, tracker.New(), rec.log)

	require.Eventually(t, func() bool { return rec.count(logger.LevelDebug, "timeout") >= 5 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, loopAlive(loop))

	// Still serving after many timeouts.
	conn.datagram("ping")
	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestAcceptLoop_SurvivesReadErrorsAndPanics(t *testing.T) {
	cfg := testConfig()
	cfg.NewReadTimeout = 60_000
	gen := newTestGeneration(t, cfg, replyStage("pong"))
	conn := newFakeConn()
	rec := &logRecorder{}
	loop := startLoop(t, conn, gen, tracker.New(), rec.log)

	conn.push(readResult{err: errors.New("boom")})
	conn.push(readResult{panic: "reader bug"})
	conn.push(readResult{panic: errors.New("reader bug as error")})
	conn.datagram("ping")

	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, loopAlive(loop))
	assert.Equal(t, 1, rec.count(logger.LevelWarn, "boom"))
	assert.Equal(t, 2, rec.count(logger.LevelError, "recovered from panic"))
	assert.EqualValues(t, 3, gen.counters.readErrors.Load())
}

func TestAcceptLoop_SurvivesPanickingLogger(t *testing.T) {
	gen := newTestGeneration(t, testConfig(), replyStage("pong"))
	conn := newFakeConn()
	panicky := func(logger.Level, string, ...any) { panic("log sink broken") }
	loop := startLoop(t, conn, gen, tracker.New(), panicky)

	conn.push(readResult{err: errors.New("boom")})
	conn.push(readResult{panic: "reader bug"})
	conn.datagram("ping")

	require.Eventually(t, func() bool { return len(conn.replies()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, loopAlive(loop))

	stopped := make(chan struct{})
	go func() {
		loop.stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}

func TestAcceptLoop_ClosedSocketBacksOffAndStopsPromptly(t *testing.T) {
	gen := newTestGeneration(t, testConfig())
	conn := newFakeConn()
	rec := &logRecorder{}
	loop := startLoop(t, conn, gen, tracker.New(), rec.log)

	for i := 0; i < 3; i++ {
		conn.push(readResult{err: net.ErrClosed})
	}
	require.Eventually(t, func() bool { return rec.count(logger.LevelWarn, "closed") >= 1 }, time.Second, 5*time.Millisecond)
	assert.True(t, loopAlive(loop))

	start := time.Now()
	loop.stop()
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcceptLoop_StopInterruptsBlockedRead(t *testing.T) {
	cfg := testConfig()
	cfg.NewReadTimeout = 60_000
	gen := newTestGeneration(t, cfg)
	conn := newFakeConn()
	rec := &logRecorder{}
	loop := startLoop(t, conn, gen, tracker.New(), rec.log)

	// Let the loop block in its read.
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	loop.stop()
	assert.Less(t, time.Since(start), time.Second)
	assert.False(t, loopAlive(loop))
	assert.Equal(t, 1, rec.count(logger.LevelInfo, "exiting"))
	assert.Zero(t, rec.count(logger.LevelDebug, "timeout"), "an interrupted read is not reported as a timeout")
}

func TestAcceptLoop_ReportsSocketsWhileRunning(t *testing.T) {
	cfg := testConfig()
	cfg.ReportSockets = true
	gen := newTestGeneration(t, cfg, pongStage())
	conn := newFakeConn()
	tr := tracker.New()

	var (
		mu     sync.Mutex
		counts []int
	)
	tr.AddListener(tracker.ListenerFunc(func(n int) {
		mu.Lock()
		counts = append(counts, n)
		mu.Unlock()
	}))

	loop := startLoop(t, conn, gen, tr, nil)
	require.Eventually(t, tr.Running, time.Second, 5*time.Millisecond)

	conn.datagram("ping")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(counts) > 0 && counts[len(counts)-1] == 1
	}, time.Second, 5*time.Millisecond)

	loop.stop()
	assert.False(t, tr.Running(), "the loop stops the reporter it started")
}
