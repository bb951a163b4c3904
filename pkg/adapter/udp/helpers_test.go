package udp

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/pkg/pipeline"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test helpers
// ============================================================================

var testSender = &net.UDPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 4242}

// readResult is one scripted outcome of fakeConn.ReadFromUDP.
type readResult struct {
	payload []byte
	err     error
	panic   any
}

// fakeConn is a scripted datagramConn. Reads block until a result is
// scripted or the read deadline passes.
type fakeConn struct {
	mu       sync.Mutex
	deadline time.Time
	sent     []string

	in   chan readResult
	wake chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:   make(chan readResult, 64),
		wake: make(chan struct{}, 1),
	}
}

func (f *fakeConn) push(r readResult) { f.in <- r }

func (f *fakeConn) datagram(s string) { f.push(readResult{payload: []byte(s)}) }

func (f *fakeConn) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	for {
		f.mu.Lock()
		wait := time.Until(f.deadline)
		if f.deadline.IsZero() {
			wait = time.Hour
		}
		f.mu.Unlock()
		if wait <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}

		timer := time.NewTimer(wait)
		select {
		case r := <-f.in:
			timer.Stop()
			if r.panic != nil {
				panic(r.panic)
			}
			if r.err != nil {
				return 0, nil, r.err
			}
			return copy(b, r.payload), testSender, nil
		case <-f.wake:
			timer.Stop()
		case <-timer.C:
			return 0, nil, os.ErrDeadlineExceeded
		}
	}
}

func (f *fakeConn) WriteToUDP(b []byte, _ *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, string(b))
	return len(b), nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error {
	f.mu.Lock()
	f.deadline = t
	f.mu.Unlock()
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) LocalAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9099}
}

func (f *fakeConn) replies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

// logRecorder captures accept loop log calls.
type logRecorder struct {
	mu      sync.Mutex
	entries []logEntry
}

type logEntry struct {
	level logger.Level
	msg   string
}

func (r *logRecorder) log(level logger.Level, format string, v ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, logEntry{level: level, msg: fmt.Sprintf(format, v...)})
}

// count returns how many entries at level contain substr.
func (r *logRecorder) count(level logger.Level, substr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.level == level && strings.Contains(e.msg, substr) {
			n++
		}
	}
	return n
}

// testConfig is a small, fast configuration for in-process tests.
func testConfig() Config {
	cfg := Config{
		BindAddress:         "127.0.0.1",
		NewReadTimeout:      50,
		RecycledReadTimeout: 50,
		Workers:             2,
		NewQueueSize:        16,
		RecycledQueueSize:   16,
		ShutdownTimeout:     2 * time.Second,
	}
	cfg.applyDefaults()
	return cfg
}

// newTestGeneration builds and starts a generation over stages.
func newTestGeneration(t *testing.T, cfg Config, stages ...pipeline.Stage) *generation {
	t.Helper()
	gen := newGeneration(cfg, stages, generationDeps{})
	require.NoError(t, gen.start())
	t.Cleanup(func() { _ = gen.stop() })
	return gen
}

// stageFunc shortens pipeline.StageFunc literals.
func stageFunc(name string, fn func(ctx context.Context, c *pipeline.Context, chain *pipeline.Chain) (bool, error)) pipeline.Stage {
	return pipeline.StageFunc{StageName: name, Fn: fn}
}

// replyStage replies s and lets the exchange close.
func replyStage(s string) pipeline.Stage {
	return stageFunc("reply", func(_ context.Context, c *pipeline.Context, _ *pipeline.Chain) (bool, error) {
		_, err := c.WriteString(s)
		return false, err
	})
}

// pongStage sends "pong" itself and keeps the exchange.
func pongStage() pipeline.Stage {
	return stageFunc("pong", func(_ context.Context, c *pipeline.Context, _ *pipeline.Chain) (bool, error) {
		if _, err := c.WriteString("pong"); err != nil {
			return false, err
		}
		if err := c.Send(); err != nil {
			return false, err
		}
		return true, nil
	})
}
