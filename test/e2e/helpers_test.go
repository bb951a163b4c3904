package e2e

import (
	"bytes"
	"os"
	"sync"
	"testing"

	"github.com/marmos91/dittoudp/internal/logger"
	"github.com/marmos91/dittoudp/test/e2e/framework"
)

// startServer starts a test server and stops it when the test ends.
func startServer(t *testing.T, cfg framework.TestServerConfig) *framework.TestServer {
	t.Helper()

	srv := framework.NewTestServer(t, cfg)
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Stop(); err != nil {
			t.Logf("Stop: %v", err)
		}
	})
	return srv
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs redirects the global logger until the test ends.
func captureLogs(t *testing.T) *syncBuffer {
	t.Helper()

	buf := &syncBuffer{}
	logger.SetOutput(buf)
	t.Cleanup(func() { logger.SetOutput(os.Stdout) })
	return buf
}
