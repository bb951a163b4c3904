// Package stages provides the built-in pipeline stages.
//
// Every stage reads the first payload line as a request URI through the
// connection context's URI view. Stages that answer a request write the
// reply and return false without advancing: the transaction then flushes the
// reply and releases the exchange. Stages that do not recognise a request
// advance to the next stage.
//
// Stage types:
//   - accesslog: logs every exchange and its outcome
//   - ratelimit: per-sender token bucket, drop or defer when over limit
//   - ping:      fixed reply on a path (default /ping -> pong)
//   - echo:      replies the msg parameter or the raw payload
//   - kv:        get/put/delete against a named kv store
//   - stats:     server counters as text, yaml or xdr
//   - archive:   detaches and uploads the payload to a named archiver
//   - unhandled: terminal stage appended by the server
package stages

import (
	"context"
	"strings"
	"sync"

	"github.com/marmos91/dittoudp/pkg/pipeline"
)

// Stage type names, as used in the "type" field of a stage definition.
const (
	TypeAccessLog = "accesslog"
	TypeRateLimit = "ratelimit"
	TypePing      = "ping"
	TypeEcho      = "echo"
	TypeKV        = "kv"
	TypeStats     = "stats"
	TypeArchive   = "archive"
	TypeUnhandled = "unhandled"
)

// DefaultStore is the backend name stages use when none is configured.
const DefaultStore = "default"

// Register adds every built-in stage type to reg.
func Register(reg *pipeline.Registry) {
	reg.Register(TypeAccessLog, NewAccessLog)
	reg.Register(TypeRateLimit, NewRateLimit)
	reg.Register(TypePing, NewPing)
	reg.Register(TypeEcho, NewEcho)
	reg.Register(TypeKV, NewKV)
	reg.Register(TypeStats, NewStats)
	reg.Register(TypeArchive, NewArchive)
	reg.Register(TypeUnhandled, func(_ context.Context, def pipeline.Definition, _ pipeline.Env) (pipeline.Stage, error) {
		return NewUnhandled(def.Name), nil
	})
}

var registerDefault sync.Once

// RegisterDefault registers the built-in stages in pipeline.DefaultRegistry.
// Safe to call more than once.
func RegisterDefault() {
	registerDefault.Do(func() { Register(pipeline.DefaultRegistry) })
}

// reply writes s as the pending reply. The caller returns false so the
// transaction flushes it when it closes the exchange.
func reply(c *pipeline.Context, s string) (bool, error) {
	c.ResetReply()
	if _, err := c.WriteString(s); err != nil {
		return false, err
	}
	return false, nil
}

// withDeadline bounds ctx by the exchange deadline, if it has one.
func withDeadline(ctx context.Context, c *pipeline.Context) (context.Context, context.CancelFunc) {
	if d := c.Deadline(); !d.IsZero() {
		return context.WithDeadline(ctx, d)
	}
	return context.WithCancel(ctx)
}

// normalizePath gives p a leading slash, or returns def when p is empty.
func normalizePath(p, def string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
