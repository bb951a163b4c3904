package adapter

import (
	"context"

	"github.com/marmos91/dittoudp/pkg/registry"
)

// Adapter represents a protocol-specific server adapter that can be managed by DittoServer.
//
// Each adapter owns its listening sockets and its request processing, and
// shares the named stores of the registry with every other adapter.
//
// Lifecycle:
//  1. Creation: Adapter is created with protocol-specific configuration
//  2. Registry injection: SetRegistry() provides the shared stores
//  3. Startup: Serve() binds and blocks until shutdown
//  4. Shutdown: Stop() initiates graceful shutdown with timeout
//
// Thread safety:
// Implementations must be safe for concurrent use. SetRegistry() is called
// once before Serve(), but Stop() may be called concurrently with Serve().
type Adapter interface {
	// Serve starts the protocol server and blocks until the context is cancelled,
	// Stop is called or an unrecoverable error occurs.
	//
	// When the context is cancelled, Serve must shut down gracefully and
	// return nil. If Serve returns an error before cancellation, DittoServer
	// treats it as fatal and stops all other adapters.
	Serve(ctx context.Context) error

	// SetRegistry injects the shared registry of named stores.
	//
	// Called exactly once by DittoServer before Serve().
	SetRegistry(reg *registry.Registry)

	// Stop initiates graceful shutdown of the protocol server.
	//
	// Implementations must be idempotent, safe to call concurrently with
	// Serve(), and must respect the context deadline.
	Stop(ctx context.Context) error

	// Protocol returns the human-readable protocol name for logging and metrics.
	Protocol() string

	// Port returns the port the adapter is bound to, or a negative value
	// when it holds no socket.
	Port() int
}
