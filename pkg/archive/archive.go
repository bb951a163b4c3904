// Package archive stores raw datagram payloads for later inspection.
//
// The archive stage hands payloads to an Archiver from a detached goroutine,
// so implementations may be slow (network object stores) without holding up
// the accept loop or the worker pools.
package archive

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Fetch for an unknown key.
	ErrNotFound = errors.New("archive object not found")

	// ErrClosed is returned by every operation on a closed archiver.
	ErrClosed = errors.New("archiver closed")
)

// Record is one archived payload.
type Record struct {
	// Key is the object key, including any configured prefix.
	Key string

	// Payload is the raw datagram.
	Payload []byte

	// Sender is the client address in host:port form.
	Sender string

	// ReceivedAt is when the accept loop read the datagram.
	ReceivedAt time.Time
}

// Archiver persists payloads under caller-chosen keys.
//
// Thread safety: implementations must be safe for concurrent use.
type Archiver interface {
	// Archive stores r. Storing an existing key replaces it.
	Archive(ctx context.Context, r Record) error

	// Fetch returns the stored record for key, or ErrNotFound.
	Fetch(ctx context.Context, key string) (Record, error)

	// Healthcheck reports whether the archiver can accept records.
	Healthcheck(ctx context.Context) error

	// Close releases the archiver.
	Close() error
}
