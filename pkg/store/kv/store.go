// Package kv defines the key-value store used by the kv stage.
//
// Implementations:
//   - memory: in-process map, ephemeral
//   - badger: BadgerDB-backed, persistent
//
// Keys are opaque UTF-8 strings, values opaque bytes. Returned values are
// copies the caller may keep and mutate.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by Get for a key that has no value.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for empty keys or keys over MaxKeyLength.
	ErrInvalidKey = errors.New("invalid key")

	// ErrValueTooLarge is returned by Put when the value exceeds the store limit.
	ErrValueTooLarge = errors.New("value too large")

	// ErrStoreFull is returned by Put on a new key when the store holds its
	// maximum number of entries.
	ErrStoreFull = errors.New("store full")

	// ErrClosed is returned by every operation on a closed store.
	ErrClosed = errors.New("store closed")
)

// MaxKeyLength bounds keys so a full request fits a single datagram.
const MaxKeyLength = 512

// Store is the key-value store contract.
//
// Thread safety: implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string) error

	// Len returns the number of stored keys.
	Len(ctx context.Context) (int, error)

	// Healthcheck reports whether the store can serve requests.
	Healthcheck(ctx context.Context) error

	// Close releases the store. Later calls return ErrClosed.
	Close() error
}

// ValidateKey checks key against the common key rules.
func ValidateKey(key string) error {
	if key == "" || len(key) > MaxKeyLength {
		return ErrInvalidKey
	}
	return nil
}
