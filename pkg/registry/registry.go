package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittoudp/pkg/archive"
	"github.com/marmos91/dittoudp/pkg/store/kv"
)

// Registry holds the named backends stages can refer to: key-value stores
// and payload archivers. It provides thread-safe registration and lookup.
//
// Example usage:
//
//	reg := NewRegistry()
//	reg.RegisterKVStore("default", memory.NewMemoryStore(memory.MemoryStoreConfig{}))
//	reg.RegisterArchiver("s3-main", s3Archiver)
//
//	store, _ := reg.GetKVStore("default")
type Registry struct {
	mu        sync.RWMutex
	kv        map[string]kv.Store
	archivers map[string]archive.Archiver
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		kv:        make(map[string]kv.Store),
		archivers: make(map[string]archive.Archiver),
	}
}

// RegisterKVStore adds a named key-value store.
// Returns an error if a store with the same name already exists.
func (r *Registry) RegisterKVStore(name string, store kv.Store) error {
	if store == nil {
		return fmt.Errorf("cannot register nil kv store")
	}
	if name == "" {
		return fmt.Errorf("cannot register kv store with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.kv[name]; exists {
		return fmt.Errorf("kv store %q already registered", name)
	}
	r.kv[name] = store
	return nil
}

// RegisterArchiver adds a named archiver.
// Returns an error if an archiver with the same name already exists.
func (r *Registry) RegisterArchiver(name string, a archive.Archiver) error {
	if a == nil {
		return fmt.Errorf("cannot register nil archiver")
	}
	if name == "" {
		return fmt.Errorf("cannot register archiver with empty name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.archivers[name]; exists {
		return fmt.Errorf("archiver %q already registered", name)
	}
	r.archivers[name] = a
	return nil
}

// GetKVStore returns the named store.
func (r *Registry) GetKVStore(name string) (kv.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	store, exists := r.kv[name]
	if !exists {
		return nil, fmt.Errorf("kv store %q not found", name)
	}
	return store, nil
}

// GetArchiver returns the named archiver.
func (r *Registry) GetArchiver(name string) (archive.Archiver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.archivers[name]
	if !exists {
		return nil, fmt.Errorf("archiver %q not found", name)
	}
	return a, nil
}

// ListKVStores returns the registered store names, sorted.
func (r *Registry) ListKVStores() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.kv)
}

// ListArchivers returns the registered archiver names, sorted.
func (r *Registry) ListArchivers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.archivers)
}

// CountKVStores returns the number of registered stores.
func (r *Registry) CountKVStores() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.kv)
}

// CountArchivers returns the number of registered archivers.
func (r *Registry) CountArchivers() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.archivers)
}

// Healthcheck probes every backend and joins the failures.
func (r *Registry) Healthcheck(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for name, store := range r.kv {
		if err := store.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("kv store %q: %w", name, err))
		}
	}
	for name, a := range r.archivers {
		if err := a.Healthcheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("archiver %q: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every backend and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, store := range r.kv {
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kv store %q: %w", name, err))
		}
	}
	for name, a := range r.archivers {
		if err := a.Close(); err != nil {
			errs = append(errs, fmt.Errorf("archiver %q: %w", name, err))
		}
	}
	r.kv = make(map[string]kv.Store)
	r.archivers = make(map[string]archive.Archiver)
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
