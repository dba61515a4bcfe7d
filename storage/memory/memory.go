// Package memory provides a thread-safe in-memory implementation of storage.Backend.
package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/jmcleod/gatehouse/storage"
)

// Backend is a thread-safe in-memory implementation of storage.Backend.
// Suitable for testing, demos, and deployments that re-enrol after restart.
type Backend struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

var _ storage.Backend = (*Backend)(nil)

// New creates a new empty in-memory Backend.
func New() *Backend {
	return &Backend{data: make(map[string]string)}
}

func (b *Backend) Load(ctx context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, storage.ErrClosed
	}
	return maps.Clone(b.data), nil
}

func (b *Backend) Put(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	b.data[key] = value
	return nil
}

func (b *Backend) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return storage.ErrClosed
	}
	if _, ok := b.data[key]; !ok {
		return storage.ErrNotFound
	}
	delete(b.data, key)
	return nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
