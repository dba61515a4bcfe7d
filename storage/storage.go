// Package storage defines the durable key-value backends used by the secret
// store, plus the sealed envelope format for values at rest.
package storage

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrClosed   = errors.New("backend closed")
)

// Backend is a flat durable mapping of key to value. A nil return from Put or
// Delete means the change has reached stable storage.
type Backend interface {
	Load(ctx context.Context) (map[string]string, error)
	Put(ctx context.Context, key, value string) error
	// Delete removes key. Deleting an absent key returns ErrNotFound.
	Delete(ctx context.Context, key string) error
	Close() error
}
