// Package bbolt provides a BBolt-backed storage backend.
package bbolt

import (
	"context"
	"fmt"

	"github.com/jmcleod/gatehouse/storage"
	"go.etcd.io/bbolt"
)

// DefaultBucket holds the secret store's records.
const DefaultBucket = "secrets"

// Store implements storage.Backend backed by one bucket of a BBolt database.
// Every write is a committed bbolt transaction, which fsyncs before
// returning.
type Store struct {
	db     *bbolt.DB
	bucket []byte
}

var _ storage.Backend = (*Store)(nil)

// New returns a Backend on the default bucket of db.
func New(db *bbolt.DB) (*Store, error) {
	return NewBucket(db, DefaultBucket)
}

// NewBucket returns a Backend on the named bucket of db, creating it if
// needed.
func NewBucket(db *bbolt.DB, bucket string) (*Store, error) {
	name := []byte(bucket)
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket: %w", err)
	}
	return &Store{db: db, bucket: name}, nil
}

// Open opens a BBolt database at the given path and returns a new Backend.
func Open(path string, options *bbolt.Options) (*Store, error) {
	return OpenBucket(path, DefaultBucket, options)
}

// OpenBucket opens a BBolt database at path and returns a Backend on the
// named bucket.
func OpenBucket(path, bucket string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBucket(db, bucket)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			out[string(k)] = string(v)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put([]byte(key), []byte(value))
	})
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
		}
		return b.Delete([]byte(key))
	})
}
