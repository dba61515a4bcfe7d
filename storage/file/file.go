// Package file provides a storage.Backend that keeps the whole mapping in a
// single JSON document, rewritten atomically on every mutation.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"sync"

	"github.com/jmcleod/gatehouse/storage"
)

// Store implements storage.Backend on top of a JSON file.
type Store struct {
	path string
	// syncDir makes a rename durable; replaced in tests.
	syncDir func(dir string) error

	mu   sync.Mutex
	data map[string]string
}

var _ storage.Backend = (*Store)(nil)

// Open reads path if it exists. A missing file is an empty store; the file
// and its parent directory are created on the first write.
func Open(path string) (*Store, error) {
	s := &Store{path: path, syncDir: syncDir, data: make(map[string]string)}
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if s.data == nil {
		s.data = make(map[string]string)
	}
	return s, nil
}

func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data), nil
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next := maps.Clone(s.data)
	next[key] = value
	return s.commit(next)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	next := maps.Clone(s.data)
	delete(next, key)
	return s.commit(next)
}

func (s *Store) Close() error { return nil }

// commit makes next the stored mapping. Once the rename has happened the
// file holds next, so s.data follows it even if the directory sync then
// fails; the error is still returned because durability is not assured.
func (s *Store) commit(next map[string]string) error {
	if err := s.replace(next); err != nil {
		return err
	}
	s.data = next
	if err := s.syncDir(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("syncing %s: %w", filepath.Dir(s.path), err)
	}
	return nil
}

// replace writes data to a temp file in the target directory, fsyncs it and
// renames it over the target.
func (s *Store) replace(data map[string]string) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replacing %s: %w", s.path, err)
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
