package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/secrets"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/storage"
	bboltstorage "github.com/jmcleod/gatehouse/storage/bbolt"
	"github.com/jmcleod/gatehouse/storage/file"
	"github.com/jmcleod/gatehouse/storage/memory"
	"github.com/jmcleod/gatehouse/storage/postgres"
	"github.com/jmcleod/gatehouse/storage/sqlite"
)

const (
	sessionBucket = "sessions"
	boltTimeout   = time.Second
)

// openBackend opens the secret backend named by kind, creating the parent
// directory of path for the file based kinds. For postgres, path is the DSN.
func openBackend(ctx context.Context, kind, path string) (storage.Backend, error) {
	switch kind {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		return postgres.Open(ctx, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	switch kind {
	case config.BackendFile:
		return file.Open(path)
	case config.BackendBBolt:
		return bboltstorage.Open(path, &bbolt.Options{Timeout: boltTimeout})
	case config.BackendSQLite:
		return sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", kind)
	}
}

// openSecrets opens and loads the secret store described by cfg.
func openSecrets(ctx context.Context, cfg *config.Config) (*secrets.Store, error) {
	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, fmt.Errorf("secrets.encryption_key: %w", err)
	}
	defer util.WipeBytes(key)

	backend, err := openBackend(ctx, cfg.Secrets.Backend, cfg.Secrets.Path)
	if err != nil {
		return nil, err
	}
	store := secrets.New(backend, secrets.WithEncryptionKey(key))
	if err := store.Open(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// sessionStore is what the server needs from either session store.
type sessionStore interface {
	session.Store
	Run(ctx context.Context, interval time.Duration)
	Len() int
}

// openSessions returns a persistent store when session.path is set and an
// in-memory one otherwise. The returned close func is never nil.
func openSessions(ctx context.Context, cfg *config.Config, logger *slog.Logger) (sessionStore, func() error, error) {
	opts := []session.Option{
		session.WithTTL(cfg.Session.TTL),
		session.WithIdleTimeout(cfg.Session.IdleTimeout),
	}
	if cfg.Session.Path == "" {
		return session.NewMemoryStore(opts...), func() error { return nil }, nil
	}

	key, err := cfg.EncryptionKeyBytes()
	if err != nil {
		return nil, nil, fmt.Errorf("secrets.encryption_key: %w", err)
	}
	defer util.WipeBytes(key)
	if key == nil {
		return nil, nil, fmt.Errorf("session.path requires secrets.encryption_key")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Session.Path), 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating session directory: %w", err)
	}
	backend, err := bboltstorage.OpenBucket(cfg.Session.Path, sessionBucket, &bbolt.Options{Timeout: boltTimeout})
	if err != nil {
		return nil, nil, err
	}
	store, err := session.NewPersistentStore(ctx, backend, key, logger, opts...)
	if err != nil {
		backend.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}
