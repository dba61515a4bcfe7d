// Package postgres provides a storage.Backend on PostgreSQL through a pgx
// connection pool, for deployments that run several gateway replicas against
// one secret store.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/gatehouse/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS gatehouse_secrets (
	username   TEXT PRIMARY KEY,
	secret     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Store implements storage.Backend backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Store)(nil)

// New returns a Store on an existing pool. The schema must already exist;
// see EnsureSchema.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects to dsn and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// EnsureSchema creates the secrets table if it does not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Load(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT username, secret FROM gatehouse_secrets")
	if err != nil {
		return nil, fmt.Errorf("querying secrets: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO gatehouse_secrets (username, secret) VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET secret = EXCLUDED.secret, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("storing secret: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM gatehouse_secrets WHERE username = $1", key)
	if err != nil {
		return fmt.Errorf("deleting secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", key, storage.ErrNotFound)
	}
	return nil
}
