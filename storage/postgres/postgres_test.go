package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("GATEHOUSE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("GATEHOUSE_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	pool.Exec(ctx, "DELETE FROM gatehouse_secrets") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM gatehouse_secrets") //nolint:errcheck
		pool.Close()
	})
	return New(pool)
}

func TestPostgresStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "alice", "JBSWY3DPEHPK3PXP"))
	require.NoError(t, s.Put(ctx, "alice", "GEZDGNBVGY3TQOJQ"))
	require.NoError(t, s.Put(ctx, "bob", "MFRGGZDFMZTWQ2LK"))

	got, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"alice": "GEZDGNBVGY3TQOJQ",
		"bob":   "MFRGGZDFMZTWQ2LK",
	}, got)

	require.NoError(t, s.Delete(ctx, "bob"))
	err = s.Delete(ctx, "bob")
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), "not a dsn ::")
	assert.Error(t, err)
}
