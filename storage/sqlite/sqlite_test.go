package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage"
)

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.db")

	s, err := Open(path)
	require.NoError(t, err)

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

	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err = reopened.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "GEZDGNBVGY3TQOJQ"}, got)
}
