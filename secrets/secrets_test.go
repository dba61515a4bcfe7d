package secrets

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/storage"
	"github.com/jmcleod/gatehouse/storage/file"
	"github.com/jmcleod/gatehouse/storage/memory"
)

const (
	secretA = "JBSWY3DPEHPK3PXP"
	secretB = "GEZDGNBVGY3TQOJQ"
)

// failingBackend wraps a backend and fails writes on demand.
type failingBackend struct {
	storage.Backend
	fail bool
}

var errDisk = errors.New("disk full")

func (f *failingBackend) Put(ctx context.Context, key, value string) error {
	if f.fail {
		return errDisk
	}
	return f.Backend.Put(ctx, key, value)
}

func (f *failingBackend) Delete(ctx context.Context, key string) error {
	if f.fail {
		return errDisk
	}
	return f.Backend.Delete(ctx, key)
}

func testKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	require.NoError(t, s.Open(ctx))

	_, ok := s.Get("alice")
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "alice", strings.ToLower(secretA)))
	got, ok := s.Get("alice")
	require.True(t, ok)
	assert.Equal(t, secretA, got, "secrets are stored canonical upper-case")
	assert.True(t, s.Has("alice"))
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Set(ctx, "alice", secretB))
	got, _ = s.Get("alice")
	assert.Equal(t, secretB, got)
	assert.Equal(t, 1, s.Len(), "at most one secret per username")

	existed, err := s.Delete(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = s.Delete(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())

	assert.ErrorIs(t, s.Set(ctx, "", secretA), ErrInvalidUsername)
	assert.ErrorIs(t, s.Set(ctx, "bad\x00name", secretA), ErrInvalidUsername)
	assert.ErrorIs(t, s.Set(ctx, "alice", "not-base32!"), ErrInvalidSecret)
	assert.ErrorIs(t, s.Set(ctx, "alice", ""), ErrInvalidSecret)
	assert.Equal(t, 0, s.Len())
}

func TestFailedFlushLeavesMapUntouched(t *testing.T) {
	ctx := context.Background()
	fb := &failingBackend{Backend: memory.New()}
	s := New(fb)

	require.NoError(t, s.Set(ctx, "alice", secretA))

	fb.fail = true
	err := s.Set(ctx, "alice", secretB)
	require.ErrorIs(t, err, errDisk)
	got, _ := s.Get("alice")
	assert.Equal(t, secretA, got)

	err = s.Set(ctx, "bob", secretB)
	require.ErrorIs(t, err, errDisk)
	assert.False(t, s.Has("bob"))

	_, err = s.Delete(ctx, "alice")
	require.ErrorIs(t, err, errDisk)
	assert.True(t, s.Has("alice"))
}

func TestExportLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := New(memory.New())
	require.NoError(t, src.Set(ctx, "alice", secretA))
	require.NoError(t, src.Set(ctx, "bob", secretB))

	exported := src.Export()
	exported["alice"] = "mutated"
	got, _ := src.Get("alice")
	assert.Equal(t, secretA, got, "Export returns a copy")

	dst := New(memory.New())
	require.NoError(t, dst.Set(ctx, "alice", secretB))
	require.NoError(t, dst.Load(ctx, src.Export()))
	assert.Equal(t, src.Export(), dst.Export())
	assert.Equal(t, []string{"alice", "bob"}, dst.Usernames())
}

func TestLoadValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	s := New(memory.New())
	err := s.Load(ctx, map[string]string{"alice": secretA, "bob": "???"})
	require.ErrorIs(t, err, ErrInvalidSecret)
	assert.Equal(t, 0, s.Len())
}

func TestOpenLoadsPersistedSecrets(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "secrets.json")

	backend, err := file.Open(path)
	require.NoError(t, err)
	s := New(backend)
	require.NoError(t, s.Set(ctx, "alice", secretA))

	backend2, err := file.Open(path)
	require.NoError(t, err)
	s2 := New(backend2)
	require.NoError(t, s2.Open(ctx))
	got, ok := s2.Get("alice")
	require.True(t, ok)
	assert.Equal(t, secretA, got)
}

func TestSealedStorage(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	s := New(backend, WithEncryptionKey(testKey()))
	require.NoError(t, s.Set(ctx, "alice", secretA))

	raw, err := backend.Load(ctx)
	require.NoError(t, err)
	assert.True(t, storage.IsSealed(raw["alice"]))
	assert.NotContains(t, raw["alice"], secretA)

	reopened := New(backend, WithEncryptionKey(testKey()))
	require.NoError(t, reopened.Open(ctx))
	got, _ := reopened.Get("alice")
	assert.Equal(t, secretA, got)
	assert.Equal(t, map[string]string{"alice": secretA}, reopened.Export())

	t.Run("NoKey", func(t *testing.T) {
		err := New(backend).Open(ctx)
		assert.ErrorIs(t, err, ErrSealedNoKey)
	})

	t.Run("WrongKey", func(t *testing.T) {
		wrong := testKey()
		wrong[0] ^= 0xff
		err := New(backend, WithEncryptionKey(wrong)).Open(ctx)
		assert.Error(t, err)
	})

	t.Run("SwappedUsername", func(t *testing.T) {
		other := memory.New()
		require.NoError(t, other.Put(ctx, "mallory", raw["alice"]))
		err := New(other, WithEncryptionKey(testKey())).Open(ctx)
		assert.Error(t, err, "envelope is bound to its username")
	})

	t.Run("PlaintextStillReadable", func(t *testing.T) {
		mixed := memory.New()
		require.NoError(t, mixed.Put(ctx, "bob", secretB))
		s := New(mixed, WithEncryptionKey(testKey()))
		require.NoError(t, s.Open(ctx))
		got, _ := s.Get("bob")
		assert.Equal(t, secretB, got)
	})
}

func TestCanonicalSecret(t *testing.T) {
	c, err := CanonicalSecret("jbsw y3dp ehpk 3pxp==")
	require.NoError(t, err)
	assert.Equal(t, secretA, c)
}
