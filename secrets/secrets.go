// Package secrets holds the username → TOTP secret mapping. Reads are served
// from memory; every mutation is written through to a durable
// storage.Backend before the in-memory view changes.
package secrets

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"unicode"

	"github.com/awnumar/memguard"

	icrypto "github.com/jmcleod/gatehouse/internal/crypto"
	"github.com/jmcleod/gatehouse/storage"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrInvalidSecret   = errors.New("invalid secret: must be base32")
	ErrSealedNoKey     = errors.New("stored secret is sealed but no encryption key is configured")
)

const maxUsernameLen = 256

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Store is safe for concurrent use.
type Store struct {
	backend storage.Backend
	key     *memguard.Enclave

	mu      sync.RWMutex
	secrets map[string]string
}

type Option func(*Store)

// WithEncryptionKey seals every stored value with AES-256-GCM under key.
// The key is copied into a memguard enclave; the caller's slice is left as is.
func WithEncryptionKey(key []byte) Option {
	return func(s *Store) {
		if len(key) == 0 {
			return
		}
		s.key = memguard.NewEnclave(slices.Clone(key))
	}
}

// New returns an empty Store. Call Open to load the backend's contents.
func New(backend storage.Backend, opts ...Option) *Store {
	s := &Store{backend: backend, secrets: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open replaces the in-memory view with the backend's contents, unsealing
// values as needed.
func (s *Store) Open(ctx context.Context) error {
	raw, err := s.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading secrets: %w", err)
	}
	loaded := make(map[string]string, len(raw))
	for username, value := range raw {
		secret, err := s.decode(username, value)
		if err != nil {
			return fmt.Errorf("secret for %q: %w", username, err)
		}
		loaded[username] = secret
	}
	s.mu.Lock()
	s.secrets = loaded
	s.mu.Unlock()
	return nil
}

func (s *Store) Get(username string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[username]
	return secret, ok
}

// Has reports whether username has an enrolled secret.
func (s *Store) Has(username string) bool {
	_, ok := s.Get(username)
	return ok
}

// Set stores secret for username, replacing any existing one.
func (s *Store) Set(ctx context.Context, username, secret string) error {
	if err := ValidateUsername(username); err != nil {
		return err
	}
	canonical, err := CanonicalSecret(secret)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(ctx, username, canonical)
}

func (s *Store) setLocked(ctx context.Context, username, secret string) error {
	value, err := s.encode(username, secret)
	if err != nil {
		return err
	}
	if err := s.backend.Put(ctx, username, value); err != nil {
		return fmt.Errorf("persisting secret: %w", err)
	}
	s.secrets[username] = secret
	return nil
}

// Delete removes the secret for username. It reports whether one existed.
func (s *Store) Delete(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[username]; !ok {
		return false, nil
	}
	if err := s.backend.Delete(ctx, username); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("persisting delete: %w", err)
	}
	delete(s.secrets, username)
	return true, nil
}

// Export returns a plaintext copy of every secret, suitable for Load.
func (s *Store) Export() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.secrets)
}

// Load imports every entry in m, overwriting existing secrets for the same
// usernames. All entries are validated before anything is written. If the
// backend fails part-way, entries written before the failure remain.
func (s *Store) Load(ctx context.Context, m map[string]string) error {
	canonical := make(map[string]string, len(m))
	for username, secret := range m {
		if err := ValidateUsername(username); err != nil {
			return fmt.Errorf("%q: %w", username, err)
		}
		c, err := CanonicalSecret(secret)
		if err != nil {
			return fmt.Errorf("%q: %w", username, err)
		}
		canonical[username] = c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, username := range slices.Sorted(maps.Keys(canonical)) {
		if err := s.setLocked(ctx, username, canonical[username]); err != nil {
			return fmt.Errorf("%q: %w", username, err)
		}
	}
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}

// Usernames returns the enrolled usernames in sorted order.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Sorted(maps.Keys(s.secrets))
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) encode(username, secret string) (string, error) {
	if s.key == nil {
		return secret, nil
	}
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening encryption key: %w", err)
	}
	defer buf.Destroy()
	env, err := storage.SealRecord(buf.Bytes(), []byte(secret), icrypto.AADSecret(username))
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	return storage.EncodeEnvelope(env)
}

func (s *Store) decode(username, value string) (string, error) {
	if !storage.IsSealed(value) {
		return CanonicalSecret(value)
	}
	if s.key == nil {
		return "", ErrSealedNoKey
	}
	env, err := storage.DecodeEnvelope(value)
	if err != nil {
		return "", err
	}
	buf, err := s.key.Open()
	if err != nil {
		return "", fmt.Errorf("opening encryption key: %w", err)
	}
	defer buf.Destroy()
	plain, err := storage.OpenRecord(buf.Bytes(), env, icrypto.AADSecret(username))
	if err != nil {
		return "", fmt.Errorf("unsealing secret: %w", err)
	}
	return CanonicalSecret(string(plain))
}

// ValidateUsername rejects empty, overlong and control-character usernames.
func ValidateUsername(username string) error {
	if username == "" || len(username) > maxUsernameLen {
		return ErrInvalidUsername
	}
	for _, r := range username {
		if unicode.IsControl(r) {
			return ErrInvalidUsername
		}
	}
	return nil
}

// CanonicalSecret upper-cases secret, strips spaces and padding, and checks
// that the result decodes as base32.
func CanonicalSecret(secret string) (string, error) {
	c := strings.ToUpper(strings.TrimRight(strings.ReplaceAll(secret, " ", ""), "="))
	if c == "" {
		return "", ErrInvalidSecret
	}
	if _, err := b32.DecodeString(c); err != nil {
		return "", ErrInvalidSecret
	}
	return c, nil
}
