package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	icrypto "github.com/jmcleod/gatehouse/internal/crypto"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/storage"
)

const (
	sessionKeyPrefix = "session:"
	sessionKeyRecord = "__session_key"
	writeTimeout     = 5 * time.Second
)

// PersistentStore keeps sessions in memory and writes each change through
// to a storage.Backend, sealed with AES-256-GCM, so logins survive a
// restart. Access-time refreshes from Get are not written back.
//
// The per-store session key is itself sealed with a caller-provided wrapping
// key before it is stored. A different wrapping key makes earlier sessions
// unreadable, which logs everyone out.
type PersistentStore struct {
	mem     *MemoryStore
	backend storage.Backend
	key     []byte
	logger  *slog.Logger
}

var _ Store = (*PersistentStore)(nil)

// NewPersistentStore loads the sessions held by backend. wrappingKey must be
// 32 bytes. Expired or unreadable records are removed.
func NewPersistentStore(ctx context.Context, backend storage.Backend, wrappingKey []byte, logger *slog.Logger, opts ...Option) (*PersistentStore, error) {
	if len(wrappingKey) != 32 {
		return nil, fmt.Errorf("wrapping key must be exactly 32 bytes, got %d", len(wrappingKey))
	}
	if logger == nil {
		logger = slog.Default()
	}
	records, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sessions: %w", err)
	}
	key, err := loadOrCreateSessionKey(ctx, backend, records[sessionKeyRecord], wrappingKey)
	if err != nil {
		return nil, err
	}

	s := &PersistentStore{
		mem:     NewMemoryStore(opts...),
		backend: backend,
		key:     key,
		logger:  logger,
	}
	restored := 0
	for k, v := range records {
		token, ok := strings.CutPrefix(k, sessionKeyPrefix)
		if !ok {
			continue
		}
		sess, err := s.open(token, v)
		if err != nil || !s.mem.restore(token, sess) {
			s.remove(token)
			continue
		}
		restored++
	}
	logger.Debug("restored sessions", "count", restored)
	return s, nil
}

// loadOrCreateSessionKey unseals the stored session key, or generates and
// stores a new one when none exists or the wrapping key no longer opens it.
func loadOrCreateSessionKey(ctx context.Context, backend storage.Backend, stored string, wrappingKey []byte) ([]byte, error) {
	aad := icrypto.AADSessionKey()
	if stored != "" {
		if env, err := storage.DecodeEnvelope(stored); err == nil {
			if key, err := storage.OpenRecord(wrappingKey, env, aad); err == nil && len(key) == 32 {
				return key, nil
			}
		}
	}

	key, err := util.RandomBytes(32)
	if err != nil {
		return nil, err
	}
	env, err := storage.SealRecord(wrappingKey, key, aad)
	if err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("sealing session key: %w", err)
	}
	value, err := storage.EncodeEnvelope(env)
	if err != nil {
		util.WipeBytes(key)
		return nil, err
	}
	if err := backend.Put(ctx, sessionKeyRecord, value); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("storing session key: %w", err)
	}
	return key, nil
}

func (s *PersistentStore) open(token, value string) (Session, error) {
	env, err := storage.DecodeEnvelope(value)
	if err != nil {
		return Session{}, err
	}
	data, err := storage.OpenRecord(s.key, env, icrypto.AADSession(token))
	if err != nil {
		return Session{}, err
	}
	defer util.WipeBytes(data)
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *PersistentStore) persist(token string, sess Session) {
	data, err := json.Marshal(sess)
	if err != nil {
		s.logger.Error("encoding session", "error", err)
		return
	}
	defer util.WipeBytes(data)
	env, err := storage.SealRecord(s.key, data, icrypto.AADSession(token))
	if err != nil {
		s.logger.Error("sealing session", "error", err)
		return
	}
	value, err := storage.EncodeEnvelope(env)
	if err != nil {
		s.logger.Error("encoding session", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.backend.Put(ctx, sessionKeyPrefix+token, value); err != nil {
		s.logger.Error("persisting session", "error", err)
	}
}

func (s *PersistentStore) remove(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := s.backend.Delete(ctx, sessionKeyPrefix+token)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("removing session", "error", err)
	}
}

func (s *PersistentStore) Create(sess Session) (string, Session) {
	token, created := s.mem.Create(sess)
	s.persist(token, created)
	return token, created
}

func (s *PersistentStore) Get(token string) (Session, bool) {
	return s.mem.Get(token)
}

func (s *PersistentStore) Update(token string, fn func(*Session) error) (Session, error) {
	updated, err := s.mem.update(token, fn, func(sess Session) {
		s.persist(token, sess)
	})
	if errors.Is(err, ErrNotFound) {
		s.remove(token)
	}
	return updated, err
}

func (s *PersistentStore) Delete(token string) {
	s.mem.Delete(token)
	s.remove(token)
}

// Sweep removes expired sessions from memory and the backend.
func (s *PersistentStore) Sweep() int {
	removed := s.mem.sweep()
	for _, token := range removed {
		s.remove(token)
	}
	return len(removed)
}

// Run sweeps every interval until ctx is done.
func (s *PersistentStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

func (s *PersistentStore) Len() int {
	return s.mem.Len()
}

// Close wipes the session key and closes the backend.
func (s *PersistentStore) Close() error {
	util.WipeBytes(s.key)
	return s.backend.Close()
}
