package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/internal/keylock"
	"github.com/jmcleod/gatehouse/internal/uuid"
)

const DefaultTTL = 24 * time.Hour

// MemoryStore is a thread-safe in-memory Store.
// Sessions are lost on server restart.
type MemoryStore struct {
	ttl         time.Duration
	idleTimeout time.Duration
	now         func() time.Time

	tokens keylock.Map

	mu   sync.Mutex
	data map[string]Session
}

var _ Store = (*MemoryStore)(nil)

type Option func(*MemoryStore)

func WithTTL(d time.Duration) Option {
	return func(s *MemoryStore) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithIdleTimeout expires sessions not touched within d. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *MemoryStore) { s.idleTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{
		ttl:  DefaultTTL,
		now:  time.Now,
		data: make(map[string]Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) expired(sess Session, now time.Time) bool {
	if !now.Before(sess.ExpiresAt) {
		return true
	}
	return s.idleTimeout > 0 && now.Sub(sess.LastAccessedAt) > s.idleTimeout
}

func (s *MemoryStore) Create(sess Session) (string, Session) {
	now := s.now()
	sess.CreatedAt = now
	sess.ExpiresAt = now.Add(s.ttl)
	sess.LastAccessedAt = now
	token := uuid.New()

	s.mu.Lock()
	s.data[token] = sess
	s.mu.Unlock()
	return token, sess
}

// liveLocked returns the session and refreshes its access time. Caller
// holds s.mu.
func (s *MemoryStore) liveLocked(token string) (Session, bool) {
	sess, ok := s.data[token]
	if !ok {
		return Session{}, false
	}
	now := s.now()
	if s.expired(sess, now) {
		delete(s.data, token)
		return Session{}, false
	}
	sess.LastAccessedAt = now
	s.data[token] = sess
	return sess, true
}

func (s *MemoryStore) Get(token string) (Session, bool) {
	if token == "" {
		return Session{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(token)
}

func (s *MemoryStore) Update(token string, fn func(*Session) error) (Session, error) {
	return s.update(token, fn, nil)
}

// update runs Update. committed, if set, sees the new value while s.mu is
// still held, so a concurrent Delete cannot interleave with it.
func (s *MemoryStore) update(token string, fn func(*Session) error, committed func(Session)) (Session, error) {
	unlock := s.tokens.Lock(token)
	defer unlock()

	s.mu.Lock()
	snapshot, ok := s.liveLocked(token)
	s.mu.Unlock()
	if !ok {
		return Session{}, ErrNotFound
	}

	working := snapshot
	if err := fn(&working); err != nil {
		return snapshot, err
	}

	s.mu.Lock()
	if _, ok := s.data[token]; !ok {
		s.mu.Unlock()
		return Session{}, ErrNotFound
	}
	s.data[token] = working
	if committed != nil {
		committed(working)
	}
	s.mu.Unlock()
	return working, nil
}

func (s *MemoryStore) Delete(token string) {
	s.mu.Lock()
	delete(s.data, token)
	s.mu.Unlock()
}

// Sweep removes expired sessions and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	return len(s.sweep())
}

func (s *MemoryStore) sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var removed []string
	for token, sess := range s.data {
		if s.expired(sess, now) {
			delete(s.data, token)
			removed = append(removed, token)
		}
	}
	return removed
}

// restore inserts a previously persisted session, reporting false if it has
// already expired.
func (s *MemoryStore) restore(token string, sess Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(sess, s.now()) {
		return false
	}
	s.data[token] = sess
	return true
}

// Run sweeps every interval until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				slog.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// Len reports the number of stored sessions, including any not yet swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
