// Package setup tracks in-flight TOTP enrolments. A pending setup holds a
// candidate secret until the user proves possession of it with a valid code,
// at which point the secret is committed to the secret store.
package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatehouse/internal/keylock"
	"github.com/jmcleod/gatehouse/internal/uuid"
	"github.com/jmcleod/gatehouse/totp"
)

const (
	DefaultTTL         = 30 * time.Minute
	DefaultMaxAttempts = 5
	DefaultIssuer      = "Gatehouse"
)

var (
	ErrNotFound      = errors.New("setup not found or expired")
	ErrBadCodeFormat = errors.New("code must be 6 digits")
	ErrInvalidCode   = errors.New("invalid code")
	ErrEmptyUsername = errors.New("username is required")
)

// SecretWriter receives the secret once a setup completes.
type SecretWriter interface {
	Set(ctx context.Context, username, secret string) error
}

// Pending is a snapshot of a live setup.
type Pending struct {
	ID        string
	Username  string
	Secret    string
	URI       string
	CreatedAt time.Time
	ExpiresAt time.Time
}

type record struct {
	Pending
	attempts int
}

// Registry is safe for concurrent use. Map access is guarded by a short
// global mutex; Begin, Complete and Cancel additionally serialise on a
// per-username lock so that verification and commit are atomic with respect
// to a competing Begin.
type Registry struct {
	store       SecretWriter
	ttl         time.Duration
	now         func() time.Time
	issuer      string
	window      uint
	maxAttempts int

	users keylock.Map

	mu     sync.Mutex
	byID   map[string]*record
	byUser map[string]*record
}

type Option func(*Registry)

func WithTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.ttl = d
		}
	}
}

// WithClock replaces time.Now. Every expiry and TOTP check uses this clock.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithIssuer(issuer string) Option {
	return func(r *Registry) {
		if issuer != "" {
			r.issuer = issuer
		}
	}
}

func WithWindow(window uint) Option {
	return func(r *Registry) { r.window = window }
}

// WithMaxAttempts sets how many failed completions invalidate a setup.
// Zero or less disables the limit.
func WithMaxAttempts(n int) Option {
	return func(r *Registry) { r.maxAttempts = n }
}

func NewRegistry(store SecretWriter, opts ...Option) *Registry {
	r := &Registry{
		store:       store,
		ttl:         DefaultTTL,
		now:         time.Now,
		issuer:      DefaultIssuer,
		window:      totp.DefaultWindow,
		maxAttempts: DefaultMaxAttempts,
		byID:        make(map[string]*record),
		byUser:      make(map[string]*record),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) expired(rec *record, now time.Time) bool {
	return !now.Before(rec.ExpiresAt)
}

// removeLocked drops rec from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(rec *record) {
	if r.byID[rec.ID] == rec {
		delete(r.byID, rec.ID)
	}
	if r.byUser[rec.Username] == rec {
		delete(r.byUser, rec.Username)
	}
}

// liveLocked returns the record for id unless it is missing or expired.
// Expired records are removed. Caller holds r.mu.
func (r *Registry) liveLocked(id string) (*record, bool) {
	rec, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	if r.expired(rec, r.now()) {
		r.removeLocked(rec)
		return nil, false
	}
	return rec, true
}

// Begin starts a new setup for username, superseding any existing one.
func (r *Registry) Begin(username string) (Pending, error) {
	if username == "" {
		return Pending{}, ErrEmptyUsername
	}
	unlock := r.users.Lock(username)
	defer unlock()

	key, err := totp.NewSecret(r.issuer, username)
	if err != nil {
		return Pending{}, err
	}
	now := r.now()
	rec := &record{Pending: Pending{
		ID:        uuid.New(),
		Username:  username,
		Secret:    key.Secret(),
		URI:       totp.ProvisioningURI(r.issuer, username, key.Secret()),
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}}

	r.mu.Lock()
	if old, ok := r.byUser[username]; ok {
		r.removeLocked(old)
	}
	r.byID[rec.ID] = rec
	r.byUser[username] = rec
	r.mu.Unlock()

	return rec.Pending, nil
}

// Lookup returns the live setup with the given id.
func (r *Registry) Lookup(id string) (Pending, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.liveLocked(id)
	if !ok {
		return Pending{}, false
	}
	return rec.Pending, true
}

// Complete verifies candidate against the setup's secret and, on success,
// commits the secret and removes the setup. A code that is not six digits
// returns ErrBadCodeFormat and does not count as an attempt.
func (r *Registry) Complete(ctx context.Context, id, candidate string) (string, error) {
	r.mu.Lock()
	rec, ok := r.liveLocked(id)
	r.mu.Unlock()
	if !ok {
		return "", ErrNotFound
	}
	username := rec.Username

	unlock := r.users.Lock(username)
	defer unlock()

	// Re-check under the user lock: a Begin may have superseded the record
	// while we waited.
	r.mu.Lock()
	rec, ok = r.liveLocked(id)
	r.mu.Unlock()
	if !ok || rec.Username != username {
		return "", ErrNotFound
	}

	code, ok := totp.NormalizeCode(candidate)
	if !ok {
		return "", ErrBadCodeFormat
	}
	if !totp.Verify(rec.Secret, code, r.now(), r.window) {
		r.mu.Lock()
		rec.attempts++
		if r.maxAttempts > 0 && rec.attempts >= r.maxAttempts {
			r.removeLocked(rec)
		}
		r.mu.Unlock()
		return "", ErrInvalidCode
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := r.store.Set(ctx, username, rec.Secret); err != nil {
		return "", fmt.Errorf("committing secret: %w", err)
	}

	r.mu.Lock()
	r.removeLocked(rec)
	r.mu.Unlock()
	return username, nil
}

// Cancel drops the live setup for username, if any.
func (r *Registry) Cancel(username string) bool {
	unlock := r.users.Lock(username)
	defer unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byUser[username]
	if !ok {
		return false
	}
	expired := r.expired(rec, r.now())
	r.removeLocked(rec)
	return !expired
}

// Sweep removes every expired setup and returns how many were removed.
func (r *Registry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, rec := range r.byID {
		if r.expired(rec, now) {
			r.removeLocked(rec)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				slog.Debug("swept expired setups", "count", n)
			}
		}
	}
}

// Len reports the number of live setups.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	n := 0
	for _, rec := range r.byID {
		if !r.expired(rec, now) {
			n++
		}
	}
	return n
}
