// Package auth implements the two-step login state machine: password first,
// then either TOTP enrolment (no secret on file) or TOTP verification.
//
// The machine never owns session storage for a transition. Handlers pass a
// *session.Session obtained from session.Store.Update, so a transition that
// returns an error is never committed.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/setup"
	"github.com/jmcleod/gatehouse/totp"
)

var (
	ErrNoCredential       = errors.New("no credential configured")
	ErrBadPasswordHash    = errors.New("password hash must be argon2id or bcrypt")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid code")
	ErrInvalidState       = errors.New("operation not valid in current state")
	ErrRateLimited        = errors.New("too many attempts")
)

type State int

const (
	Anonymous State = iota
	PasswordVerified
	MfaSetupRequired
	MfaPending
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case PasswordVerified:
		return "password_verified"
	case MfaSetupRequired:
		return "mfa_setup_required"
	case MfaPending:
		return "mfa_pending"
	case Authenticated:
		return "authenticated"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// SecretStore is the subset of *secrets.Store the machine needs.
type SecretStore interface {
	Get(username string) (string, bool)
	Has(username string) bool
	Delete(ctx context.Context, username string) (bool, error)
}

// SetupRegistry is the subset of *setup.Registry the machine needs.
type SetupRegistry interface {
	Begin(username string) (setup.Pending, error)
	Lookup(id string) (setup.Pending, bool)
	Complete(ctx context.Context, id, candidate string) (string, error)
	Cancel(username string) bool
}

const (
	DefaultVerifyInterval = 10 * time.Second
	DefaultVerifyBurst    = 5
)

type Machine struct {
	cred     Credential
	secrets  SecretStore
	setups   SetupRegistry
	sessions session.Store
	now      func() time.Time
	window   uint

	limitInterval time.Duration
	limitBurst    int
	limitMu       sync.Mutex
	limiters      map[string]*rate.Limiter
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithWindow(window uint) Option {
	return func(m *Machine) { m.window = window }
}

// WithVerifyLimit sets the per-username token bucket for VerifyMFA.
func WithVerifyLimit(every time.Duration, burst int) Option {
	return func(m *Machine) {
		m.limitInterval = every
		m.limitBurst = burst
	}
}

func New(cred Credential, secrets SecretStore, setups SetupRegistry, sessions session.Store, opts ...Option) (*Machine, error) {
	if cred.Username == "" || cred.PasswordHash == "" {
		return nil, ErrNoCredential
	}
	if err := ValidatePasswordHash(cred.PasswordHash); err != nil {
		return nil, err
	}
	m := &Machine{
		cred:     cred,
		secrets:  secrets,
		setups:   setups,
		sessions: sessions,
		now:      time.Now,
		window:   totp.DefaultWindow,
		limiters: make(map[string]*rate.Limiter),

		limitInterval: DefaultVerifyInterval,
		limitBurst:    DefaultVerifyBurst,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Username returns the configured login name.
func (m *Machine) Username() string { return m.cred.Username }

// State derives the current state of s.
func (m *Machine) State(s session.Session) State {
	switch {
	case s.Authenticated:
		return Authenticated
	case !s.PasswordVerified || s.Username == "":
		return Anonymous
	}
	if m.secrets.Has(s.Username) {
		return MfaPending
	}
	return MfaSetupRequired
}

// SubmitPassword checks the credential and, on success, moves s to
// PasswordVerified with the username bound. Any previous progress on s is
// discarded.
func (m *Machine) SubmitPassword(ctx context.Context, s *session.Session, username, password string) error {
	ok, err := m.cred.verify(username, password)
	if err != nil {
		return fmt.Errorf("checking password: %w", err)
	}
	if !ok {
		return ErrInvalidCredentials
	}
	s.Username = m.cred.Username
	s.PasswordVerified = true
	s.Authenticated = false
	s.PendingSetupID = ""
	return nil
}

// BeginSetup returns the session's live pending setup, or starts a new one.
func (m *Machine) BeginSetup(ctx context.Context, s *session.Session) (setup.Pending, error) {
	if m.State(*s) != MfaSetupRequired {
		return setup.Pending{}, ErrInvalidState
	}
	if s.PendingSetupID != "" {
		if p, ok := m.setups.Lookup(s.PendingSetupID); ok && p.Username == s.Username {
			return p, nil
		}
	}
	p, err := m.setups.Begin(s.Username)
	if err != nil {
		return setup.Pending{}, fmt.Errorf("beginning setup: %w", err)
	}
	s.PendingSetupID = p.ID
	return p, nil
}

// CompleteSetup confirms enrolment with a code from the authenticator app.
// An empty setupID means the session's own pending setup.
func (m *Machine) CompleteSetup(ctx context.Context, s *session.Session, setupID, code string) error {
	if m.State(*s) != MfaSetupRequired {
		return ErrInvalidState
	}
	if setupID == "" {
		setupID = s.PendingSetupID
	}
	p, ok := m.setups.Lookup(setupID)
	if !ok || p.Username != s.Username {
		return fmt.Errorf("completing setup: %w", setup.ErrNotFound)
	}
	username, err := m.setups.Complete(ctx, setupID, code)
	if err != nil {
		return fmt.Errorf("completing setup: %w", err)
	}
	if username != s.Username {
		return fmt.Errorf("completing setup: %w", setup.ErrNotFound)
	}
	s.Authenticated = true
	s.PasswordVerified = false
	s.PendingSetupID = ""
	return nil
}

// VerifyMFA checks code against the user's enrolled secret.
func (m *Machine) VerifyMFA(ctx context.Context, s *session.Session, code string) error {
	if m.State(*s) != MfaPending {
		return ErrInvalidState
	}
	if !m.limiter(s.Username).AllowN(m.now(), 1) {
		return ErrRateLimited
	}
	secret, ok := m.secrets.Get(s.Username)
	if !ok {
		return ErrInvalidState
	}
	if !totp.Verify(secret, code, m.now(), m.window) {
		return ErrInvalidCode
	}
	s.Authenticated = true
	s.PasswordVerified = false
	s.PendingSetupID = ""
	return nil
}

// Logout destroys the session behind token.
func (m *Machine) Logout(ctx context.Context, token string) {
	m.sessions.Delete(token)
}

// ResetMFA removes the user's enrolled secret and any pending setup, so the
// next login enrols again. Sessions that are already authenticated stay
// valid until they expire or log out. It reports whether anything was
// removed.
func (m *Machine) ResetMFA(ctx context.Context, username string) (bool, error) {
	cancelled := m.setups.Cancel(username)
	deleted, err := m.secrets.Delete(ctx, username)
	if err != nil {
		return cancelled, fmt.Errorf("deleting secret: %w", err)
	}
	m.limitMu.Lock()
	delete(m.limiters, username)
	m.limitMu.Unlock()
	return deleted || cancelled, nil
}

// VerifyInterval is how often a rate-limited username regains one
// verification attempt.
func (m *Machine) VerifyInterval() time.Duration { return m.limitInterval }

func (m *Machine) limiter(username string) *rate.Limiter {
	m.limitMu.Lock()
	defer m.limitMu.Unlock()
	l, ok := m.limiters[username]
	if !ok {
		l = rate.NewLimiter(rate.Every(m.limitInterval), m.limitBurst)
		m.limiters[username] = l
	}
	return l
}
