// Package session keeps the server-side state behind the gateway's session
// cookie.
package session

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Session is the per-browser login state. Values are copied in and out of a
// Store; mutate one through Store.Update.
type Session struct {
	Username         string    `json:"username,omitempty"`
	PasswordVerified bool      `json:"password_verified"`
	Authenticated    bool      `json:"authenticated"`
	PendingSetupID   string    `json:"pending_setup_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
}

// Store abstracts session CRUD.
type Store interface {
	// Create stores s under a fresh random token and returns the token with
	// the stored session (lifecycle fields filled in).
	Create(s Session) (string, Session)
	// Get retrieves a session by token. Returns false if the session
	// does not exist, has expired, or has exceeded the idle timeout.
	Get(token string) (Session, bool)
	// Update hands fn a copy of the session and commits the copy only if fn
	// returns nil and the session still exists. Calls for the same token are
	// serialised.
	Update(token string, fn func(*Session) error) (Session, error)
	// Delete removes a session by token.
	Delete(token string)
}
