package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/jmcleod/gatehouse/internal/uuid"
)

const (
	csrfHeaderName = "X-CSRF-Token"
	csrfFormField  = "csrf_token"
)

// CSRFMiddleware enforces double-submit cookie CSRF protection on mutating
// requests from browsers. A request carrying neither the session nor the
// CSRF cookie is exempt: it has no ambient credentials to abuse.
func (a *API) CSRFMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		_, sessErr := r.Cookie(SessionCookieName)
		cookie, csrfErr := r.Cookie(CSRFCookieName)
		if sessErr != nil && csrfErr != nil {
			next.ServeHTTP(w, r)
			return
		}
		if csrfErr != nil || cookie.Value == "" {
			a.audit.logFailure(AuditCSRFRejected, r, "missing csrf cookie")
			writeError(w, http.StatusForbidden, "missing CSRF token")
			return
		}

		given := r.Header.Get(csrfHeaderName)
		if given == "" {
			given = r.PostFormValue(csrfFormField)
		}
		if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(given)) != 1 {
			a.audit.logFailure(AuditCSRFRejected, r, "csrf token mismatch")
			writeError(w, http.StatusForbidden, "invalid CSRF token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// csrfToken returns the request's CSRF token, issuing a new cookie when it
// has none.
func (a *API) csrfToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(CSRFCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return a.writeCSRFCookie(w, r)
}

// writeCSRFCookie sets a fresh CSRF cookie. It is not HttpOnly so scripted
// clients can echo it in the X-CSRF-Token header.
func (a *API) writeCSRFCookie(w http.ResponseWriter, r *http.Request) string {
	token := uuid.New()
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
	return token
}

func (a *API) clearCSRFCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: false,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
