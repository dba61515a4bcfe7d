package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/session"
)

const (
	SessionCookieName = "gatehouse_session"
	CSRFCookieName    = "gatehouse_csrf"
)

// SessionLookup resolves the request's session from its cookie. It returns
// the zero Session for anonymous requests and is suitable as a
// gate.SessionLookup.
func (a *API) SessionLookup(r *http.Request) (string, session.Session) {
	token, s, _ := a.sessionFromRequest(r)
	return token, s
}

func (a *API) sessionFromRequest(r *http.Request) (string, session.Session, bool) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return "", session.Session{}, false
	}
	s, ok := a.sessions.Get(cookie.Value)
	if !ok {
		return "", session.Session{}, false
	}
	return cookie.Value, s, true
}

// AdminMiddleware requires the configured admin bearer token. The admin
// routes do not exist when no token is configured.
func (a *API) AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		want := sha256.Sum256([]byte(a.adminToken))
		got := sha256.Sum256([]byte(strings.TrimSpace(given)))
		if !ok || subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			a.audit.logFailure(AuditAdminUnauthorized, r, "bad admin token")
			w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse-admin"`)
			writeError(w, http.StatusUnauthorized, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		next.ServeHTTP(w, r)
	})
}

func (a *API) cookieSecure(r *http.Request) bool {
	switch a.secureCookie {
	case config.SecureCookieAlways:
		return true
	case config.SecureCookieNever:
		return false
	default:
		return requestIsSecure(r)
	}
}

func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   a.cookieSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// safeNext returns raw if it is a local absolute path, else "". Anything
// that could leave the site (scheme, host, "//", backslashes) is dropped.
func safeNext(raw string) string {
	if raw == "" || !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.ContainsAny(raw, "\\\r\n") {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return ""
	}
	return raw
}

func withNext(target, next string) string {
	if next == "" {
		return target
	}
	return target + "?next=" + url.QueryEscape(next)
}
