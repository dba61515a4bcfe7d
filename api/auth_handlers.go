package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/setup"
	"github.com/jmcleod/gatehouse/totp"
	"github.com/jmcleod/gatehouse/web"
)

const qrSize = 220

// LoginPage handles GET /login. A session that already passed the password
// step is sent on to its next step.
func (a *API) LoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	if _, s, ok := a.sessionFromRequest(r); ok && a.machine.State(s) != auth.Anonymous {
		a.advance(w, r, s, next, "")
		return
	}
	csrf := a.csrfToken(w, r)
	if wantsJSON(r) {
		resp := a.describe(session.Session{}, next)
		resp.CSRFToken = csrf
		writeJSON(w, http.StatusOK, resp)
		return
	}
	a.render(w, r, http.StatusOK, web.PageLogin, web.Page{Next: next, CSRFToken: csrf})
}

// Login handles POST /login. Success always issues a new session token.
func (a *API) Login(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[LoginRequest](w, r)
	if !ok {
		return
	}
	next := safeNext(req.Next)
	page := func(status int, msg string) {
		a.render(w, r, status, web.PageLogin, web.Page{
			Next:      next,
			Username:  req.Username,
			CSRFToken: a.csrfToken(w, r),
			Error:     msg,
		})
	}
	if req.Username == "" || req.Password == "" {
		if wantsJSON(r) {
			writeError(w, http.StatusBadRequest, "username and password are required")
			return
		}
		page(http.StatusBadRequest, "Enter your username and password.")
		return
	}

	clientIP := a.extractClientIP(r)
	userKey := strings.ToLower(strings.TrimSpace(req.Username))

	// global, then IP, then username
	blocked, retryAfter := a.globalLimiter.check()
	reason := "global rate limited"
	if !blocked {
		blocked, retryAfter = a.ipLimiter.check(clientIP)
		reason = "ip rate limited"
	}
	if !blocked {
		blocked, retryAfter = a.userLimiter.check(userKey)
		reason = "username rate limited"
	}
	if blocked {
		a.audit.logFailure(AuditLoginRateLimited, r, reason,
			slog.String("username", req.Username), slog.String("client_ip", clientIP))
		a.rateLimited(w, r, retryAfter, page)
		return
	}

	var s session.Session
	if err := a.machine.SubmitPassword(r.Context(), &s, req.Username, req.Password); err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			a.internalError(w, r, "checking password", err)
			return
		}
		a.globalLimiter.recordFailure()
		a.ipLimiter.recordFailure(clientIP)
		a.userLimiter.recordFailure(userKey)
		a.audit.logFailure(AuditLoginFailure, r, "invalid credentials",
			slog.String("username", req.Username), slog.String("client_ip", clientIP))
		a.fail(w, r, err, page)
		return
	}

	a.ipLimiter.recordSuccess(clientIP)
	a.userLimiter.recordSuccess(userKey)

	if old, err := r.Cookie(SessionCookieName); err == nil && old.Value != "" {
		a.sessions.Delete(old.Value)
	}
	token, s := a.sessions.Create(s)
	a.writeSessionCookie(w, r, token, s.ExpiresAt)
	csrf := a.writeCSRFCookie(w, r)

	a.audit.logEvent(AuditLoginSuccess, r, s.Username)
	a.advance(w, r, s, next, csrf)
}

// SetupPage handles GET /setup: the provisioning QR code, the manual secret
// and the setup id. Reloading the page shows the same live setup.
func (a *API) SetupPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	token, s, ok := a.sessionFromRequest(r)
	if !ok {
		a.needLogin(w, r, next)
		return
	}
	if a.machine.State(s) != auth.MfaSetupRequired {
		a.wrongStep(w, r, s, next)
		return
	}
	a.showSetup(w, r, token, next, http.StatusOK, "")
}

func (a *API) showSetup(w http.ResponseWriter, r *http.Request, token, next string, status int, msg string) {
	var (
		p       setup.Pending
		started bool
	)
	s, err := a.sessions.Update(token, func(s *session.Session) error {
		prev := s.PendingSetupID
		var err error
		p, err = a.machine.BeginSetup(r.Context(), s)
		started = err == nil && p.ID != prev
		return err
	})
	switch {
	case errors.Is(err, session.ErrNotFound):
		a.needLogin(w, r, next)
		return
	case errors.Is(err, auth.ErrInvalidState):
		a.wrongStep(w, r, s, next)
		return
	case err != nil:
		a.internalError(w, r, "beginning setup", err)
		return
	}
	if started {
		a.audit.logEvent(AuditSetupStarted, r, s.Username)
	}

	png, err := totp.QRCodePNG(p.URI, qrSize)
	if err != nil {
		a.internalError(w, r, "rendering qr code", err)
		return
	}
	qr := web.PNGDataURI(png)
	csrf := a.csrfToken(w, r)

	if wantsJSON(r) {
		writeJSON(w, status, SetupResponse{
			SetupID:    p.ID,
			Secret:     p.Secret,
			OtpauthURL: p.URI,
			QRCode:     string(qr),
			ExpiresAt:  p.ExpiresAt.UTC(),
			CSRFToken:  csrf,
		})
		return
	}
	a.render(w, r, status, web.PageSetup, web.Page{
		Next:      next,
		CSRFToken: csrf,
		Error:     msg,
		Username:  p.Username,
		SetupID:   p.ID,
		Secret:    p.Secret,
		QRCode:    qr,
		ExpiresAt: p.ExpiresAt,
	})
}

// CompleteSetup handles POST /setup. A wrong code keeps the setup for
// another try; an expired or superseded setup is replaced with a fresh one.
func (a *API) CompleteSetup(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[SetupRequest](w, r)
	if !ok {
		return
	}
	next := safeNext(req.Next)
	token := sessionToken(r)
	page := func(status int, msg string) {
		a.showSetup(w, r, token, next, status, msg)
	}

	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditSetupFailure, r, "ip rate limited", slog.String("client_ip", clientIP))
		a.rateLimited(w, r, retryAfter, page)
		return
	}

	s, err := a.sessions.Update(token, func(s *session.Session) error {
		return a.machine.CompleteSetup(r.Context(), s, req.SetupID, req.Code)
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		a.needLogin(w, r, next)
		return
	case errors.Is(err, auth.ErrInvalidState):
		a.wrongStep(w, r, s, next)
		return
	case errors.Is(err, setup.ErrInvalidCode), errors.Is(err, setup.ErrBadCodeFormat), errors.Is(err, setup.ErrNotFound):
		if errors.Is(err, setup.ErrInvalidCode) {
			a.ipLimiter.recordFailure(clientIP)
		}
		_, reason := statusFor(err)
		a.audit.logFailure(AuditSetupFailure, r, reason, slog.String("username", s.Username))
		a.fail(w, r, err, page)
		return
	default:
		a.internalError(w, r, "completing setup", err)
		return
	}

	a.audit.logEvent(AuditSetupCompleted, r, s.Username)
	a.advance(w, r, s, next, "")
}

// VerifyPage handles GET /verify.
func (a *API) VerifyPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	_, s, ok := a.sessionFromRequest(r)
	if !ok {
		a.needLogin(w, r, next)
		return
	}
	if a.machine.State(s) != auth.MfaPending {
		a.wrongStep(w, r, s, next)
		return
	}
	csrf := a.csrfToken(w, r)
	if wantsJSON(r) {
		resp := a.describe(s, next)
		resp.CSRFToken = csrf
		writeJSON(w, http.StatusOK, resp)
		return
	}
	a.render(w, r, http.StatusOK, web.PageVerify, web.Page{Next: next, CSRFToken: csrf, Username: s.Username})
}

// Verify handles POST /verify.
func (a *API) Verify(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[MfaRequest](w, r)
	if !ok {
		return
	}
	next := safeNext(req.Next)
	token := sessionToken(r)
	var username string
	page := func(status int, msg string) {
		a.render(w, r, status, web.PageVerify, web.Page{
			Next:      next,
			CSRFToken: a.csrfToken(w, r),
			Username:  username,
			Error:     msg,
		})
	}

	clientIP := a.extractClientIP(r)
	if blocked, retryAfter := a.ipLimiter.check(clientIP); blocked {
		a.audit.logFailure(AuditMFARateLimited, r, "ip rate limited", slog.String("client_ip", clientIP))
		a.rateLimited(w, r, retryAfter, page)
		return
	}

	s, err := a.sessions.Update(token, func(s *session.Session) error {
		return a.machine.VerifyMFA(r.Context(), s, req.Code)
	})
	username = s.Username
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotFound):
		a.needLogin(w, r, next)
		return
	case errors.Is(err, auth.ErrInvalidState):
		a.wrongStep(w, r, s, next)
		return
	case errors.Is(err, auth.ErrRateLimited):
		a.audit.logFailure(AuditMFARateLimited, r, "username rate limited", slog.String("username", username))
		a.rateLimited(w, r, a.machine.VerifyInterval(), page)
		return
	case errors.Is(err, auth.ErrInvalidCode):
		a.ipLimiter.recordFailure(clientIP)
		a.audit.logFailure(AuditMFAFailure, r, "invalid code",
			slog.String("username", username), slog.String("client_ip", clientIP))
		a.fail(w, r, err, page)
		return
	default:
		a.internalError(w, r, "verifying code", err)
		return
	}

	a.audit.logEvent(AuditMFASuccess, r, username)
	a.advance(w, r, s, next, "")
}

// Logout handles GET and POST /logout.
func (a *API) Logout(w http.ResponseWriter, r *http.Request) {
	var username string
	if token := sessionToken(r); token != "" {
		if s, ok := a.sessions.Get(token); ok {
			username = s.Username
		}
		a.machine.Logout(r.Context(), token)
	}
	a.clearSessionCookie(w, r)
	a.clearCSRFCookie(w, r)
	a.audit.logEvent(AuditLogout, r, username)

	if wantsJSON(r) {
		writeJSON(w, http.StatusOK, a.describe(session.Session{}, ""))
		return
	}
	a.render(w, r, http.StatusOK, web.PageLoggedOut, web.Page{})
}

// Status handles GET /status.
func (a *API) Status(w http.ResponseWriter, r *http.Request) {
	_, s, _ := a.sessionFromRequest(r)
	writeJSON(w, http.StatusOK, a.describe(s, safeNext(r.URL.Query().Get("next"))))
}

func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil {
		return c.Value
	}
	return ""
}

func (a *API) describe(s session.Session, next string) StatusResponse {
	st := a.machine.State(s)
	resp := StatusResponse{State: st.String(), Next: a.stepURL(st, next)}
	if st != auth.Anonymous {
		resp.Username = s.Username
	}
	return resp
}

// stepURL is where a session in state st goes next.
func (a *API) stepURL(st auth.State, next string) string {
	switch st {
	case auth.MfaSetupRequired:
		return withNext(a.prefix+"/setup", next)
	case auth.MfaPending:
		return withNext(a.prefix+"/verify", next)
	case auth.Authenticated:
		if next == "" {
			return "/"
		}
		return next
	default:
		return withNext(a.prefix+"/login", next)
	}
}

// advance answers a successful step: JSON clients get the new state, browsers
// are redirected to the next step.
func (a *API) advance(w http.ResponseWriter, r *http.Request, s session.Session, next, csrf string) {
	if wantsJSON(r) {
		resp := a.describe(s, next)
		resp.CSRFToken = csrf
		writeJSON(w, http.StatusOK, resp)
		return
	}
	http.Redirect(w, r, a.stepURL(a.machine.State(s), next), http.StatusSeeOther)
}

func (a *API) needLogin(w http.ResponseWriter, r *http.Request, next string) {
	if wantsJSON(r) {
		mapError(w, session.ErrNotFound)
		return
	}
	http.Redirect(w, r, a.stepURL(auth.Anonymous, next), http.StatusSeeOther)
}

// wrongStep answers a request for a step the session is not at.
func (a *API) wrongStep(w http.ResponseWriter, r *http.Request, s session.Session, next string) {
	if wantsJSON(r) {
		writeJSON(w, http.StatusConflict, a.describe(s, next))
		return
	}
	http.Redirect(w, r, a.stepURL(a.machine.State(s), next), http.StatusSeeOther)
}

// fail reports a retryable error: JSON clients get the mapped error, browsers
// get the page again with a message.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error, page func(status int, msg string)) {
	if wantsJSON(r) {
		mapError(w, err)
		return
	}
	status, msg := statusFor(err)
	page(status, capitalize(msg)+".")
}

func (a *API) rateLimited(w http.ResponseWriter, r *http.Request, retryAfter time.Duration, page func(status int, msg string)) {
	if wantsJSON(r) {
		writeRateLimited(w, retryAfter)
		return
	}
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	page(http.StatusTooManyRequests, "Too many failed attempts. Try again later.")
}

func (a *API) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	a.logger.ErrorContext(r.Context(), op, "path", r.URL.Path, "error", err)
	if wantsJSON(r) {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func (a *API) render(w http.ResponseWriter, r *http.Request, status int, name string, p web.Page) {
	p.Prefix = a.prefix
	if err := a.pages.Render(w, status, name, p); err != nil {
		a.internalError(w, r, "rendering page", err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
