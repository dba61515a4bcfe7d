package api

import (
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"net/url"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/gate"
	"github.com/jmcleod/gatehouse/secrets"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/setup"
)

const maxBodySize = 16 << 10

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// statusFor maps a domain error to the HTTP status and the message shown to
// the client. Unknown errors never leak their text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, auth.ErrInvalidCode), errors.Is(err, setup.ErrInvalidCode):
		return http.StatusUnauthorized, "invalid code"
	case errors.Is(err, setup.ErrBadCodeFormat):
		return http.StatusBadRequest, "code must be 6 digits"
	case errors.Is(err, setup.ErrNotFound):
		return http.StatusNotFound, "setup expired or superseded; start again"
	case errors.Is(err, auth.ErrRateLimited):
		return http.StatusTooManyRequests, "too many attempts; try again later"
	case errors.Is(err, auth.ErrInvalidState):
		return http.StatusConflict, "not valid at this step of the login"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusUnauthorized, "authentication required"
	case errors.Is(err, secrets.ErrInvalidUsername):
		return http.StatusBadRequest, "invalid username"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func mapError(w http.ResponseWriter, err error) {
	status, msg := statusFor(err)
	writeError(w, status, msg)
}

type formRequest interface {
	fromForm(url.Values)
}

// decodeRequest reads a JSON or form-encoded body into T.
func decodeRequest[T any, PT interface {
	*T
	formRequest
}](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return req, false
		}
		return req, true
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form body")
		return req, false
	}
	PT(&req).fromForm(r.PostForm)
	return req, true
}

// wantsJSON reports whether the response should be JSON rather than an HTML
// page or redirect.
func wantsJSON(r *http.Request) bool {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return mediaType == "application/json" || gate.IsStructured(r)
}
