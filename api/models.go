package api

import (
	"net/url"
	"time"
)

// LoginRequest is the body for POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Next     string `json:"next,omitempty"`
}

func (req *LoginRequest) fromForm(v url.Values) {
	req.Username = v.Get("username")
	req.Password = v.Get("password")
	req.Next = v.Get("next")
}

// SetupRequest is the body for POST /setup. An empty SetupID means the
// session's own pending setup.
type SetupRequest struct {
	SetupID string `json:"setup_id,omitempty"`
	Code    string `json:"code"`
	Next    string `json:"next,omitempty"`
}

func (req *SetupRequest) fromForm(v url.Values) {
	req.SetupID = v.Get("setup_id")
	req.Code = v.Get("code")
	req.Next = v.Get("next")
}

// MfaRequest is the body for POST /verify.
type MfaRequest struct {
	Code string `json:"code"`
	Next string `json:"next,omitempty"`
}

func (req *MfaRequest) fromForm(v url.Values) {
	req.Code = v.Get("code")
	req.Next = v.Get("next")
}

// ResetRequest is the body for POST /admin/reset.
type ResetRequest struct {
	Username string `json:"username"`
}

func (req *ResetRequest) fromForm(v url.Values) {
	req.Username = v.Get("username")
}

// StatusResponse describes where a session is in the login flow. Next is
// the URL of the step to visit, or the return target once authenticated.
type StatusResponse struct {
	State     string `json:"state"`
	Username  string `json:"username,omitempty"`
	Next      string `json:"next,omitempty"`
	CSRFToken string `json:"csrf_token,omitempty"`
}

// SetupResponse is returned from GET /setup.
type SetupResponse struct {
	SetupID    string    `json:"setup_id"`
	Secret     string    `json:"secret"`
	OtpauthURL string    `json:"otpauth_url"`
	QRCode     string    `json:"qr_code"`
	ExpiresAt  time.Time `json:"expires_at"`
	CSRFToken  string    `json:"csrf_token,omitempty"`
}

// ResetResponse is returned from POST /admin/reset.
type ResetResponse struct {
	Username string `json:"username"`
	Reset    bool   `json:"reset"`
}

// ExportResponse is returned from GET /admin/export.
type ExportResponse struct {
	Secrets map[string]string `json:"secrets"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
