package api

import (
	"log/slog"
	"net/http"

	"github.com/jmcleod/gatehouse/secrets"
)

// ResetMFA handles POST /admin/reset. The user enrols again at their next
// login; sessions that are already authenticated are left alone.
func (a *API) ResetMFA(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeRequest[ResetRequest](w, r)
	if !ok {
		return
	}
	if err := secrets.ValidateUsername(req.Username); err != nil {
		mapError(w, err)
		return
	}
	reset, err := a.machine.ResetMFA(r.Context(), req.Username)
	if err != nil {
		a.logger.ErrorContext(r.Context(), "resetting mfa", "username", req.Username, "error", err)
		mapError(w, err)
		return
	}
	a.audit.logEvent(AuditMFAReset, r, req.Username, slog.Bool("removed", reset))
	writeJSON(w, http.StatusOK, ResetResponse{Username: req.Username, Reset: reset})
}

// ExportSecrets handles GET /admin/export. The body is the same
// username → secret map that `gatehouse secrets import` loads.
func (a *API) ExportSecrets(w http.ResponseWriter, r *http.Request) {
	exported := a.secrets.Export()
	a.audit.log(AuditSecretsExported, r, slog.Int("count", len(exported)))
	writeJSON(w, http.StatusOK, ExportResponse{Secrets: exported})
}
