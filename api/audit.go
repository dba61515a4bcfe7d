package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/jmcleod/gatehouse/metrics"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess      AuditEvent = "login_success"
	AuditLoginFailure      AuditEvent = "login_failure"
	AuditLoginRateLimited  AuditEvent = "login_rate_limited"
	AuditSetupStarted      AuditEvent = "mfa_setup_started"
	AuditSetupCompleted    AuditEvent = "mfa_setup_completed"
	AuditSetupFailure      AuditEvent = "mfa_setup_failure"
	AuditMFASuccess        AuditEvent = "mfa_success"
	AuditMFAFailure        AuditEvent = "mfa_failure"
	AuditMFARateLimited    AuditEvent = "mfa_rate_limited"
	AuditLogout            AuditEvent = "logout"
	AuditMFAReset          AuditEvent = "mfa_reset"
	AuditSecretsExported   AuditEvent = "secrets_exported"
	AuditAdminUnauthorized AuditEvent = "admin_unauthorized"
	AuditCSRFRejected      AuditEvent = "csrf_rejected"
)

// auditLogger wraps slog.Logger for structured security audit logging. It
// never records passwords, codes or secrets.
type auditLogger struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	alerts  *alertCollector
	webhook *auditWebhook
	now     func() time.Time
}

func newAuditLogger(logger *slog.Logger, m *metrics.Metrics, alerts *alertCollector, webhook *auditWebhook, now func() time.Time) *auditLogger {
	return &auditLogger{
		logger:  logger.With("component", "audit"),
		metrics: m,
		alerts:  alerts,
		webhook: webhook,
		now:     now,
	}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	if al.webhook != nil {
		al.webhook.enqueue(webhookEventFrom(event, r, al.now(), attrs))
	}
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("path", r.URL.Path),
	}
	base = append(base, attrs...)
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", base...)
	al.metrics.ObserveAuthEvent(string(event))
	al.alerts.recordEvent(event)
}

// logEvent is a convenience for events tied to a username.
func (al *auditLogger) logEvent(event AuditEvent, r *http.Request, username string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("username", username)}, extra...)
	al.log(event, r, attrs...)
}

// logFailure logs a rejected attempt.
func (al *auditLogger) logFailure(event AuditEvent, r *http.Request, reason string, extra ...slog.Attr) {
	attrs := append([]slog.Attr{slog.String("reason", reason)}, extra...)
	al.log(event, r, attrs...)
}
