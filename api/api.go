// Package api serves the gateway's own routes under the auth prefix: the
// login, setup and verify steps, logout, status, health and the admin
// routes.
package api

import (
	"context"
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/metrics"
	"github.com/jmcleod/gatehouse/secrets"
	"github.com/jmcleod/gatehouse/session"
	"github.com/jmcleod/gatehouse/web"
)

const DefaultPrefix = "/_gate"

// API holds the dependencies needed by the auth handlers.
type API struct {
	machine  *auth.Machine
	sessions session.Store
	secrets  *secrets.Store
	pages    *web.Renderer
	static   http.Handler

	prefix         string
	adminToken     string
	secureCookie   string
	trustedProxies []netip.Prefix
	now            func() time.Time

	metrics       *metrics.Metrics
	alertFn       AlertFunc
	webhookURL    string
	webhookHeader string
	webhook       *auditWebhook
	logger        *slog.Logger
	audit         *auditLogger
	userLimiter   *lockoutLimiter
	ipLimiter     *lockoutLimiter
	globalLimiter *windowLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events.
// If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) { a.logger = logger }
}

// WithPrefix sets the path the router is mounted under.
func WithPrefix(prefix string) Option {
	return func(a *API) { a.prefix = strings.TrimRight(prefix, "/") }
}

// WithAdminToken enables the admin routes behind a bearer token.
func WithAdminToken(token string) Option {
	return func(a *API) { a.adminToken = token }
}

// WithSecureCookie sets the cookie Secure policy: config.SecureCookieAuto,
// config.SecureCookieAlways or config.SecureCookieNever.
func WithSecureCookie(mode string) Option {
	return func(a *API) { a.secureCookie = mode }
}

// WithTrustedProxies sets the proxies whose forwarding headers identify the
// client IP for rate limiting.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.trustedProxies = prefixes }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *API) { a.metrics = m }
}

// WithAlertFunc receives anomaly alerts. The default logs them as warnings.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) { a.alertFn = fn }
}

// WithAuditWebhook forwards every audit event as JSON to url. header is an
// optional "Name: value" request header.
func WithAuditWebhook(url, header string) Option {
	return func(a *API) {
		a.webhookURL = url
		a.webhookHeader = header
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) { a.now = now }
}

// New creates a new API instance.
func New(machine *auth.Machine, sessions session.Store, store *secrets.Store, opts ...Option) (*API, error) {
	pages, err := web.NewRenderer()
	if err != nil {
		return nil, err
	}
	static, err := web.StaticHandler()
	if err != nil {
		return nil, err
	}
	a := &API{
		machine:      machine,
		sessions:     sessions,
		secrets:      store,
		pages:        pages,
		static:       static,
		prefix:       DefaultPrefix,
		secureCookie: config.SecureCookieAuto,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if a.alertFn == nil {
		a.alertFn = logAlert(a.logger)
	}
	if a.webhookURL != "" {
		a.webhook = newAuditWebhook(a.webhookURL, a.webhookHeader, a.logger)
	}
	a.audit = newAuditLogger(a.logger, a.metrics, newAlertCollector(a.alertFn, a.now), a.webhook, a.now)
	a.userLimiter = newLockoutLimiter(userLockout, a.now)
	a.ipLimiter = newLockoutLimiter(ipLockout, a.now)
	a.globalLimiter = newWindowLimiter(globalWindow, globalMaxFailures, globalLockout, a.now)
	return a, nil
}

// Router returns a chi.Router with all auth routes. Mount it at the prefix.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.prefix + "/openapi.yaml",
		Path:    strings.TrimPrefix(a.prefix+"/docs", "/"),
	}, nil))

	r.Group(func(r chi.Router) {
		r.Use(SecurityHeaders)

		if a.static != nil {
			r.Handle("/static/*", http.StripPrefix(a.prefix+"/static", a.static))
		}
		r.Get("/health", a.Health)
		r.Get("/status", a.Status)

		r.Get("/login", a.LoginPage)
		r.Get("/setup", a.SetupPage)
		r.Get("/verify", a.VerifyPage)
		r.Get("/logout", a.Logout)

		r.Group(func(r chi.Router) {
			r.Use(limitBody, a.CSRFMiddleware)
			r.Post("/login", a.Login)
			r.Post("/setup", a.CompleteSetup)
			r.Post("/verify", a.Verify)
			r.Post("/logout", a.Logout)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(limitBody, a.AdminMiddleware)
			r.Post("/reset", a.ResetMFA)
			r.Get("/export", a.ExportSecrets)
		})
	})

	return r
}

// Run sweeps stale rate-limit records every interval until ctx is done.
func (a *API) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.userLimiter.sweep()
			a.ipLimiter.sweep()
		}
	}
}

// Close flushes queued audit webhook deliveries.
func (a *API) Close() {
	a.webhook.close()
}

// Health handles GET /health.
func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}
