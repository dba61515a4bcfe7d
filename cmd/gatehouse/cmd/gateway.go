package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/auth"
	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/gate"
	"github.com/jmcleod/gatehouse/metrics"
	"github.com/jmcleod/gatehouse/proxy"
	"github.com/jmcleod/gatehouse/secrets"
	"github.com/jmcleod/gatehouse/setup"
)

const (
	sessionSweepInterval = time.Minute
	limiterSweepInterval = 5 * time.Minute
)

// gateway is the assembled server: stores, auth machine, gate, forwarder and
// the router in front of them.
type gateway struct {
	cfg      *config.Config
	logger   *slog.Logger
	secrets  *secrets.Store
	setups   *setup.Registry
	sessions sessionStore
	api      *api.API
	gate     *gate.Gate
	metrics  *metrics.Metrics
	handler  http.Handler

	closeSessions func() error
}

// newGateway wires every component described by cfg. cfg must already be
// valid. Call Close when done.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	cred, err := credentialFrom(cfg.Credential, logger)
	if err != nil {
		return nil, err
	}
	proxies, err := cfg.TrustedProxyPrefixes()
	if err != nil {
		return nil, fmt.Errorf("trusted_proxies: %w", err)
	}

	store, err := openSecrets(ctx, cfg)
	if err != nil {
		return nil, err
	}
	gw := &gateway{cfg: cfg, logger: logger, secrets: store, closeSessions: func() error { return nil }}

	sessions, closeSessions, err := openSessions(ctx, cfg, logger)
	if err != nil {
		gw.Close()
		return nil, err
	}
	gw.sessions = sessions
	gw.closeSessions = closeSessions

	gw.setups = setup.NewRegistry(store,
		setup.WithTTL(cfg.Setup.TTL),
		setup.WithIssuer(cfg.Issuer),
		setup.WithWindow(cfg.TOTP.Window),
	)
	machine, err := auth.New(cred, store, gw.setups, sessions, auth.WithWindow(cfg.TOTP.Window))
	if err != nil {
		gw.Close()
		return nil, err
	}

	gw.metrics = metrics.New()
	gw.metrics.RegisterPendingSetups(gw.setups.Len)

	gw.api, err = api.New(machine, sessions, store,
		api.WithLogger(logger),
		api.WithPrefix(cfg.AuthPrefix),
		api.WithAdminToken(cfg.Admin.Token),
		api.WithSecureCookie(cfg.Session.SecureCookie),
		api.WithTrustedProxies(proxies),
		api.WithMetrics(gw.metrics),
		api.WithAuditWebhook(cfg.Audit.WebhookURL, cfg.Audit.WebhookHeader),
	)
	if err != nil {
		gw.Close()
		return nil, err
	}

	public, err := cfg.PublicPathSet()
	if err != nil {
		logger.Warn("invalid public_paths, using defaults", "error", err)
	}
	gw.gate = gate.New(cfg.AuthPrefix, public, gw.api.SessionLookup,
		gate.WithObserver(gw.metrics),
		gate.WithLogger(logger),
	)

	fwd, err := proxy.New(cfg.Upstream,
		proxy.WithTimeout(cfg.UpstreamTimeout),
		proxy.WithUserHeader(cfg.ForwardUserHeader),
		proxy.WithOwnCookies(api.SessionCookieName, api.CSRFCookieName),
		proxy.WithUser(authenticatedUser),
		proxy.WithObserver(gw.metrics),
		proxy.WithLogger(logger),
	)
	if err != nil {
		gw.Close()
		return nil, err
	}

	gw.handler = gw.router(fwd)
	return gw, nil
}

// credentialFrom returns the configured login, hashing a plaintext password
// when no hash is configured.
func credentialFrom(c config.CredentialConfig, logger *slog.Logger) (auth.Credential, error) {
	hash := c.PasswordHash
	if hash == "" {
		logger.Warn("credential.password is plaintext; store the output of 'gatehouse hash-password' in credential.password_hash instead")
		var err error
		hash, err = auth.HashPassword(c.Password)
		if err != nil {
			return auth.Credential{}, fmt.Errorf("hashing password: %w", err)
		}
	}
	return auth.Credential{Username: c.Username, PasswordHash: hash}, nil
}

// authenticatedUser names the user for the forwarded-user header.
func authenticatedUser(r *http.Request) string {
	if _, s, ok := gate.SessionFromContext(r.Context()); ok && s.Authenticated {
		return s.Username
	}
	return ""
}

func (gw *gateway) router(upstream http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(accessLog(gw.logger))
	r.Use(middleware.Recoverer)
	r.Use(gw.metrics.InstrumentHandler)

	r.Mount(gw.cfg.AuthPrefix, gw.api.Router())
	r.Handle("/*", gw.gate.Middleware(upstream))
	return r
}

// metricsHandler serves /metrics on its own listener.
func (gw *gateway) metricsHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", gw.metrics.Handler())
	return r
}

// start runs the sweepers and, when a config file is in use, the public path
// reloader. They stop when ctx is done.
func (gw *gateway) start(ctx context.Context, g *errgroup.Group, configFile string) {
	setupInterval := gw.cfg.Setup.SweepInterval
	if setupInterval <= 0 {
		setupInterval = time.Minute
	}
	g.Go(func() error {
		gw.setups.Run(ctx, setupInterval)
		return nil
	})
	g.Go(func() error {
		gw.sessions.Run(ctx, sessionSweepInterval)
		return nil
	})
	g.Go(func() error {
		gw.api.Run(ctx, limiterSweepInterval)
		return nil
	})

	if configFile == "" {
		return
	}
	w, err := config.NewWatcher(configFile, config.DefaultDebounce, gw.logger)
	if err != nil {
		gw.logger.Warn("config reload disabled", "error", err)
		return
	}
	g.Go(func() error {
		defer w.Close()
		w.Run(ctx, gw.reload)
		return nil
	})
}

// reload applies the reloadable part of a changed config file.
func (gw *gateway) reload(cfg *config.Config) {
	paths, err := cfg.PublicPathSet()
	if err != nil {
		gw.logger.Warn("invalid public_paths, using defaults", "error", err)
	}
	gw.gate.SetPublicPaths(paths)
	gw.logger.Info("public paths updated", "patterns", paths.Patterns())
}

// Close flushes audit deliveries and closes the stores.
func (gw *gateway) Close() error {
	if gw.api != nil {
		gw.api.Close()
	}
	return errors.Join(gw.closeSessions(), gw.secrets.Close())
}

// accessLog logs one line per request once it completes.
func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.LogAttrs(r.Context(), slog.LevelInfo, "request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", ww.Status()),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("duration", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
