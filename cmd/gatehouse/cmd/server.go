package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/internal/util"
)

const shutdownTimeout = 10 * time.Second

var serverFlags struct {
	listen        string
	upstream      string
	tlsCert       string
	tlsKey        string
	noTLS         bool
	metricsListen string
	logLevel      string
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the gateway",
	Long: `Starts the gateway. Settings come from the config file, then GATEHOUSE_*
environment variables, then the flags below.`,
	Args: cobra.NoArgs,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	f := serverCmd.Flags()
	f.StringVar(&serverFlags.listen, "listen", "", "Address to listen on")
	f.StringVar(&serverFlags.upstream, "upstream", "", "Upstream base URL")
	f.StringVar(&serverFlags.tlsCert, "tls-cert", "", "Path to TLS certificate file")
	f.StringVar(&serverFlags.tlsKey, "tls-key", "", "Path to TLS key file")
	f.BoolVar(&serverFlags.noTLS, "no-tls", false, "Serve plain HTTP (e.g. behind a TLS terminator)")
	f.StringVar(&serverFlags.metricsListen, "metrics-listen", "", "Address for the Prometheus /metrics listener")
	f.StringVar(&serverFlags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
}

// applyServerFlags overlays the flags the user actually set.
func applyServerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	set := func(name string, dst *string, v string) {
		if flags.Changed(name) {
			*dst = v
		}
	}
	set("listen", &cfg.Listen, serverFlags.listen)
	set("upstream", &cfg.Upstream, serverFlags.upstream)
	set("tls-cert", &cfg.TLS.Cert, serverFlags.tlsCert)
	set("tls-key", &cfg.TLS.Key, serverFlags.tlsKey)
	set("metrics-listen", &cfg.Metrics.Listen, serverFlags.metricsListen)
	set("log-level", &cfg.Log.Level, serverFlags.logLevel)
	if flags.Changed("no-tls") {
		cfg.TLS.Disable = serverFlags.noTLS
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyServerFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := gw.Close(); err != nil {
			logger.Error("closing stores", "error", err)
		}
	}()

	tlsConfig, err := serverTLSConfig(cfg.TLS, logger)
	if err != nil {
		return err
	}

	// Read and write timeouts are left unset: they would cut off long
	// upstream responses and upgraded connections. The upstream timeout
	// bounds waiting for response headers instead.
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           gw.handler,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	printBanner(cmd.ErrOrStderr())
	logger.Info("starting gateway",
		"version", Version,
		"listen", cfg.Listen,
		"upstream", cfg.Upstream,
		"prefix", cfg.AuthPrefix,
		"tls", tlsConfig != nil,
		"secrets_backend", cfg.Secrets.Backend,
		"enrolled", gw.secrets.Len(),
	)

	g, gctx := errgroup.WithContext(ctx)
	gw.start(gctx, g, resolvedConfigPath())
	serve(gctx, g, server, tlsConfig != nil, logger)
	if cfg.Metrics.Listen != "" {
		serve(gctx, g, &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           gw.metricsHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}, false, logger)
		logger.Info("serving metrics", "listen", cfg.Metrics.Listen)
	}

	err = g.Wait()
	logger.Info("gateway stopped")
	return err
}

// serve runs srv until ctx is done, then shuts it down gracefully. A listen
// failure cancels ctx for the rest of the group.
func serve(ctx context.Context, g *errgroup.Group, srv *http.Server, useTLS bool, logger *slog.Logger) {
	g.Go(func() error {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down", "listen", srv.Addr)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down %s: %w", srv.Addr, err)
		}
		return nil
	})
}

// serverTLSConfig loads the configured key pair, or generates a self-signed
// certificate when none is set. It returns nil when TLS is disabled.
func serverTLSConfig(c config.TLSConfig, logger *slog.Logger) (*tls.Config, error) {
	if c.Disable {
		return nil, nil
	}
	var (
		cert tls.Certificate
		err  error
	)
	if c.Cert != "" && c.Key != "" {
		cert, err = tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS key pair: %w", err)
		}
	} else {
		cert, err = util.GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
		logger.Warn("using self-signed runtime generated certificate for TLS")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
