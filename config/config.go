// Package config loads gateway settings from a TOML file, then applies
// GATEHOUSE_* environment overrides. Command-line flags are applied last by
// the caller.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jmcleod/gatehouse/gate"
)

type Config struct {
	Listen            string        `toml:"listen"`
	Upstream          string        `toml:"upstream"`
	UpstreamTimeout   time.Duration `toml:"upstream_timeout"`
	AuthPrefix        string        `toml:"auth_prefix"`
	Issuer            string        `toml:"issuer"`
	PublicPaths       []string      `toml:"public_paths"`
	ForwardUserHeader string        `toml:"forward_user_header"`
	// TrustedProxies lists CIDRs whose X-Forwarded-For headers are believed
	// when rate limiting by client IP.
	TrustedProxies []string `toml:"trusted_proxies"`

	Credential CredentialConfig `toml:"credential"`
	Session    SessionConfig    `toml:"session"`
	Secrets    SecretsConfig    `toml:"secrets"`
	Setup      SetupConfig      `toml:"setup"`
	TOTP       TOTPConfig       `toml:"totp"`
	TLS        TLSConfig        `toml:"tls"`
	Admin      AdminConfig      `toml:"admin"`
	Audit      AuditConfig      `toml:"audit"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Log        LogConfig        `toml:"log"`
}

type CredentialConfig struct {
	Username     string `toml:"username"`
	PasswordHash string `toml:"password_hash"`
	// Password is hashed with argon2id at startup when PasswordHash is empty.
	Password string `toml:"password"`
}

type SessionConfig struct {
	TTL          time.Duration `toml:"ttl"`
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	SecureCookie string        `toml:"secure_cookie"`
	// Path, when set, names a bbolt file that keeps sessions across
	// restarts. Requires secrets.encryption_key.
	Path string `toml:"path"`
}

type SecretsConfig struct {
	Backend string `toml:"backend"`
	// Path is a file path, or a connection string for the postgres backend.
	Path          string `toml:"path"`
	EncryptionKey string `toml:"encryption_key"`
}

type SetupConfig struct {
	TTL           time.Duration `toml:"ttl"`
	SweepInterval time.Duration `toml:"sweep_interval"`
}

type TOTPConfig struct {
	Window uint `toml:"window"`
}

type TLSConfig struct {
	Cert    string `toml:"cert"`
	Key     string `toml:"key"`
	Disable bool   `toml:"disable"`
}

type AdminConfig struct {
	Token string `toml:"token"`
}

type AuditConfig struct {
	WebhookURL string `toml:"webhook_url"`
	// WebhookHeader is an optional "Name: value" header sent with each event.
	WebhookHeader string `toml:"webhook_header"`
}

type MetricsConfig struct {
	Listen string `toml:"listen"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

const (
	SecureCookieAuto   = "auto"
	SecureCookieAlways = "always"
	SecureCookieNever  = "never"

	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendBBolt    = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:            ":8443",
		UpstreamTimeout:   30 * time.Second,
		AuthPrefix:        "/_gate",
		Issuer:            "Gatehouse",
		PublicPaths:       append([]string(nil), gate.DefaultPublicPatterns...),
		ForwardUserHeader: "X-Forwarded-User",
		Session: SessionConfig{
			TTL:          24 * time.Hour,
			SecureCookie: SecureCookieAuto,
		},
		Secrets: SecretsConfig{
			Backend: BackendFile,
			Path:    "./data/secrets.json",
		},
		Setup: SetupConfig{
			TTL:           30 * time.Minute,
			SweepInterval: time.Minute,
		},
		TOTP: TOTPConfig{Window: 2},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load returns the defaults overlaid with the TOML file at path. An empty
// path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("reading config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, nil
}

// Getenv is the lookup used by ApplyEnvOverrides.
type Getenv func(string) string

// ApplyEnvOverrides overlays GATEHOUSE_* variables from the process
// environment.
func (c *Config) ApplyEnvOverrides() error {
	return c.ApplyEnv(os.Getenv)
}

// ApplyEnv overlays GATEHOUSE_* variables read through getenv.
func (c *Config) ApplyEnv(getenv Getenv) error {
	set := func(name string, dst *string) {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}
	set("GATEHOUSE_LISTEN", &c.Listen)
	set("GATEHOUSE_UPSTREAM", &c.Upstream)
	set("GATEHOUSE_USERNAME", &c.Credential.Username)
	set("GATEHOUSE_PASSWORD", &c.Credential.Password)
	set("GATEHOUSE_PASSWORD_HASH", &c.Credential.PasswordHash)
	set("GATEHOUSE_SECRETS_BACKEND", &c.Secrets.Backend)
	set("GATEHOUSE_SECRETS_PATH", &c.Secrets.Path)
	set("GATEHOUSE_ENCRYPTION_KEY", &c.Secrets.EncryptionKey)
	set("GATEHOUSE_ADMIN_TOKEN", &c.Admin.Token)
	set("GATEHOUSE_SESSION_PATH", &c.Session.Path)
	set("GATEHOUSE_AUDIT_WEBHOOK_URL", &c.Audit.WebhookURL)
	set("GATEHOUSE_METRICS_LISTEN", &c.Metrics.Listen)
	set("GATEHOUSE_LOG_LEVEL", &c.Log.Level)

	if v := getenv("GATEHOUSE_PUBLIC_PATHS"); v != "" {
		var paths []string
		for _, p := range strings.Split(v, ",") {
			paths = append(paths, strings.TrimSpace(p))
		}
		c.PublicPaths = paths
	}
	if v := getenv("GATEHOUSE_TRUSTED_PROXIES"); v != "" {
		var cidrs []string
		for _, p := range strings.Split(v, ",") {
			cidrs = append(cidrs, strings.TrimSpace(p))
		}
		c.TrustedProxies = cidrs
	}
	if v := getenv("GATEHOUSE_TOTP_WINDOW"); v != "" {
		n, err := strconv.ParseUint(v, 10, 8)
		if err != nil {
			return fmt.Errorf("GATEHOUSE_TOTP_WINDOW: %w", err)
		}
		c.TOTP.Window = uint(n)
	}
	return nil
}

// ValidationError describes one invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every invalid setting.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

var ErrNoCredential = errors.New("no credential configured")

// Validate reports settings the server cannot start with. A malformed
// public path list is not fatal; see PublicPathSet.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Upstream == "" {
		add("upstream", "is required")
	} else if u, err := url.Parse(c.Upstream); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("upstream", "must be an absolute http(s) URL, got %q", c.Upstream)
	}
	if c.Listen == "" {
		add("listen", "is required")
	}
	if !strings.HasPrefix(c.AuthPrefix, "/") || c.AuthPrefix == "/" || strings.HasSuffix(c.AuthPrefix, "/") {
		add("auth_prefix", "must start with / and name a path segment, got %q", c.AuthPrefix)
	}
	if c.Credential.Username == "" || (c.Credential.PasswordHash == "" && c.Credential.Password == "") {
		add("credential", "%v: username and password_hash (or password) are required", ErrNoCredential)
	}
	switch c.Session.SecureCookie {
	case SecureCookieAuto, SecureCookieAlways, SecureCookieNever:
	default:
		add("session.secure_cookie", "must be one of auto, always, never")
	}
	if c.Session.TTL <= 0 {
		add("session.ttl", "must be positive")
	}
	if c.Session.IdleTimeout < 0 {
		add("session.idle_timeout", "must not be negative")
	}
	switch c.Secrets.Backend {
	case BackendMemory:
	case BackendFile, BackendBBolt, BackendSQLite, BackendPostgres:
		if c.Secrets.Path == "" {
			add("secrets.path", "is required for the %s backend", c.Secrets.Backend)
		}
	default:
		add("secrets.backend", "must be one of memory, file, bbolt, sqlite, postgres")
	}
	if _, err := c.EncryptionKeyBytes(); err != nil {
		add("secrets.encryption_key", "%v", err)
	}
	if c.Session.Path != "" && c.Secrets.EncryptionKey == "" {
		add("session.path", "persistent sessions require secrets.encryption_key")
	}
	if c.Audit.WebhookURL != "" {
		if u, err := url.Parse(c.Audit.WebhookURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			add("audit.webhook_url", "must be an absolute http(s) URL")
		}
	}
	if c.Setup.TTL <= 0 {
		add("setup.ttl", "must be positive")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		add("trusted_proxies", "%v", err)
	}
	if c.TOTP.Window > 10 {
		add("totp.window", "must be at most 10")
	}
	if (c.TLS.Cert == "") != (c.TLS.Key == "") {
		add("tls", "cert and key must be set together")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		add("log.level", "%v", err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		add("log.format", "must be json or text")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// EncryptionKeyBytes decodes the optional base64 secret-sealing key. It
// returns nil when no key is configured.
func (c *Config) EncryptionKeyBytes() ([]byte, error) {
	if c.Secrets.EncryptionKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.Secrets.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// TrustedProxyPrefixes parses TrustedProxies. A bare address is treated as a
// single-host prefix.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q", raw)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q", raw)
		}
		out = append(out, prefix.Masked())
	}
	return out, nil
}

// PublicPathSet parses the public path list, falling back to the defaults
// when any entry is malformed. The error describes the fallback.
func (c *Config) PublicPathSet() (*gate.PublicPaths, error) {
	return gate.ParsePublicPathsOrDefault(c.PublicPaths)
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
