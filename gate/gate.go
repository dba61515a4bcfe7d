// Package gate decides, for every request outside the gateway's own routes,
// whether it may be forwarded upstream.
package gate

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync/atomic"

	"github.com/munnerz/goautoneg"

	"github.com/jmcleod/gatehouse/session"
)

type Action int

const (
	Forward Action = iota
	ChallengeRedirect
	RejectUnauthorized
	// Local marks the gateway's own routes; they are never gated.
	Local
)

func (a Action) String() string {
	switch a {
	case Forward:
		return "forward"
	case ChallengeRedirect:
		return "challenge_redirect"
	case RejectUnauthorized:
		return "reject_unauthorized"
	case Local:
		return "local"
	default:
		return "unknown"
	}
}

// Request is the part of an HTTP request the gate looks at.
type Request struct {
	// Path is the cleaned URL path.
	Path string
	// URI is the original request URI, used as the post-login target.
	URI string
	// Structured is set when the client expects a machine-readable answer.
	Structured bool
	// Upgrade is set for protocol upgrades such as WebSocket.
	Upgrade bool
}

type Decision struct {
	Action Action
	// Location is the login URL for ChallengeRedirect.
	Location string
}

// RequestFrom extracts a Request from r.
func RequestFrom(r *http.Request) Request {
	return Request{
		Path:       CleanPath(r.URL.Path),
		URI:        r.URL.RequestURI(),
		Structured: IsStructured(r),
		Upgrade:    IsUpgrade(r),
	}
}

// CleanPath resolves dot segments so that "/public/../private" is judged as
// "/private". A trailing slash is kept.
func CleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if cleaned != "/" && strings.HasSuffix(p, "/") {
		cleaned += "/"
	}
	return cleaned
}

// IsStructured reports whether the client prefers JSON over HTML.
func IsStructured(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest") {
		return true
	}
	accept := r.Header.Get("Accept")
	if accept == "" {
		return false
	}
	return goautoneg.Negotiate(accept, []string{"text/html", "application/json"}) == "application/json"
}

// IsUpgrade reports whether r asks for a protocol upgrade.
func IsUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				return true
			}
		}
	}
	return false
}

func underPrefix(p, prefix string) bool {
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

// LoginURL returns the challenge location for a request to uri.
func LoginURL(prefix, uri string) string {
	return prefix + "/login?next=" + url.QueryEscape(uri)
}

// Decide applies the admission policy. It has no side effects.
func Decide(req Request, s session.Session, public *PublicPaths, prefix string) Decision {
	switch {
	case prefix != "" && underPrefix(req.Path, prefix):
		return Decision{Action: Local}
	case public.Match(req.Path):
		return Decision{Action: Forward}
	case s.Authenticated:
		return Decision{Action: Forward}
	case req.Upgrade, req.Structured:
		return Decision{Action: RejectUnauthorized}
	default:
		return Decision{Action: ChallengeRedirect, Location: LoginURL(prefix, req.URI)}
	}
}

// Observer receives every decision, e.g. for metrics.
type Observer interface {
	ObserveDecision(action string)
}

// SessionLookup resolves the session for a request. The zero Session means
// anonymous.
type SessionLookup func(r *http.Request) (token string, s session.Session)

// Gate is the admission middleware. The public path set may be swapped at
// runtime with SetPublicPaths.
type Gate struct {
	prefix   string
	public   atomic.Pointer[PublicPaths]
	lookup   SessionLookup
	observer Observer
	logger   *slog.Logger
}

type Option func(*Gate)

func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func New(prefix string, public *PublicPaths, lookup SessionLookup, opts ...Option) *Gate {
	g := &Gate{prefix: prefix, lookup: lookup, logger: slog.Default()}
	if public == nil {
		public = DefaultPublicPaths()
	}
	g.public.Store(public)
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) SetPublicPaths(p *PublicPaths) {
	if p == nil {
		p = DefaultPublicPaths()
	}
	g.public.Store(p)
}

func (g *Gate) PublicPaths() *PublicPaths {
	return g.public.Load()
}

func (g *Gate) Decide(req Request, s session.Session) Decision {
	d := Decide(req, s, g.public.Load(), g.prefix)
	if g.observer != nil {
		g.observer.ObserveDecision(d.Action.String())
	}
	return d
}

// Middleware admits requests to next or answers the challenge itself.
// Admitted requests carry the session in their context, and their URL path
// is replaced by the cleaned path the decision was made on, so next never
// sees dot segments or encoded slashes. The gateway's own routes are served
// elsewhere: a request that only reaches them after cleaning gets 404.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var (
			token string
			s     session.Session
		)
		if g.lookup != nil {
			token, s = g.lookup(r)
		}
		req := RequestFrom(r)
		d := g.Decide(req, s)
		switch d.Action {
		case Forward:
			out := r.Clone(WithSession(r.Context(), token, s))
			out.URL.Path = req.Path
			out.URL.RawPath = ""
			next.ServeHTTP(w, out)
		case Local:
			g.logger.Debug("gateway route reached through the forwarding path", "path", r.URL.Path)
			http.NotFound(w, r)
		case ChallengeRedirect:
			g.logger.Debug("challenge", "path", r.URL.Path)
			http.Redirect(w, r, d.Location, http.StatusSeeOther)
		case RejectUnauthorized:
			g.logger.Debug("reject", "path", r.URL.Path, "upgrade", IsUpgrade(r))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Cache-Control", "no-store")
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"error": "authentication required"})
		}
	})
}

type ctxKey int

const sessionKey ctxKey = 0

type sessionValue struct {
	token string
	s     session.Session
}

// WithSession attaches the request's session snapshot to ctx.
func WithSession(ctx context.Context, token string, s session.Session) context.Context {
	return context.WithValue(ctx, sessionKey, sessionValue{token: token, s: s})
}

// SessionFromContext returns the snapshot stored by WithSession.
func SessionFromContext(ctx context.Context) (string, session.Session, bool) {
	v, ok := ctx.Value(sessionKey).(sessionValue)
	return v.token, v.s, ok
}
