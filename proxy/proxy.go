// Package proxy forwards admitted requests to the upstream service and maps
// transport failures to gateway status codes.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"slices"
	"syscall"
	"time"
)

const (
	DefaultTimeout    = 30 * time.Second
	DefaultUserHeader = "X-Forwarded-User"
)

// Category groups upstream failures by what the client should be told.
type Category int

const (
	Generic Category = iota
	Refused
	Reset
	Timeout
	// Canceled means the client went away; nothing is written.
	Canceled
)

func (c Category) String() string {
	switch c {
	case Refused:
		return "refused"
	case Reset:
		return "reset"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	default:
		return "generic"
	}
}

// Status is the response code sent for c. Canceled has none.
func (c Category) Status() int {
	switch c {
	case Refused:
		return http.StatusServiceUnavailable
	case Timeout:
		return http.StatusGatewayTimeout
	case Canceled:
		return 0
	default:
		return http.StatusBadGateway
	}
}

// Classify maps a round-trip error to a Category.
func Classify(err error) Category {
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, syscall.ECONNREFUSED):
		return Refused
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return Timeout
	case errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF):
		return Reset
	default:
		return Generic
	}
}

// Observer receives the category of every upstream failure.
type Observer interface {
	ObserveUpstreamError(category string)
}

// UserFunc returns the authenticated username for r, or "".
type UserFunc func(r *http.Request) string

// Forwarder is an http.Handler that relays requests (including WebSocket
// upgrades) to a single upstream.
type Forwarder struct {
	target     *url.URL
	timeout    time.Duration
	userHeader string
	ownCookies []string
	user       UserFunc
	transport  http.RoundTripper
	observer   Observer
	logger     *slog.Logger

	rp *httputil.ReverseProxy
}

type Option func(*Forwarder)

// WithTimeout bounds the wait for upstream response headers.
func WithTimeout(d time.Duration) Option {
	return func(f *Forwarder) {
		if d > 0 {
			f.timeout = d
		}
	}
}

func WithUserHeader(h string) Option {
	return func(f *Forwarder) {
		if h != "" {
			f.userHeader = h
		}
	}
}

// WithOwnCookies names cookies that belong to the gateway; they are removed
// from requests and responses.
func WithOwnCookies(names ...string) Option {
	return func(f *Forwarder) { f.ownCookies = append(f.ownCookies, names...) }
}

func WithUser(fn UserFunc) Option {
	return func(f *Forwarder) { f.user = fn }
}

// WithTransport replaces the default transport. The timeout option is not
// applied to a custom transport.
func WithTransport(rt http.RoundTripper) Option {
	return func(f *Forwarder) { f.transport = rt }
}

func WithObserver(o Observer) Option {
	return func(f *Forwarder) { f.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// New returns a Forwarder for the upstream base URL target.
func New(target string, opts ...Option) (*Forwarder, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parsing upstream: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream must be an absolute http(s) URL, got %q", target)
	}
	f := &Forwarder{
		target:     u,
		timeout:    DefaultTimeout,
		userHeader: DefaultUserHeader,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.ResponseHeaderTimeout = f.timeout
		f.transport = t
	}
	f.rp = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
		Transport:      f.transport,
	}
	return f, nil
}

func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.rp.ServeHTTP(w, r)
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	pr.SetURL(f.target)
	pr.SetXForwarded()

	// Never trust a client-supplied identity header.
	pr.Out.Header.Del(f.userHeader)
	if f.user != nil {
		if user := f.user(pr.In); user != "" {
			pr.Out.Header.Set(f.userHeader, user)
		}
	}

	if len(f.ownCookies) > 0 {
		pr.Out.Header.Del("Cookie")
		for _, c := range pr.In.Cookies() {
			if !slices.Contains(f.ownCookies, c.Name) {
				pr.Out.AddCookie(c)
			}
		}
	}
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if len(f.ownCookies) == 0 {
		return nil
	}
	cookies := resp.Cookies()
	resp.Header.Del("Set-Cookie")
	for _, c := range cookies {
		if !slices.Contains(f.ownCookies, c.Name) {
			resp.Header.Add("Set-Cookie", c.String())
		}
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	cat := Classify(err)
	if cat == Canceled {
		f.logger.Debug("client canceled upstream request", "path", r.URL.Path)
		return
	}
	if f.observer != nil {
		f.observer.ObserveUpstreamError(cat.String())
	}
	f.logger.Warn("upstream request failed",
		"path", r.URL.Path,
		"category", cat.String(),
		"error", err,
	)
	http.Error(w, http.StatusText(cat.Status()), cat.Status())
}
