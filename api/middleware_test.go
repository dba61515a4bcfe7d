package api

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmcleod/gatehouse/config"
)

func TestSafeNext(t *testing.T) {
	tests := map[string]string{
		"":                      "",
		"/":                     "/",
		"/app?x=1#frag":         "/app?x=1#frag",
		"app":                   "",
		"//evil.example":        "",
		"/\\evil.example":       "",
		"https://evil.example/": "",
		"/ok\r\nSet-Cookie: x":  "",
		"javascript:alert(1)":   "",
	}
	for in, want := range tests {
		assert.Equal(t, want, safeNext(in), "safeNext(%q)", in)
	}
}

func TestWithNext(t *testing.T) {
	assert.Equal(t, "/_gate/setup", withNext("/_gate/setup", ""))
	assert.Equal(t, "/_gate/setup?next=%2Fa%3Fb%3Dc", withNext("/_gate/setup", "/a?b=c"))
}

func TestCookieSecure(t *testing.T) {
	plain := httptest.NewRequest(http.MethodGet, "/", nil)
	forwarded := httptest.NewRequest(http.MethodGet, "/", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.TLS = &tls.ConnectionState{}

	auto := &API{secureCookie: config.SecureCookieAuto}
	assert.False(t, auto.cookieSecure(plain))
	assert.True(t, auto.cookieSecure(forwarded))
	assert.True(t, auto.cookieSecure(direct))

	always := &API{secureCookie: config.SecureCookieAlways}
	assert.True(t, always.cookieSecure(plain))

	never := &API{secureCookie: config.SecureCookieNever}
	assert.False(t, never.cookieSecure(direct))
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_gate/login", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "img-src 'self' data:")
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/_gate/login", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	h.ServeHTTP(rec, req)
	assert.NotEmpty(t, rec.Header().Get("Strict-Transport-Security"))
}
