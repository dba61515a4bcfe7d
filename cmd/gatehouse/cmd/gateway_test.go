package cmd

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatehouse/api"
	"github.com/jmcleod/gatehouse/config"
	"github.com/jmcleod/gatehouse/internal/util"
	"github.com/jmcleod/gatehouse/session"
)

const testPassword = "correct horse battery staple"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, upstream string) *config.Config {
	t.Helper()
	hash, err := util.HashArgon2id(testPassword, util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Upstream = upstream
	cfg.Credential.Username = "admin"
	cfg.Credential.PasswordHash = hash
	cfg.Secrets.Backend = config.BackendMemory
	require.NoError(t, cfg.Validate())
	return cfg
}

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "upstream %s user=%q", r.URL.Path, r.Header.Get("X-Forwarded-User"))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func noRedirect() *http.Client {
	return &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
}

func get(t *testing.T, client *http.Client, url string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, url, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestGatewayRoutes(t *testing.T) {
	upstream := newUpstream(t)
	gw, err := newGateway(context.Background(), testConfig(t, upstream.URL), quietLogger())
	require.NoError(t, err)
	defer gw.Close()

	srv := httptest.NewServer(gw.handler)
	defer srv.Close()
	client := noRedirect()

	resp, _ := get(t, client, srv.URL+"/private?x=1")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, "/_gate/login?next=%2Fprivate%3Fx%3D1", resp.Header.Get("Location"))

	resp, _ = get(t, client, srv.URL+"/private", "Accept", "application/json")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, body := get(t, client, srv.URL+"/favicon.ico")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `upstream /favicon.ico user=""`, body)

	resp, body = get(t, client, srv.URL+"/_gate/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"ok"`)

	resp, body = get(t, client, srv.URL+"/_gate/login")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "csrf_token")

	metricsSrv := httptest.NewServer(gw.metricsHandler())
	defer metricsSrv.Close()
	resp, body = get(t, client, metricsSrv.URL+"/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `gatehouse_admission_decisions_total{decision="challenge_redirect"}`)
	assert.Contains(t, body, "gatehouse_pending_setups 0")
	assert.Contains(t, body, "gatehouse_request_duration_seconds")
}

func TestGatewayReloadPublicPaths(t *testing.T) {
	upstream := newUpstream(t)
	gw, err := newGateway(context.Background(), testConfig(t, upstream.URL), quietLogger())
	require.NoError(t, err)
	defer gw.Close()
	srv := httptest.NewServer(gw.handler)
	defer srv.Close()

	resp, _ := get(t, noRedirect(), srv.URL+"/open/page")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	next := config.Default()
	next.PublicPaths = []string{"/open/*"}
	gw.reload(next)
	resp, body := get(t, noRedirect(), srv.URL+"/open/page")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.HasPrefix(body, "upstream /open/page"))

	next.PublicPaths = []string{"no-slash"}
	gw.reload(next)
	assert.Equal(t, []string{"/favicon.ico", "/robots.txt"}, gw.gate.PublicPaths().Patterns())
}

func TestGatewayPersistentStores(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Secrets.Backend = config.BackendBBolt
	cfg.Secrets.Path = filepath.Join(dir, "data", "secrets.db")
	cfg.Secrets.EncryptionKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	cfg.Session.Path = filepath.Join(dir, "data", "sessions.db")
	require.NoError(t, cfg.Validate())

	ctx := context.Background()
	gw, err := newGateway(ctx, cfg, quietLogger())
	require.NoError(t, err)
	require.IsType(t, &session.PersistentStore{}, gw.sessions)
	require.NoError(t, gw.secrets.Set(ctx, "admin", "JBSWY3DPEHPK3PXP"))
	token, _ := gw.sessions.Create(session.Session{Username: "admin", PasswordVerified: true, Authenticated: true})
	require.NoError(t, gw.Close())

	gw, err = newGateway(ctx, cfg, quietLogger())
	require.NoError(t, err)
	defer gw.Close()
	assert.True(t, gw.secrets.Has("admin"))
	got, ok := gw.sessions.Get(token)
	require.True(t, ok)
	assert.True(t, got.Authenticated)
}

func TestCredentialFromPlaintext(t *testing.T) {
	cred, err := credentialFrom(config.CredentialConfig{Username: "admin", Password: "pw"}, quietLogger())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cred.PasswordHash, "$argon2id$"))

	cred, err = credentialFrom(config.CredentialConfig{Username: "admin", PasswordHash: "$2b$10$x"}, quietLogger())
	require.NoError(t, err)
	assert.Equal(t, "$2b$10$x", cred.PasswordHash, "configured hash is used as is")
}

func TestAccessLogRecordsStatus(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := accessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/brew", nil))
	assert.Contains(t, buf.String(), `"status":418`)
	assert.Contains(t, buf.String(), `"path":"/brew"`)
}

func TestGatewayForwardsOnlyJudgedPath(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/private/*", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "private")
	})
	r.Get("/public", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "public raw=%s", r.URL.EscapedPath())
	})
	upstream := httptest.NewServer(r)
	defer upstream.Close()

	cfg := testConfig(t, upstream.URL)
	cfg.PublicPaths = []string{"/public"}
	gw, err := newGateway(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	defer gw.Close()
	srv := httptest.NewServer(gw.handler)
	defer srv.Close()
	client := noRedirect()

	resp, _ := get(t, client, srv.URL+"/private/x")
	assert.Equal(t, http.StatusSeeOther, resp.StatusCode)

	for _, p := range []string{"/private/..%2Fpublic", "/private/x/../../public"} {
		resp, body := get(t, client, srv.URL+p)
		assert.Equal(t, http.StatusOK, resp.StatusCode, p)
		assert.Equal(t, "public raw=/public", body, p)
	}

	resp, body := get(t, client, srv.URL+"/private/..%2F_gate%2Fhealth")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.NotContains(t, body, "private")
}

// newEchoUpstream upgrades websocket requests and echoes lines back, prefixed
// with the forwarded user and whether the session cookie leaked through.
func newEchoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			fmt.Fprint(w, "plain")
			return
		}
		_, cookieErr := r.Cookie(api.SessionCookieName)
		prefix := fmt.Sprintf("%s leaked=%t:", r.Header.Get("X-Forwarded-User"), cookieErr == nil)
		conn, rw, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		rw.WriteString("HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n\r\n")
		rw.Flush()
		for {
			line, err := rw.ReadString('\n')
			if err != nil {
				return
			}
			rw.WriteString(prefix + line)
			rw.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func upgradeRequest(t *testing.T, addr, path, cookie string) (*http.Response, net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := "GET " + path + " HTTP/1.1\r\nHost: " + addr + "\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"
	if cookie != "" {
		req += "Cookie: " + cookie + "\r\n"
	}
	_, err = io.WriteString(conn, req+"\r\n")
	require.NoError(t, err)
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return resp, conn, br
}

func TestGatewayUpgrade(t *testing.T) {
	upstream := newEchoUpstream(t)
	gw, err := newGateway(context.Background(), testConfig(t, upstream.URL), quietLogger())
	require.NoError(t, err)
	defer gw.Close()
	srv := httptest.NewServer(gw.handler)
	defer srv.Close()
	addr := srv.Listener.Addr().String()

	t.Run("Anonymous", func(t *testing.T) {
		resp, _, _ := upgradeRequest(t, addr, "/socket", "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Authenticated", func(t *testing.T) {
		token, _ := gw.sessions.Create(session.Session{Username: "admin", PasswordVerified: true, Authenticated: true})
		resp, conn, br := upgradeRequest(t, addr, "/socket", api.SessionCookieName+"="+token+"; app=1")
		require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

		_, err := io.WriteString(conn, "hello\n")
		require.NoError(t, err)
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "admin leaked=false:hello\n", line)
	})
}
