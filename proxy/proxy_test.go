package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	mu   sync.Mutex
	seen []string
}

func (o *recordingObserver) ObserveUpstreamError(c string) {
	o.mu.Lock()
	o.seen = append(o.seen, c)
	o.mu.Unlock()
}

func TestForwardsRequest(t *testing.T) {
	var got *http.Request
	var body string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		http.SetCookie(w, &http.Cookie{Name: "app", Value: "1"})
		http.SetCookie(w, &http.Cookie{Name: "gatehouse_session", Value: "forged"})
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "hello")
	}))
	defer upstream.Close()

	f, err := New(upstream.URL+"/base",
		WithOwnCookies("gatehouse_session", "gatehouse_csrf"),
		WithUser(func(*http.Request) string { return "alice" }),
	)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/items?x=1", strings.NewReader("payload"))
	req.Header.Set("X-Forwarded-User", "mallory")
	req.Header.Set("X-Custom", "kept")
	req.AddCookie(&http.Cookie{Name: "gatehouse_session", Value: "secret-token"})
	req.AddCookie(&http.Cookie{Name: "app", Value: "v"})
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	setCookies := rec.Result().Cookies()
	require.Len(t, setCookies, 1)
	assert.Equal(t, "app", setCookies[0].Name)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/base/items", got.URL.Path)
	assert.Equal(t, "x=1", got.URL.RawQuery)
	assert.Equal(t, "payload", body)
	assert.Equal(t, "alice", got.Header.Get("X-Forwarded-User"))
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
	_, err = got.Cookie("gatehouse_session")
	assert.ErrorIs(t, err, http.ErrNoCookie)
	c, err := got.Cookie("app")
	require.NoError(t, err)
	assert.Equal(t, "v", c.Value)
}

func TestAnonymousUserHeaderStripped(t *testing.T) {
	var header string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header = r.Header.Get("X-Remote-User")
	}))
	defer upstream.Close()

	f, err := New(upstream.URL, WithUserHeader("X-Remote-User"))
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/public", nil)
	req.Header.Set("X-Remote-User", "admin")
	f.ServeHTTP(httptest.NewRecorder(), req)
	assert.Empty(t, header)
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	obs := &recordingObserver{}
	f, err := New("http://"+addr, WithObserver(obs))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, []string{"refused"}, obs.seen)
}

func TestUpstreamTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer upstream.Close()
	defer close(release)

	f, err := New(upstream.URL, WithTimeout(50*time.Millisecond))
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/slow", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestNewRejectsBadTarget(t *testing.T) {
	for _, target := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(target)
		assert.Error(t, err, target)
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	refused := &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}
	reset := &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}

	cases := []struct {
		err  error
		want Category
		code int
	}{
		{refused, Refused, http.StatusServiceUnavailable},
		{reset, Reset, http.StatusBadGateway},
		{fmt.Errorf("write: %w", syscall.EPIPE), Reset, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, Reset, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", io.EOF), Reset, http.StatusBadGateway},
		{context.DeadlineExceeded, Timeout, http.StatusGatewayTimeout},
		{timeoutErr{}, Timeout, http.StatusGatewayTimeout},
		{context.Canceled, Canceled, 0},
		{errors.New("tls: bad certificate"), Generic, http.StatusBadGateway},
	}
	for _, c := range cases {
		got := Classify(c.err)
		assert.Equal(t, c.want, got, "%v", c.err)
		assert.Equal(t, c.code, got.Status(), "%v", c.err)
	}
}

// echoUpgradeServer answers a websocket-style upgrade with 101 and then echoes
// each line back prefixed with "echo:". The upgrade request is sent on got.
func echoUpgradeServer(t *testing.T, got chan<- *http.Request) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			http.Error(w, "upgrade required", http.StatusUpgradeRequired)
			return
		}
		got <- r.Clone(context.Background())
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
			rw.WriteString("echo:" + line)
			rw.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// dialUpgrade sends a raw upgrade request for path to addr with the given
// extra header lines, and returns the response and the open connection.
func dialUpgrade(t *testing.T, addr, path string, headers ...string) (*http.Response, net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	req := "GET " + path + " HTTP/1.1\r\nHost: " + addr + "\r\nUpgrade: websocket\r\nConnection: Upgrade\r\n"
	for _, h := range headers {
		req += h + "\r\n"
	}
	_, err = io.WriteString(conn, req+"\r\n")
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	return resp, conn, br
}

func TestForwardsUpgrade(t *testing.T) {
	got := make(chan *http.Request, 1)
	upstream := echoUpgradeServer(t, got)

	f, err := New(upstream.URL,
		WithOwnCookies("gatehouse_session", "gatehouse_csrf"),
		WithUser(func(*http.Request) string { return "alice" }),
	)
	require.NoError(t, err)
	front := httptest.NewServer(f)
	defer front.Close()

	resp, conn, br := dialUpgrade(t, front.Listener.Addr().String(), "/ws",
		"Cookie: gatehouse_session=secret-token; app=v; gatehouse_csrf=c",
		"X-Forwarded-User: mallory",
	)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	assert.True(t, strings.EqualFold(resp.Header.Get("Upgrade"), "websocket"))

	_, err = io.WriteString(conn, "hello\n")
	require.NoError(t, err)
	line, err := br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:hello\n", line)

	_, err = io.WriteString(conn, "again\n")
	require.NoError(t, err)
	line, err = br.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "echo:again\n", line)

	var upReq *http.Request
	select {
	case upReq = <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream never saw the upgrade")
	}
	assert.Equal(t, "/ws", upReq.URL.Path)
	assert.Equal(t, "alice", upReq.Header.Get("X-Forwarded-User"))
	_, err = upReq.Cookie("gatehouse_session")
	assert.ErrorIs(t, err, http.ErrNoCookie)
	_, err = upReq.Cookie("gatehouse_csrf")
	assert.ErrorIs(t, err, http.ErrNoCookie)
	c, err := upReq.Cookie("app")
	require.NoError(t, err)
	assert.Equal(t, "v", c.Value)
}
