package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveDecision("forward")
	m.ObserveDecision("forward")
	m.ObserveAuthEvent("login_success")
	m.ObserveUpstreamError("refused")
	pending := 3
	m.RegisterPendingSetups(func() int { return pending })

	out := scrape(t, m)
	assert.Contains(t, out, `gatehouse_admission_decisions_total{decision="forward"} 2`)
	assert.Contains(t, out, `gatehouse_auth_events_total{event="login_success"} 1`)
	assert.Contains(t, out, `gatehouse_upstream_errors_total{category="refused"} 1`)
	assert.Contains(t, out, `gatehouse_pending_setups 3`)
}

func TestInstrumentHandler(t *testing.T) {
	m := New()
	h := m.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))

	out := scrape(t, m)
	assert.Contains(t, out, `gatehouse_request_duration_seconds_count{code="202",method="post"} 1`)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveDecision("forward")
	m.ObserveAuthEvent("x")
	m.ObserveUpstreamError("y")
	m.RegisterPendingSetups(func() int { return 0 })
	assert.Nil(t, m.Registry())

	inner := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
	assert.NotNil(t, m.InstrumentHandler(inner))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
