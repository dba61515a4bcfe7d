package web

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPages(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)

	for name := range pageTitles {
		rec := httptest.NewRecorder()
		err := r.Render(rec, http.StatusOK, name, Page{
			Prefix:    "/_gate",
			CSRFToken: "csrf-123",
			Username:  "alice",
			SetupID:   "setup-1",
			Secret:    "JBSWY3DPEHPK3PXP",
			QRCode:    PNGDataURI([]byte{0x89, 'P', 'N', 'G'}),
			ExpiresAt: time.Now(),
		})
		require.NoError(t, err, name)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Contains(t, rec.Body.String(), pageTitles[name])
	}
}

func TestRenderEscapes(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, r.Render(rec, http.StatusUnauthorized, PageLogin, Page{
		Prefix: "/_gate",
		Next:   `"><script>alert(1)</script>`,
		Error:  "invalid credentials",
	}))
	body := rec.Body.String()
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Contains(t, body, "invalid credentials")
	assert.Contains(t, body, `name="csrf_token"`)
}

func TestSetupPageEmbedsQRCode(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	require.NoError(t, r.Render(rec, http.StatusOK, PageSetup, Page{
		Prefix:  "/_gate",
		SetupID: "setup-1",
		Secret:  "JBSWY3DPEHPK3PXP",
		QRCode:  PNGDataURI([]byte("png")),
	}))
	body := rec.Body.String()
	assert.Contains(t, body, `src="data:image/png;base64,cG5n"`)
	assert.Contains(t, body, `value="setup-1"`)
	assert.Contains(t, body, "JBSWY3DPEHPK3PXP")
}

func TestRenderUnknownPage(t *testing.T) {
	r, err := NewRenderer()
	require.NoError(t, err)
	assert.Error(t, r.Render(httptest.NewRecorder(), http.StatusOK, "nope", Page{}))
}

func TestStaticHandler(t *testing.T) {
	h, err := StaticHandler()
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/style.css", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/css"))
}
