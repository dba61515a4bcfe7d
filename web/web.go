// Package web renders the gateway's own HTML pages: login, TOTP setup, code
// verification and sign-out.
package web

import (
	"bytes"
	"embed"
	"encoding/base64"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"time"
)

//go:embed templates/*.html
var templates embed.FS

//go:embed static/*
var static embed.FS

// Page is the data every template receives.
type Page struct {
	Title     string
	Prefix    string
	CSRFToken string
	Next      string
	Error     string
	Username  string

	// Setup page only.
	SetupID   string
	Secret    string
	QRCode    template.URL
	ExpiresAt time.Time
}

const (
	PageLogin     = "login"
	PageSetup     = "setup"
	PageVerify    = "verify"
	PageLoggedOut = "logged_out"
)

var pageTitles = map[string]string{
	PageLogin:     "Sign in",
	PageSetup:     "Set up two-step verification",
	PageVerify:    "Two-step verification",
	PageLoggedOut: "Signed out",
}

// Renderer holds one parsed template set per page.
type Renderer struct {
	pages map[string]*template.Template
}

func NewRenderer() (*Renderer, error) {
	r := &Renderer{pages: make(map[string]*template.Template)}
	for name := range pageTitles {
		t, err := template.ParseFS(templates, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render writes page name with status. The template is executed into a
// buffer first so a failure never produces a half-written page.
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, p Page) error {
	t, ok := r.pages[name]
	if !ok {
		return fmt.Errorf("unknown page %q", name)
	}
	if p.Title == "" {
		p.Title = pageTitles[name]
	}
	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", p); err != nil {
		return fmt.Errorf("rendering %s: %w", name, err)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, err := w.Write(buf.Bytes())
	return err
}

// PNGDataURI wraps a PNG for use as an <img> src.
func PNGDataURI(png []byte) template.URL {
	return template.URL("data:image/png;base64," + base64.StdEncoding.EncodeToString(png))
}

// StaticHandler serves the embedded stylesheet. Mount it with the request
// path stripped down to "/<file>".
func StaticHandler() (http.Handler, error) {
	fsys, err := fs.Sub(static, "static")
	if err != nil {
		return nil, fmt.Errorf("loading embedded web assets: %w", err)
	}
	return http.FileServer(http.FS(fsys)), nil
}
