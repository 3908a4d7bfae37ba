package website

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/portal"
)

//go:embed templates/*.html
var templateFS embed.FS

// assetFS holds one directory per portal asset root.
//
//go:embed assets
var assetFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

type errorPage struct {
	Portal portal.Portal
	Error  string
}

// render buffers the template so a failure never leaves a half written page.
func render(w http.ResponseWriter, status int, name string, data any) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Failed to render template")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = buf.WriteTo(w)
}

func renderError(w http.ResponseWriter, p portal.Portal, status int, msg string) {
	render(w, status, "error.html", errorPage{Portal: p, Error: msg})
}

// UnavailablePage renders the 503 page shown when logout state cannot be checked.
func UnavailablePage(p portal.Portal) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "5")
		renderError(w, p, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again shortly.")
	})
}
