// Package website serves the portal pages and the logout endpoints.
package website

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"path"
	"path/filepath"
	"time"

	"filippo.io/csrf"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/auth"
	"github.com/wolfeidau/ssoportal/internal/login"
	"github.com/wolfeidau/ssoportal/internal/logout"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/portal"
	"github.com/wolfeidau/ssoportal/internal/store"
)

const (
	loginPath     = "/admin/login"
	dashboardPath = "/admin/dashboard"

	defaultAssetRoot = "static"
)

// Sessions binds session records to browsers.
type Sessions interface {
	auth.SessionTransport
	Create(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *models.Session) error
}

// IdentityProvider is the relying party side of the OIDC login.
type IdentityProvider interface {
	AuthCodeURL(state, nonce string) string
	Exchange(ctx context.Context, code, nonce string) (*login.Identity, error)
	EndSessionURL(postLogoutRedirect, idTokenHint string) string
}

// Config holds the website settings.
type Config struct {
	Portal portal.Portal

	// BaseURL is the external URL of the portal, used to build the post logout
	// redirect sent to the identity provider.
	BaseURL string

	// StaticDir holds one directory per asset root on disk, replacing the
	// built in assets. /static/ serves StaticDir/<AssetRoot>.
	StaticDir string

	// SecureCookies marks the login state cookies Secure.
	SecureCookies bool

	// Pingers are checked by /healthz.
	Pingers []store.Pinger
}

// Server holds the portal handlers.
type Server struct {
	cfg         Config
	sessions    Sessions
	provider    IdentityProvider
	coordinator *logout.Coordinator
	gate        *auth.Gate
	unavailable http.Handler
}

// New creates the website. provider may be nil, in which case login answers
// with a configuration error page.
func New(cfg Config, sessions Sessions, provider IdentityProvider, coordinator *logout.Coordinator, gate *auth.Gate) *Server {
	return &Server{
		cfg:         cfg,
		sessions:    sessions,
		provider:    provider,
		coordinator: coordinator,
		gate:        gate,
		unavailable: UnavailablePage(cfg.Portal),
	}
}

// Handler returns the routed, CSRF protected handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.home)
	mux.HandleFunc("GET /healthz", s.healthz)
	mux.Handle("GET /static/", http.StripPrefix("/static/", s.staticHandler()))

	mux.Handle("GET "+loginPath, s.adminOnly(http.HandlerFunc(s.loginPage)))
	mux.Handle("GET /admin/auth", s.adminOnly(http.HandlerFunc(s.startAuth)))
	mux.Handle("GET /admin/callback", s.adminOnly(http.HandlerFunc(s.callback)))
	mux.Handle("GET /admin/logout", s.adminOnly(http.HandlerFunc(s.adminLogout)))
	mux.Handle("GET "+dashboardPath, s.adminOnly(
		s.gate.RequireSession(s.sessions, loginPath)(http.HandlerFunc(s.dashboard)),
	))

	for _, path := range []string{"/logout", "/logout.html"} {
		mux.HandleFunc("GET "+path, s.frontChannelLogout)
		mux.HandleFunc("POST "+path, s.backChannelLogout)
	}

	return csrf.New().Handler(mux)
}

// adminOnly hides admin routes on every other portal kind.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Portal.IsAdmin() {
			http.Error(w, "Not available on this portal", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// staticHandler serves /static/ from the portal's asset root, either below
// StaticDir or from the built in assets. Roots with no built in assets fall
// back to the default root.
func (s *Server) staticHandler() http.Handler {
	root := s.cfg.Portal.AssetRoot
	if root == "" {
		root = defaultAssetRoot
	}

	if s.cfg.StaticDir != "" {
		return http.FileServer(http.Dir(filepath.Join(s.cfg.StaticDir, root)))
	}

	dir := path.Join("assets", root)
	if info, err := fs.Stat(assetFS, dir); err != nil || !info.IsDir() {
		log.Warn().Str("asset_root", root).Msg("No built in assets for asset root, using default")
		dir = path.Join("assets", defaultAssetRoot)
	}

	sub, err := fs.Sub(assetFS, dir)
	if err != nil {
		panic(err)
	}
	return http.FileServerFS(sub)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, p := range s.cfg.Pingers {
		if err := p.Ping(ctx); err != nil {
			log.Warn().Err(err).Msg("Health check failed")
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// loadSession returns the browser's session, dropping cookies that no longer
// resolve to a record. Store outages are returned to the caller.
func (s *Server) loadSession(w http.ResponseWriter, r *http.Request) (*models.Session, error) {
	sess, err := s.sessions.Load(r)
	if err == nil {
		return sess, nil
	}
	if errors.Is(err, store.ErrStoreUnavailable) {
		return nil, err
	}

	log.Debug().Err(err).Msg("Discarding unusable session cookie")
	if err := s.sessions.Clear(w, r); err != nil {
		log.Warn().Err(err).Msg("Failed to clear session")
	}
	return nil, nil
}

func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Clear(w, r); err != nil {
		log.Warn().Err(err).Msg("Failed to clear session")
	}
}
