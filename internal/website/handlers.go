package website

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/auth"
	"github.com/wolfeidau/ssoportal/internal/login"
	"github.com/wolfeidau/ssoportal/internal/logout"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/portal"
	"github.com/wolfeidau/ssoportal/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type loginPage struct {
	Portal  portal.Portal
	Message string
}

type homePage struct {
	Portal portal.Portal
}

type dashboardStats struct {
	PendingApprovals int
	ActiveUsers      int
	ConnectedSystems int
	SystemUptime     string
}

type pendingItem struct {
	Type        string
	Description string
}

type dashboardPage struct {
	Portal       portal.Portal
	User         *models.Session
	IsAdmin      bool
	Stats        dashboardStats
	PendingItems []pendingItem
}

// approvalRoles may act on pending items.
var approvalRoles = []string{"admin", "approver"}

func (s *Server) home(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Portal.IsAdmin() {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}
	render(w, http.StatusOK, "home.html", homePage{Portal: s.cfg.Portal})
}

func (s *Server) loginPage(w http.ResponseWriter, r *http.Request) {
	sess, err := s.loadSession(w, r)
	if err != nil {
		log.Error().Err(err).Msg("Session store unavailable")
		s.unavailable.ServeHTTP(w, r)
		return
	}

	page := loginPage{Portal: s.cfg.Portal}

	switch s.gate.Evaluate(r.Context(), sess) {
	case auth.DecisionAllow:
		http.Redirect(w, r, dashboardPath, http.StatusFound)
		return
	case auth.DecisionUnavailable:
		s.unavailable.ServeHTTP(w, r)
		return
	case auth.DecisionClearAndRedirect:
		s.clearSession(w, r)
		page.Message = "Your session has ended. Please sign in again."
	default:
		if sess != nil {
			s.clearSession(w, r)
		}
	}

	render(w, http.StatusOK, "login.html", page)
}

func (s *Server) startAuth(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		renderError(w, s.cfg.Portal, http.StatusInternalServerError, "OIDC client not configured.")
		return
	}

	state, nonce := login.StartAuth(w, s.cfg.SecureCookies)
	http.Redirect(w, r, s.provider.AuthCodeURL(state, nonce), http.StatusFound)
}

func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		renderError(w, s.cfg.Portal, http.StatusInternalServerError, "OIDC client not configured.")
		return
	}

	nonce, err := login.FinishAuth(w, r, s.cfg.SecureCookies)
	if idpErr := r.FormValue("error"); idpErr != "" {
		msg := idpErr
		if desc := r.FormValue("error_description"); desc != "" {
			msg = desc
		}
		log.Warn().Str("error", idpErr).Msg("Identity provider returned an error")
		recordLoginFailure(r, "idp_error")
		renderError(w, s.cfg.Portal, http.StatusBadRequest, "Authentication failed: "+msg)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("Login callback rejected")
		recordLoginFailure(r, "state")
		renderError(w, s.cfg.Portal, http.StatusBadRequest, "Authentication failed: "+err.Error())
		return
	}

	identity, err := s.provider.Exchange(r.Context(), r.FormValue("code"), nonce)
	if err != nil {
		log.Warn().Err(err).Msg("Login exchange failed")
		recordLoginFailure(r, "exchange")
		if errors.Is(err, login.ErrMissingClaims) {
			renderError(w, s.cfg.Portal, http.StatusBadRequest, "Authentication failed - no user information received")
			return
		}
		renderError(w, s.cfg.Portal, http.StatusBadRequest, "Authentication failed: "+err.Error())
		return
	}

	// markers go before the session so a stale logout cannot reject it
	if err := s.coordinator.LoginCompleted(r.Context(), identity.Subject); err != nil {
		log.Error().Err(err).Str("user_id", identity.Subject).Msg("Failed to clear logout markers")
		recordLoginFailure(r, "markers")
		renderError(w, s.cfg.Portal, http.StatusServiceUnavailable, "Login could not be completed. Please try again shortly.")
		return
	}

	if err := s.sessions.Create(r.Context(), w, r, identity.Session()); err != nil {
		log.Error().Err(err).Str("user_id", identity.Subject).Msg("Failed to create session")
		recordLoginFailure(r, "session")
		renderError(w, s.cfg.Portal, http.StatusInternalServerError, "Login could not be completed. Please try again shortly.")
		return
	}

	log.Info().
		Str("user_id", identity.Subject).
		Str("username", identity.Username).
		Strs("roles", identity.Roles).
		Msg("User logged in")
	telemetry.GetMetrics().LoginsTotal.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("portal", string(s.cfg.Portal.Kind))))

	http.Redirect(w, r, dashboardPath, http.StatusFound)
}

func recordLoginFailure(r *http.Request, reason string) {
	telemetry.GetMetrics().LoginFailuresTotal.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *Server) dashboard(w http.ResponseWriter, r *http.Request) {
	sess := auth.SessionFromContext(r.Context())

	page := dashboardPage{
		Portal:  s.cfg.Portal,
		User:    sess,
		IsAdmin: sess.HasAnyRole(approvalRoles...),
		Stats: dashboardStats{
			PendingApprovals: 23,
			ActiveUsers:      156,
			ConnectedSystems: 8,
			SystemUptime:     "99.8%",
		},
		PendingItems: []pendingItem{
			{Type: "Leave Request", Description: "John Doe - Annual Leave (3 days)"},
			{Type: "Purchase Order", Description: "IT Equipment - ฿125,000"},
			{Type: "Vendor Registration", Description: "ABC Consulting Co."},
			{Type: "Project Budget", Description: "Digital Transformation Phase 2"},
		},
	}

	render(w, http.StatusOK, "dashboard.html", page)
}

// frontChannelLogout runs in the user's browser. Marker failures are logged;
// the local session is cleared regardless.
func (s *Server) frontChannelLogout(w http.ResponseWriter, r *http.Request) {
	s.logoutLocal(w, r)

	if s.cfg.Portal.IsAdmin() {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte("Logged out. Please login again."))
}

// adminLogout ends the local session and sends the browser to the identity
// provider so the SSO session ends too.
func (s *Server) adminLogout(w http.ResponseWriter, r *http.Request) {
	sess := s.logoutLocal(w, r)

	if s.provider == nil {
		http.Redirect(w, r, loginPath, http.StatusFound)
		return
	}

	var idTokenHint string
	if sess != nil {
		idTokenHint = sess.IDToken
	}

	postLogout := strings.TrimSuffix(s.cfg.BaseURL, "/") + loginPath
	http.Redirect(w, r, s.provider.EndSessionURL(postLogout, idTokenHint), http.StatusFound)
}

func (s *Server) logoutLocal(w http.ResponseWriter, r *http.Request) *models.Session {
	sess, err := s.sessions.Load(r)
	if err != nil {
		log.Warn().Err(err).Msg("Could not load session for logout")
		sess = nil
	}

	if err := s.coordinator.FrontChannel(r.Context(), sess); err != nil {
		log.Error().Err(err).Msg("Failed to record front-channel logout")
	}

	s.clearSession(w, r)
	return sess
}

// backChannelLogout is called server to server by the identity provider. It
// never redirects.
func (s *Server) backChannelLogout(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid request", http.StatusBadRequest)
		return
	}

	sess, err := s.sessions.Load(r)
	if err != nil {
		log.Debug().Err(err).Msg("Ignoring session on back-channel logout")
		sess = nil
	}

	_, err = s.coordinator.BackChannel(r.Context(), r.PostFormValue("logout_token"), sess)
	switch {
	case errors.Is(err, logout.ErrLogoutTokenRejected):
		http.Error(w, "Invalid logout token", http.StatusBadRequest)
		return
	case err != nil:
		log.Error().Err(err).Msg("Failed to record back-channel logout")
		http.Error(w, "Failed to record logout", http.StatusInternalServerError)
		return
	}

	if sess != nil {
		s.clearSession(w, r)
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write([]byte("Logout acknowledged"))
}
