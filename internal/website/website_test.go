package website

import (
	"context"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/ssoportal/internal/auth"
	"github.com/wolfeidau/ssoportal/internal/login"
	"github.com/wolfeidau/ssoportal/internal/login/logintest"
	"github.com/wolfeidau/ssoportal/internal/logout"
	"github.com/wolfeidau/ssoportal/internal/models"
	"github.com/wolfeidau/ssoportal/internal/portal"
	"github.com/wolfeidau/ssoportal/internal/store"
	"github.com/wolfeidau/ssoportal/internal/store/memory"
)

const baseURL = "https://portal.example.com"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// flakyStore fails every call while down is set.
type flakyStore struct {
	store.InvalidationStore
	down atomic.Bool
}

func (s *flakyStore) Mark(ctx context.Context, subject string, ttl time.Duration) error {
	if s.down.Load() {
		return fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	}
	return s.InvalidationStore.Mark(ctx, subject, ttl)
}

func (s *flakyStore) Lookup(ctx context.Context, subject string) (models.MarkerMatch, error) {
	if s.down.Load() {
		return models.MatchNone, fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	}
	return s.InvalidationStore.Lookup(ctx, subject)
}

func (s *flakyStore) Clear(ctx context.Context, subject string) error {
	if s.down.Load() {
		return fmt.Errorf("%w: connection refused", store.ErrStoreUnavailable)
	}
	return s.InvalidationStore.Clear(ctx, subject)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type harness struct {
	idp      *logintest.Provider
	clock    *fakeClock
	markers  *flakyStore
	sessions *memory.SessionStore
	handler  http.Handler
}

type harnessOptions struct {
	kind      portal.Kind
	logout    logout.Config
	pingers   []store.Pinger
	staticDir string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.kind == "" {
		opts.kind = portal.KindAdmin
	}

	idp := logintest.NewProvider(t)
	provider, err := login.NewOIDCProvider(context.Background(), login.OIDCConfig{
		ServerURL:   idp.Server.URL,
		Realm:       logintest.Realm,
		ClientID:    logintest.ClientID,
		RedirectURL: baseURL + "/admin/callback",
		HTTPClient:  idp.Server.Client(),
	})
	require.NoError(t, err)

	clock := &fakeClock{now: time.Now()}
	markers := &flakyStore{InvalidationStore: memory.NewInvalidationStore(memory.WithClock(clock.Now))}
	sessionStore := memory.NewSessionStore()

	sessions, err := login.NewSessionManager(sessionStore, []byte("website-test-secret-at-least-32-bytes"), login.WithInsecureCookies())
	require.NoError(t, err)

	opts.logout.MarkerTTL = time.Hour
	if opts.logout.Verifier == nil {
		keys := auth.NewKeyCache(provider.JWKSURL(), idp.Server.Client(), time.Hour)
		opts.logout.Verifier = auth.NewJWTLogoutTokenVerifier(keys, provider.Issuer(), logintest.ClientID, time.Minute)
	}

	p := portal.Resolve(opts.kind)
	gate := auth.NewGate(markers, auth.GateConfig{MarkerTTL: time.Hour, Unavailable: UnavailablePage(p)})
	coordinator := logout.NewCoordinator(markers, opts.logout)

	srv := New(Config{Portal: p, BaseURL: baseURL, StaticDir: opts.staticDir, Pingers: opts.pingers}, sessions, provider, coordinator, gate)

	return &harness{
		idp:      idp,
		clock:    clock,
		markers:  markers,
		sessions: sessionStore,
		handler:  srv.Handler(),
	}
}

func (h *harness) do(req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return h.do(httptest.NewRequest(http.MethodGet, path, nil), cookies...)
}

func (h *harness) postLogout(path string, form url.Values, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return h.do(req, cookies...)
}

// login runs the full authorization code flow and returns the session cookie.
func (h *harness) login(t *testing.T, sub string, roles ...string) *http.Cookie {
	t.Helper()
	return h.loginFrom(t, nil, sub, roles...)
}

// loginFrom runs the login flow from a browser that may already hold a session.
func (h *harness) loginFrom(t *testing.T, existing *http.Cookie, sub string, roles ...string) *http.Cookie {
	t.Helper()

	rec := h.get("/admin/auth")
	require.Equal(t, http.StatusFound, rec.Code)

	authURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	code := rand.Text()
	h.idp.Authorize(code, logintest.Grant{
		Nonce:  authURL.Query().Get("nonce"),
		Claims: logintest.UserClaims(sub, sub, roles...),
	})

	callback := fmt.Sprintf("/admin/callback?code=%s&state=%s", code, authURL.Query().Get("state"))
	cookies := rec.Result().Cookies()
	if existing != nil {
		cookies = append(cookies, existing)
	}
	rec = h.get(callback, cookies...)
	require.Equal(t, http.StatusFound, rec.Code, rec.Body.String())
	require.Equal(t, dashboardPath, rec.Header().Get("Location"))

	c := findCookie(rec, login.SessionCookieName)
	require.NotNil(t, c, "session cookie not set")
	return c
}

func (h *harness) match(t *testing.T, subject string) models.MarkerMatch {
	t.Helper()
	m, err := h.markers.InvalidationStore.Lookup(context.Background(), subject)
	require.NoError(t, err)
	return m
}

func findCookie(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func requireRedirect(t *testing.T, rec *httptest.ResponseRecorder, location string) {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	require.Equal(t, location, rec.Header().Get("Location"))
}

func requireSessionCleared(t *testing.T, rec *httptest.ResponseRecorder) {
	t.Helper()
	c := findCookie(rec, login.SessionCookieName)
	require.NotNil(t, c)
	require.Negative(t, c.MaxAge)
}

func TestLoginFlow(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.get(loginPath)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Sign in with SSO")
	require.Contains(t, rec.Body.String(), "Admin Dashboard")

	cookie := h.login(t, "alice", "admin")
	require.Equal(t, 1, h.sessions.Len())

	rec = h.get(dashboardPath, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "alice")
	require.Contains(t, rec.Body.String(), "Pending approvals")
	require.Contains(t, rec.Body.String(), "Digital Transformation Phase 2")

	// a live session skips the login page
	requireRedirect(t, h.get(loginPath, cookie), dashboardPath)
}

func TestDashboard_withoutApprovalRole(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cookie := h.login(t, "bob", "viewer")

	rec := h.get(dashboardPath, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "You do not have approval rights")
	require.NotContains(t, rec.Body.String(), "Digital Transformation Phase 2")
}

func TestDashboard_withoutSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	requireRedirect(t, h.get(dashboardPath), loginPath)

	forged := &http.Cookie{Name: login.SessionCookieName, Value: "forged.value"}
	rec := h.get(dashboardPath, forged)
	requireRedirect(t, rec, loginPath)
	requireSessionCleared(t, rec)
}

func TestBackChannelLogout_withoutSession(t *testing.T) {
	for _, path := range []string{"/logout", "/logout.html"} {
		t.Run(path, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})

			rec := h.postLogout(path, url.Values{"logout_token": {"not-a-jwt"}})
			require.Equal(t, http.StatusOK, rec.Code)
			require.Equal(t, "Logout acknowledged", rec.Body.String())
			require.Empty(t, rec.Header().Get("Location"))

			require.Equal(t, models.MatchWildcard, h.match(t, "alice"))
			require.Equal(t, models.MatchWildcard, h.match(t, "anyone"))
		})
	}
}

func TestBackChannelLogout_invalidatesExistingSessions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cookie := h.login(t, "alice", "admin")

	rec := h.postLogout("/logout", url.Values{"logout_token": {h.idp.LogoutToken(t, "alice")}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.get(dashboardPath, cookie)
	requireRedirect(t, rec, loginPath)
	requireSessionCleared(t, rec)
	require.Zero(t, h.sessions.Len())
}

func TestBackChannelLogout_withSessionMarksLocalUser(t *testing.T) {
	h := newHarness(t, harnessOptions{logout: logout.Config{BroadcastPolicy: logout.BroadcastSubject}})
	cookie := h.login(t, "alice", "admin")

	rec := h.postLogout("/logout", url.Values{"logout_token": {h.idp.LogoutToken(t, "bob")}}, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
	requireSessionCleared(t, rec)

	require.Equal(t, models.MatchSubject, h.match(t, "bob"))
	require.Equal(t, models.MatchSubject, h.match(t, "alice"))
	require.Equal(t, models.MatchNone, h.match(t, "carol"))
}

func TestBackChannelLogout_rejectPolicy(t *testing.T) {
	h := newHarness(t, harnessOptions{logout: logout.Config{TokenPolicy: logout.TokenPolicyReject}})

	rec := h.postLogout("/logout", url.Values{"logout_token": {"not-a-jwt"}})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, models.MatchNone, h.match(t, "alice"))

	rec = h.postLogout("/logout", url.Values{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.postLogout("/logout", url.Values{"logout_token": {h.idp.LogoutToken(t, "alice")}})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, models.MatchWildcard, h.match(t, "alice"))
}

func TestBackChannelLogout_storeFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.markers.down.Store(true)

	rec := h.postLogout("/logout", url.Values{"logout_token": {"not-a-jwt"}})
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBackChannelLogout_rejectsCrossSiteBrowserPost(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	req := httptest.NewRequest(http.MethodPost, "/logout", strings.NewReader("logout_token=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Sec-Fetch-Site", "cross-site")

	rec := h.do(req)
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, models.MatchNone, h.match(t, "alice"))
}

func TestFrontChannelLogout(t *testing.T) {
	for _, path := range []string{"/logout", "/logout.html"} {
		t.Run(path, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			cookie := h.login(t, "alice", "admin")

			rec := h.get(path, cookie)
			requireRedirect(t, rec, loginPath)
			requireSessionCleared(t, rec)

			require.Equal(t, models.MatchSubject, h.match(t, "alice"))
			require.Equal(t, models.MatchNone, h.match(t, "bob"))
			require.Zero(t, h.sessions.Len())

			requireRedirect(t, h.get(dashboardPath, cookie), loginPath)
		})
	}
}

func TestFrontChannelLogout_otherSessionsOfUser(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	laptop := h.login(t, "alice", "admin")
	phone := h.login(t, "alice", "admin")

	requireRedirect(t, h.get("/logout", laptop), loginPath)

	// the phone's record survives but the marker refuses it
	require.Equal(t, 1, h.sessions.Len())
	rec := h.get(dashboardPath, phone)
	requireRedirect(t, rec, loginPath)
	requireSessionCleared(t, rec)
	require.Zero(t, h.sessions.Len())
}

func TestFrontChannelLogout_storeFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cookie := h.login(t, "alice", "admin")
	h.markers.down.Store(true)

	rec := h.get("/logout", cookie)
	requireRedirect(t, rec, loginPath)
	requireSessionCleared(t, rec)
	require.Zero(t, h.sessions.Len())
}

func TestFrontChannelLogout_nonAdminPortal(t *testing.T) {
	h := newHarness(t, harnessOptions{kind: portal.KindInternal})

	rec := h.get("/logout")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Logged out. Please login again.", rec.Body.String())
}

func TestLoginClearsMarkers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	require.NoError(t, h.markers.Mark(ctx, models.WildcardSubject, time.Hour))
	require.NoError(t, h.markers.Mark(ctx, "alice", time.Hour))

	cookie := h.login(t, "alice", "admin")

	require.Equal(t, models.MatchNone, h.match(t, "alice"))
	require.Equal(t, models.MatchNone, h.match(t, "bob"))

	rec := h.get(dashboardPath, cookie)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWildcardNarrowedToSubject(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first := h.login(t, "alice", "admin")
	second := h.login(t, "alice", "admin")

	require.NoError(t, h.markers.Mark(ctx, models.WildcardSubject, 30*time.Minute))

	rec := h.get(dashboardPath, first)
	requireRedirect(t, rec, loginPath)
	requireSessionCleared(t, rec)
	require.Equal(t, models.MatchSubject, h.match(t, "alice"))

	// the wildcard expires but the concrete marker still holds
	h.clock.Advance(45 * time.Minute)
	require.Equal(t, models.MatchNone, h.match(t, "bob"))

	requireRedirect(t, h.get(dashboardPath, second), loginPath)
	requireRedirect(t, h.get(dashboardPath, first), loginPath)
}

func TestDashboard_storeUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cookie := h.login(t, "alice", "admin")
	h.markers.down.Store(true)

	rec := h.get(dashboardPath, cookie)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "Service temporarily unavailable")
	require.Nil(t, findCookie(rec, login.SessionCookieName))
	require.Equal(t, 1, h.sessions.Len())

	rec = h.get(loginPath, cookie)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestCallback_storeUnavailable(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.get("/admin/auth")
	authURL, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)

	h.idp.Authorize("code-1", logintest.Grant{
		Nonce:  authURL.Query().Get("nonce"),
		Claims: logintest.UserClaims("alice", "alice", "admin"),
	})
	h.markers.down.Store(true)

	rec = h.get("/admin/callback?code=code-1&state="+authURL.Query().Get("state"), rec.Result().Cookies()...)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Nil(t, findCookie(rec, login.SessionCookieName))
	require.Zero(t, h.sessions.Len())
}

func TestCallback_errors(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	start := func(t *testing.T) (*url.URL, []*http.Cookie) {
		rec := h.get("/admin/auth")
		authURL, err := url.Parse(rec.Header().Get("Location"))
		require.NoError(t, err)
		return authURL, rec.Result().Cookies()
	}

	t.Run("identity provider error", func(t *testing.T) {
		authURL, cookies := start(t)
		rec := h.get("/admin/callback?error=access_denied&error_description=User+cancelled&state="+authURL.Query().Get("state"), cookies...)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Authentication failed: User cancelled")
	})

	t.Run("state mismatch", func(t *testing.T) {
		_, cookies := start(t)
		rec := h.get("/admin/callback?code=x&state=wrong", cookies...)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Authentication failed:")
	})

	t.Run("unknown code", func(t *testing.T) {
		authURL, cookies := start(t)
		rec := h.get("/admin/callback?code=unknown&state="+authURL.Query().Get("state"), cookies...)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Authentication failed:")
	})

	t.Run("missing subject", func(t *testing.T) {
		authURL, cookies := start(t)
		claims := logintest.UserClaims("", "ghost")
		delete(claims, "sub")
		h.idp.Authorize("no-sub", logintest.Grant{Nonce: authURL.Query().Get("nonce"), Claims: claims})

		rec := h.get("/admin/callback?code=no-sub&state="+authURL.Query().Get("state"), cookies...)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "Authentication failed - no user information received")
	})

	require.Zero(t, h.sessions.Len())
}

func TestAdminLogout(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	cookie := h.login(t, "alice", "admin")

	rec := h.get("/admin/logout", cookie)
	require.Equal(t, http.StatusFound, rec.Code)
	requireSessionCleared(t, rec)
	require.Equal(t, models.MatchSubject, h.match(t, "alice"))

	endSession, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, h.idp.Issuer()+"/protocol/openid-connect/logout", endSession.Scheme+"://"+endSession.Host+endSession.Path)
	require.Equal(t, baseURL+loginPath, endSession.Query().Get("post_logout_redirect_uri"))
	require.NotEmpty(t, endSession.Query().Get("id_token_hint"))
}

func TestNonAdminPortal(t *testing.T) {
	h := newHarness(t, harnessOptions{kind: portal.KindExternal})

	for _, path := range []string{loginPath, "/admin/auth", "/admin/callback", "/admin/logout", dashboardPath} {
		rec := h.get(path)
		require.Equal(t, http.StatusNotFound, rec.Code, path)
		require.Contains(t, rec.Body.String(), "Not available on this portal")
	}

	rec := h.get("/")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "Default Portal")
}

func TestHealthz(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	h := newHarness(t, harnessOptions{pingers: []store.Pinger{pingFunc(func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return store.ErrStoreUnavailable
	})}})

	rec := h.get("/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())

	healthy.Store(false)
	require.Equal(t, http.StatusServiceUnavailable, h.get("/healthz").Code)
}

func TestStaticAssets(t *testing.T) {
	t.Run("built in assets follow the portal asset root", func(t *testing.T) {
		admin := newHarness(t, harnessOptions{kind: portal.KindAdmin}).get("/static/portal.css")
		require.Equal(t, http.StatusOK, admin.Code)
		require.Contains(t, admin.Body.String(), ".admin-approvals")

		internal := newHarness(t, harnessOptions{kind: portal.KindInternal}).get("/static/portal.css")
		require.Equal(t, http.StatusOK, internal.Code)
		require.Contains(t, internal.Body.String(), ".portal-header")
		require.NotContains(t, internal.Body.String(), ".admin-approvals")
	})

	t.Run("static dir is split by asset root", func(t *testing.T) {
		dir := t.TempDir()
		for root, body := range map[string]string{
			"admin-dashboard": "/* admin */",
			"static":          "/* default */",
		} {
			require.NoError(t, os.MkdirAll(filepath.Join(dir, root), 0o755))
			require.NoError(t, os.WriteFile(filepath.Join(dir, root, "app.css"), []byte(body), 0o600))
		}

		tests := []struct {
			kind portal.Kind
			want string
		}{
			{kind: portal.KindAdmin, want: "/* admin */"},
			{kind: portal.KindInternal, want: "/* default */"},
			{kind: portal.KindExternal, want: "/* default */"},
		}
		for _, tt := range tests {
			t.Run(string(tt.kind), func(t *testing.T) {
				h := newHarness(t, harnessOptions{kind: tt.kind, staticDir: dir})

				rec := h.get("/static/app.css")
				require.Equal(t, http.StatusOK, rec.Code)
				require.Equal(t, tt.want, rec.Body.String())
			})
		}
	})

	t.Run("unknown asset root falls back to the default assets", func(t *testing.T) {
		p := portal.Resolve(portal.KindInternal)
		p.AssetRoot = "missing"
		srv := New(Config{Portal: p}, nil, nil, nil, nil)

		rec := httptest.NewRecorder()
		srv.staticHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/portal.css", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		require.NotContains(t, rec.Body.String(), ".admin-approvals")
	})

	requireRedirect(t, newHarness(t, harnessOptions{}).get("/"), loginPath)
}

func TestLoginReplacesExistingSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	first := h.login(t, "alice", "admin")
	require.Equal(t, 1, h.sessions.Len())

	second := h.loginFrom(t, first, "alice", "admin")
	require.NotEqual(t, first.Value, second.Value)
	require.Equal(t, 1, h.sessions.Len())

	requireRedirect(t, h.get(dashboardPath, first), loginPath)
	require.Equal(t, http.StatusOK, h.get(dashboardPath, second).Code)
}
