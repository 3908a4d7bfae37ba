package commands

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/auth"
	"github.com/wolfeidau/ssoportal/internal/client"
	portalhttp "github.com/wolfeidau/ssoportal/internal/http"
	"github.com/wolfeidau/ssoportal/internal/logger"
	"github.com/wolfeidau/ssoportal/internal/login"
	"github.com/wolfeidau/ssoportal/internal/logout"
	"github.com/wolfeidau/ssoportal/internal/portal"
	"github.com/wolfeidau/ssoportal/internal/telemetry"
	"github.com/wolfeidau/ssoportal/internal/website"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type PortalCmd struct {
	// Server configuration
	Listen         string   `help:"HTTP server listen address" default:"0.0.0.0:5000" env:"PORTAL_LISTEN"`
	Cert           string   `help:"path to TLS cert file, serves plain HTTP when empty" default:"" env:"PORTAL_TLS_CERT"`
	Key            string   `help:"path to TLS key file" default:"" env:"PORTAL_TLS_KEY"`
	BaseURL        string   `help:"external URL of this portal" default:"http://localhost:5000" env:"PORTAL_BASE_URL"`
	TrustedProxies []string `help:"proxy addresses or CIDR ranges whose forwarding headers are trusted" env:"PORTAL_TRUSTED_PROXIES"`

	// Portal identity
	Type        string `help:"portal type" default:"internal" enum:"internal,external,admin" env:"PORTAL_TYPE"`
	CatalogFile string `help:"YAML file overriding portal names, icons and asset roots" default:"" env:"PORTAL_CATALOG_FILE"`
	StaticDir   string `help:"directory holding per portal asset roots (admin-dashboard, static) served at /static instead of the built in assets" default:"" env:"PORTAL_STATIC_DIR"`

	// Identity provider
	OIDC OIDCFlags `embed:"" prefix:"oidc-"`

	// Sessions and logout markers
	SessionSecret   string        `help:"secret for signing session cookies, at least 32 bytes" default:"" env:"PORTAL_SESSION_SECRET"`
	SessionStore    string        `help:"session store" default:"redis" enum:"memory,redis,postgres" env:"PORTAL_SESSION_STORE"`
	MarkerStore     string        `help:"logout marker store" default:"redis" enum:"memory,redis,postgres" env:"PORTAL_MARKER_STORE"`
	MarkerTTL       time.Duration `help:"lifetime of logout markers" default:"1h" env:"PORTAL_MARKER_TTL"`
	StoreFailure    string        `help:"what protected routes do when markers cannot be read (closed or open)" default:"closed" enum:"closed,open" env:"PORTAL_STORE_FAILURE_POLICY"`
	TokenPolicy     string        `help:"back-channel logout tokens that fail verification (warn or reject)" default:"warn" enum:"warn,reject" env:"PORTAL_LOGOUT_TOKEN_POLICY"`
	BroadcastPolicy string        `help:"who a back-channel logout invalidates (all or subject)" default:"all" enum:"all,subject" env:"PORTAL_LOGOUT_BROADCAST_POLICY"`
	StartupTimeout  time.Duration `help:"how long to wait for stores and the identity provider at startup" default:"30s" env:"PORTAL_STARTUP_TIMEOUT"`

	Redis    RedisStoreFlags    `embed:"" prefix:"redis-"`
	Postgres PostgresStoreFlags `embed:"" prefix:"postgres-"`

	// Development and operational modes
	Development      bool    `help:"development mode - plain HTTP cookies, generated session secret, memory stores allowed" default:"false" env:"PORTAL_DEVELOPMENT"`
	Tracing          bool    `help:"enable tracing" default:"false" env:"PORTAL_TRACING"`
	TraceSampleRatio float64 `help:"fraction of traces sampled" default:"1.0" env:"PORTAL_TRACE_SAMPLE_RATIO"`
}

type OIDCFlags struct {
	ServerURL    string `help:"identity provider base URL" default:"" env:"PORTAL_OIDC_SERVER_URL"`
	Realm        string `help:"identity provider realm" default:"" env:"PORTAL_OIDC_REALM"`
	ClientID     string `help:"OIDC client ID" default:"" env:"PORTAL_OIDC_CLIENT_ID"`
	ClientSecret string `help:"OIDC client secret, empty for public clients" default:"" env:"PORTAL_OIDC_CLIENT_SECRET"`

	VerifyLogoutTokens bool          `help:"verify back-channel logout token signatures against the realm JWKS" default:"true" negatable:"" env:"PORTAL_OIDC_VERIFY_LOGOUT_TOKENS"`
	JWKSCacheTTL       time.Duration `help:"how long signing keys are cached" default:"1h" env:"PORTAL_OIDC_JWKS_CACHE_TTL"`
	CacheDir           string        `help:"persist discovery and JWKS responses in this directory" default:"" env:"PORTAL_OIDC_CACHE_DIR"`
}

func (o *OIDCFlags) configured() bool {
	return o.ServerURL != "" && o.Realm != "" && o.ClientID != ""
}

func (c *PortalCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Str("type", c.Type).Msg("Starting portal")

	gatePolicy, err := auth.ParseStoreFailurePolicy(c.StoreFailure)
	if err != nil {
		return err
	}
	tokenPolicy, err := logout.ParseTokenPolicy(c.TokenPolicy)
	if err != nil {
		return err
	}
	broadcastPolicy, err := logout.ParseBroadcastPolicy(c.BroadcastPolicy)
	if err != nil {
		return err
	}

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, telemetry.Config{
			ServiceName: "ssoportal",
			Version:     globals.Version,
			SampleRatio: c.TraceSampleRatio,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutdownCtx); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown telemetry")
				}
			}()
		}
	}

	p, err := c.resolvePortal()
	if err != nil {
		return err
	}

	opener := &storeOpener{
		redis:       c.Redis,
		postgres:    c.Postgres,
		development: c.Development,
		retryFor:    c.StartupTimeout,
	}
	backends, err := opener.open(ctx, c.MarkerStore, c.SessionStore)
	if err != nil {
		return err
	}
	defer backends.Close()

	secret, err := c.sessionSecret()
	if err != nil {
		return err
	}
	var sessionOpts []login.SessionOption
	if c.Development {
		sessionOpts = append(sessionOpts, login.WithInsecureCookies())
	}
	sessions, err := login.NewSessionManager(backends.sessions, secret, sessionOpts...)
	if err != nil {
		return err
	}

	provider, verifier, err := c.identityProvider(ctx)
	if err != nil {
		return err
	}
	if verifier == nil && tokenPolicy == logout.TokenPolicyReject {
		log.Warn().Msg("Logout token policy is reject but no verifier is configured, every back-channel logout will be refused")
	}

	gate := auth.NewGate(backends.markers, auth.GateConfig{
		MarkerTTL:          c.MarkerTTL,
		StoreFailurePolicy: gatePolicy,
		Unavailable:        website.UnavailablePage(p),
	})
	coordinator := logout.NewCoordinator(backends.markers, logout.Config{
		MarkerTTL:       c.MarkerTTL,
		TokenPolicy:     tokenPolicy,
		BroadcastPolicy: broadcastPolicy,
		Verifier:        verifier,
	})

	var idp website.IdentityProvider
	if provider != nil {
		idp = provider
	}
	site := website.New(website.Config{
		Portal:        p,
		BaseURL:       c.BaseURL,
		StaticDir:     c.StaticDir,
		SecureCookies: !c.Development,
		Pingers:       backends.pingers,
	}, sessions, idp, coordinator, gate)

	resolver, err := portalhttp.NewClientIPResolver(c.TrustedProxies)
	if err != nil {
		return err
	}

	handler := logger.HTTPRequests(log)(site.Handler())
	handler = resolver.Middleware()(handler)
	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "portal")
	}

	log.Info().
		Str("portal", p.Name).
		Str("gate_store_failure", string(gatePolicy)).
		Str("logout_token_policy", string(tokenPolicy)).
		Str("logout_broadcast", string(broadcastPolicy)).
		Dur("marker_ttl", c.MarkerTTL).
		Bool("verify_logout_tokens", verifier != nil).
		Msg("Portal configured")

	return c.serve(ctx, configureHTTPServer(c.Listen, handler))
}

func (c *PortalCmd) resolvePortal() (portal.Portal, error) {
	kind := portal.Kind(c.Type)
	if c.CatalogFile == "" {
		return portal.Resolve(kind), nil
	}

	catalog, err := portal.LoadCatalog(c.CatalogFile)
	if err != nil {
		return portal.Portal{}, err
	}
	return catalog.Resolve(kind), nil
}

func (c *PortalCmd) sessionSecret() ([]byte, error) {
	if c.SessionSecret != "" {
		return []byte(c.SessionSecret), nil
	}
	if !c.Development {
		return nil, errors.New("session secret is required (--session-secret or PORTAL_SESSION_SECRET)")
	}

	zlog.Warn().Msg("No session secret configured, generated one; sessions will not survive a restart")
	return []byte(rand.Text() + rand.Text()), nil
}

// identityProvider discovers the realm and, when enabled, builds the logout
// token verifier from its JWKS. Both are nil when OIDC is not configured.
func (c *PortalCmd) identityProvider(ctx context.Context) (*login.OIDCProvider, auth.LogoutTokenVerifier, error) {
	if !c.OIDC.configured() {
		zlog.Warn().Msg("OIDC client not configured, login is disabled")
		return nil, nil, nil
	}

	cfg := client.DefaultConfig()
	cfg.CacheDir = c.OIDC.CacheDir
	httpClient := client.NewCachingHTTPClient(cfg)

	provider, err := connectWithRetry(ctx, "identity provider", c.StartupTimeout, func() (*login.OIDCProvider, error) {
		return login.NewOIDCProvider(ctx, login.OIDCConfig{
			ServerURL:    c.OIDC.ServerURL,
			Realm:        c.OIDC.Realm,
			ClientID:     c.OIDC.ClientID,
			ClientSecret: c.OIDC.ClientSecret,
			RedirectURL:  c.BaseURL + "/admin/callback",
			HTTPClient:   httpClient,
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	zlog.Info().Str("issuer", provider.Issuer()).Msg("OIDC provider initialized")

	if !c.OIDC.VerifyLogoutTokens {
		return provider, nil, nil
	}

	keys := auth.NewKeyCache(provider.JWKSURL(), httpClient, c.OIDC.JWKSCacheTTL)
	verifier := auth.NewJWTLogoutTokenVerifier(keys, provider.Issuer(), provider.ClientID(), time.Minute)
	return provider, verifier, nil
}

func (c *PortalCmd) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if c.Cert != "" && c.Key != "" {
			zlog.Info().Str("addr", c.Listen).Msg("Starting HTTPS server")
			errCh <- srv.ListenAndServeTLS(c.Cert, c.Key)
			return
		}
		zlog.Info().Str("addr", c.Listen).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	zlog.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
