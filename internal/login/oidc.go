package login

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/ssoportal/internal/models"
	"golang.org/x/oauth2"
)

var (
	// ErrMissingClaims is returned when a verified ID token carries no subject.
	ErrMissingClaims = errors.New("identity token is missing required claims")
	// ErrExchangeFailed wraps protocol failures during the code exchange.
	ErrExchangeFailed = errors.New("authorization code exchange failed")
)

// OIDCConfig locates a Keycloak style realm and the portal's client registration.
type OIDCConfig struct {
	ServerURL    string
	Realm        string
	ClientID     string
	ClientSecret string // empty for public clients
	RedirectURL  string

	// HTTPClient is used for discovery, JWKS and token requests.
	HTTPClient *http.Client
}

// Issuer returns the realm issuer URL, "<server>/realms/<realm>".
func (c OIDCConfig) Issuer() string {
	return strings.TrimRight(c.ServerURL, "/") + "/realms/" + url.PathEscape(c.Realm)
}

// Identity is the verified identity produced by a successful login.
type Identity struct {
	Subject     string
	Username    string
	DisplayName string
	Email       string
	Roles       []string
	AccessToken string
	IDToken     string
}

// Session returns a session record for the identity. ID and lifetime are
// assigned when the record is created.
func (i *Identity) Session() *models.Session {
	return &models.Session{
		UserID:      i.Subject,
		Username:    i.Username,
		DisplayName: i.DisplayName,
		Email:       i.Email,
		Roles:       i.Roles,
		AccessToken: i.AccessToken,
		IDToken:     i.IDToken,
	}
}

// OIDCProvider is the portal's relying party for the identity provider.
type OIDCProvider struct {
	config        *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	httpClient    *http.Client
	issuer        string
	jwksURL       string
	endSessionURL string
}

// NewOIDCProvider runs discovery against the realm issuer.
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.ServerURL == "" || cfg.Realm == "" || cfg.ClientID == "" || cfg.RedirectURL == "" {
		return nil, fmt.Errorf("server URL, realm, client ID and redirect URL are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	issuer := cfg.Issuer()
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider %s: %w", issuer, err)
	}

	var meta struct {
		JWKSURI            string `json:"jwks_uri"`
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode provider metadata: %w", err)
	}
	if meta.EndSessionEndpoint == "" {
		meta.EndSessionEndpoint = issuer + "/protocol/openid-connect/logout"
	}

	log.Info().
		Str("issuer", issuer).
		Str("client_id", cfg.ClientID).
		Msg("OIDC provider discovered")

	return &OIDCProvider{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
		verifier:      provider.VerifierContext(oidc.ClientContext(context.Background(), httpClient), &oidc.Config{ClientID: cfg.ClientID}),
		httpClient:    httpClient,
		issuer:        issuer,
		jwksURL:       meta.JWKSURI,
		endSessionURL: meta.EndSessionEndpoint,
	}, nil
}

// Issuer returns the discovered issuer.
func (p *OIDCProvider) Issuer() string { return p.issuer }

// JWKSURL returns the provider's signing key set URL.
func (p *OIDCProvider) JWKSURL() string { return p.jwksURL }

// ClientID returns the portal's client ID.
func (p *OIDCProvider) ClientID() string { return p.config.ClientID }

// AuthCodeURL returns the authorization endpoint URL for a new login.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.config.AuthCodeURL(state, oidc.Nonce(nonce))
}

type idTokenClaims struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	Name              string `json:"name"`
	RealmAccess       struct {
		Roles []string `json:"roles"`
	} `json:"realm_access"`
}

// Exchange redeems an authorization code and verifies the returned ID token,
// including its nonce.
func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (*Identity, error) {
	ctx = context.WithValue(oidc.ClientContext(ctx, p.httpClient), oauth2.HTTPClient, p.httpClient)

	token, err := p.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: token response has no id_token", ErrExchangeFailed)
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if nonce == "" || idToken.Nonce != nonce {
		return nil, fmt.Errorf("%w: nonce mismatch", ErrExchangeFailed)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	if claims.Subject == "" {
		return nil, ErrMissingClaims
	}

	identity := &Identity{
		Subject:     claims.Subject,
		Username:    claims.PreferredUsername,
		DisplayName: claims.Name,
		Email:       claims.Email,
		Roles:       claims.RealmAccess.Roles,
		AccessToken: token.AccessToken,
		IDToken:     rawIDToken,
	}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.Username
	}
	if identity.Roles == nil {
		identity.Roles = []string{}
	}

	return identity, nil
}

// EndSessionURL returns the provider logout URL that sends the browser back
// to postLogoutRedirect.
func (p *OIDCProvider) EndSessionURL(postLogoutRedirect, idTokenHint string) string {
	u, err := url.Parse(p.endSessionURL)
	if err != nil {
		return p.endSessionURL
	}

	q := u.Query()
	q.Set("client_id", p.config.ClientID)
	if postLogoutRedirect != "" {
		q.Set("post_logout_redirect_uri", postLogoutRedirect)
	}
	if idTokenHint != "" {
		q.Set("id_token_hint", idTokenHint)
	}
	u.RawQuery = q.Encode()

	return u.String()
}

const (
	stateCookieName = "oidc_state"
	nonceCookieName = "oidc_nonce"
	authCookieTTL   = 300 // 5 minutes - enough time for the login round trip
)

// ErrStateMismatch is returned when the callback state does not match the cookie.
var ErrStateMismatch = errors.New("login state mismatch")

// StartAuth generates state and nonce values and stores them in short-lived cookies.
func StartAuth(w http.ResponseWriter, secure bool) (state, nonce string) {
	state = rand.Text()
	nonce = rand.Text()

	http.SetCookie(w, authCookie(stateCookieName, state, authCookieTTL, secure))
	http.SetCookie(w, authCookie(nonceCookieName, nonce, authCookieTTL, secure))

	return state, nonce
}

// FinishAuth checks the callback state against its cookie and returns the
// nonce. Both cookies are cleared whatever the outcome.
func FinishAuth(w http.ResponseWriter, r *http.Request, secure bool) (string, error) {
	http.SetCookie(w, authCookie(stateCookieName, "", -1, secure))
	http.SetCookie(w, authCookie(nonceCookieName, "", -1, secure))

	state := r.FormValue("state")
	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || state == "" || state != stateCookie.Value {
		return "", ErrStateMismatch
	}

	nonceCookie, err := r.Cookie(nonceCookieName)
	if err != nil || nonceCookie.Value == "" {
		return "", ErrStateMismatch
	}

	return nonceCookie.Value, nil
}

func authCookie(name, value string, maxAge int, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}
