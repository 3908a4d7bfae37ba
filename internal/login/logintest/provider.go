// Package logintest runs an in-process identity provider realm for tests.
package logintest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	Realm    = "portal"
	ClientID = "admin-portal"
	KeyID    = "test-key"
)

// Grant is what the provider returns for an authorization code.
type Grant struct {
	Nonce  string
	Claims jwt.MapClaims

	// OmitIDToken drops id_token from the token response.
	OmitIDToken bool
}

// Provider serves discovery, JWKS and token endpoints for a single realm.
type Provider struct {
	Server *httptest.Server
	Key    *rsa.PrivateKey

	mu     sync.Mutex
	grants map[string]Grant
}

// NewProvider starts a provider that is shut down when the test ends.
func NewProvider(t *testing.T) *Provider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &Provider{
		Key:    key,
		grants: make(map[string]Grant),
	}

	mux := http.NewServeMux()
	base := "/realms/" + Realm
	mux.HandleFunc("GET "+base+"/.well-known/openid-configuration", p.discovery)
	mux.HandleFunc("GET "+base+"/protocol/openid-connect/certs", p.certs)
	mux.HandleFunc("POST "+base+"/protocol/openid-connect/token", p.token)

	p.Server = httptest.NewServer(mux)
	t.Cleanup(p.Server.Close)

	return p
}

// Issuer returns the realm issuer URL.
func (p *Provider) Issuer() string {
	return p.Server.URL + "/realms/" + Realm
}

// Authorize registers code so the token endpoint will redeem it for grant.
func (p *Provider) Authorize(code string, grant Grant) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.grants[code] = grant
}

// UserClaims returns ID token claims for a realm user.
func UserClaims(sub, username string, roles ...string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":                sub,
		"preferred_username": username,
		"email":              username + "@example.com",
		"name":               username,
		"realm_access":       map[string]any{"roles": roles},
	}
}

// Sign signs claims with the realm key.
func (p *Provider) Sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	raw, err := p.sign(claims)
	require.NoError(t, err)
	return raw
}

// LogoutToken returns a signed back-channel logout token for sub.
func (p *Provider) LogoutToken(t *testing.T, sub string) string {
	t.Helper()
	return p.Sign(t, jwt.MapClaims{
		"iss":    p.Issuer(),
		"aud":    ClientID,
		"iat":    time.Now().Unix(),
		"jti":    rand.Text(),
		"sub":    sub,
		"events": map[string]any{"http://schemas.openid.net/event/backchannel-logout": map[string]any{}},
	})
}

func (p *Provider) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = KeyID
	return token.SignedString(p.Key)
}

func (p *Provider) discovery(w http.ResponseWriter, r *http.Request) {
	issuer := p.Issuer()
	writeJSON(w, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/protocol/openid-connect/auth",
		"token_endpoint":                        issuer + "/protocol/openid-connect/token",
		"jwks_uri":                              issuer + "/protocol/openid-connect/certs",
		"end_session_endpoint":                  issuer + "/protocol/openid-connect/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
	})
}

func (p *Provider) certs(w http.ResponseWriter, r *http.Request) {
	pub := p.Key.PublicKey
	writeJSON(w, map[string]any{
		"keys": []map[string]string{{
			"kid": KeyID,
			"kty": "RSA",
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (p *Provider) token(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")

	p.mu.Lock()
	grant, ok := p.grants[code]
	delete(p.grants, code)
	p.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
		return
	}

	resp := map[string]any{
		"access_token": "access-" + code,
		"token_type":   "Bearer",
		"expires_in":   300,
	}

	if !grant.OmitIDToken {
		claims := jwt.MapClaims{
			"iss": p.Issuer(),
			"aud": ClientID,
			"iat": time.Now().Unix(),
			"exp": time.Now().Add(5 * time.Minute).Unix(),
		}
		if grant.Nonce != "" {
			claims["nonce"] = grant.Nonce
		}
		for k, v := range grant.Claims {
			claims[k] = v
		}

		idToken, err := p.sign(claims)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp["id_token"] = idToken
	}

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
