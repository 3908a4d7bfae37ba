package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// BackChannelLogoutEvent is the event type every logout token must carry.
const BackChannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// ErrInvalidLogoutToken is returned for logout tokens that fail verification.
var ErrInvalidLogoutToken = errors.New("invalid logout token")

// LogoutClaims are the trusted claims of a verified logout token.
type LogoutClaims struct {
	Subject   string
	SessionID string
	Issuer    string
	IssuedAt  time.Time
	ID        string
}

// LogoutTokenVerifier checks a back-channel logout token before its subject is trusted.
type LogoutTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*LogoutClaims, error)
}

// logoutTokenClaims implements jwt.ClaimsValidator so the checks specific to
// logout tokens run inside the parser alongside iss, aud and iat.
type logoutTokenClaims struct {
	jwt.RegisteredClaims
	SessionID string         `json:"sid,omitempty"`
	Events    map[string]any `json:"events"`
	Nonce     *string        `json:"nonce,omitempty"`
}

func (c *logoutTokenClaims) Validate() error {
	if c.IssuedAt == nil {
		return errors.New("missing iat claim")
	}
	if _, ok := c.Events[BackChannelLogoutEvent]; !ok {
		return errors.New("missing back-channel logout event")
	}
	if c.Subject == "" && c.SessionID == "" {
		return errors.New("token must carry sub or sid")
	}
	if c.Nonce != nil {
		return errors.New("logout token must not carry a nonce")
	}
	return nil
}

// JWTLogoutTokenVerifier verifies signed logout tokens against the issuer's JWKS.
type JWTLogoutTokenVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

// NewJWTLogoutTokenVerifier creates a verifier accepting tokens from issuer
// addressed to clientID.
func NewJWTLogoutTokenVerifier(keys KeySource, issuer, clientID string, leeway time.Duration) *JWTLogoutTokenVerifier {
	return &JWTLogoutTokenVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithIssuer(issuer),
			jwt.WithAudience(clientID),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(leeway),
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384", "ES512"}),
		),
	}
}

// Verify parses rawToken and returns its claims when every check passes.
func (v *JWTLogoutTokenVerifier) Verify(ctx context.Context, rawToken string) (*LogoutClaims, error) {
	if rawToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidLogoutToken)
	}

	var claims logoutTokenClaims
	_, err := v.parser.ParseWithClaims(rawToken, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}

	return &LogoutClaims{
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
		Issuer:    claims.Issuer,
		IssuedAt:  claims.IssuedAt.Time,
		ID:        claims.ID,
	}, nil
}
