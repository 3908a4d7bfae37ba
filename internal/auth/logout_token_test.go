package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://sso.example.com/realms/portal"
	testClientID = "admin-portal"
)

func logoutClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":    testIssuer,
		"aud":    testClientID,
		"iat":    time.Now().Unix(),
		"jti":    "logout-1",
		"sub":    "alice",
		"sid":    "kc-session-1",
		"events": map[string]any{BackChannelLogoutEvent: map[string]any{}},
	}
}

func signToken(t *testing.T, method jwt.SigningMethod, kid string, key any, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = kid
	tokenStr, err := token.SignedString(key)
	require.NoError(t, err)
	return tokenStr
}

func TestJWTLogoutTokenVerifier(t *testing.T) {
	ecKey := generateECKeyPair(t)
	rsaKey := generateRSAKeyPair(t)
	otherKey := generateECKeyPair(t)

	srv := newJWKSServer(t, ecJWK("ec-1", &ecKey.PublicKey), rsaJWK("rsa-1", &rsaKey.PublicKey))
	verifier := NewJWTLogoutTokenVerifier(NewKeyCache(srv.URL, srv.Client(), 0), testIssuer, testClientID, time.Minute)
	ctx := context.Background()

	t.Run("valid ES256 token", func(t *testing.T) {
		raw := signToken(t, jwt.SigningMethodES256, "ec-1", ecKey, logoutClaims())

		claims, err := verifier.Verify(ctx, raw)
		require.NoError(t, err)
		require.Equal(t, "alice", claims.Subject)
		require.Equal(t, "kc-session-1", claims.SessionID)
		require.Equal(t, testIssuer, claims.Issuer)
		require.Equal(t, "logout-1", claims.ID)
		require.False(t, claims.IssuedAt.IsZero())
	})

	t.Run("valid RS256 token with sid only", func(t *testing.T) {
		c := logoutClaims()
		delete(c, "sub")
		raw := signToken(t, jwt.SigningMethodRS256, "rsa-1", rsaKey, c)

		claims, err := verifier.Verify(ctx, raw)
		require.NoError(t, err)
		require.Empty(t, claims.Subject)
		require.Equal(t, "kc-session-1", claims.SessionID)
	})

	tests := []struct {
		name   string
		kid    string
		key    any
		mutate func(jwt.MapClaims)
	}{
		{name: "wrong signing key", kid: "ec-1", key: otherKey},
		{name: "unknown kid", kid: "ec-9", key: ecKey},
		{name: "wrong issuer", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{name: "wrong audience", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["aud"] = "someone-else" }},
		{name: "missing iat", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { delete(c, "iat") }},
		{name: "iat in the future", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["iat"] = time.Now().Add(time.Hour).Unix() }},
		{name: "missing event", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["events"] = map[string]any{} }},
		{name: "no sub or sid", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { delete(c, "sub"); delete(c, "sid") }},
		{name: "nonce present", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["nonce"] = "n-1" }},
		{name: "expired", kid: "ec-1", key: ecKey, mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := logoutClaims()
			if tt.mutate != nil {
				tt.mutate(c)
			}
			raw := signToken(t, jwt.SigningMethodES256, tt.kid, tt.key, c)

			claims, err := verifier.Verify(ctx, raw)
			require.ErrorIs(t, err, ErrInvalidLogoutToken)
			require.Nil(t, claims)
		})
	}

	t.Run("unsigned token", func(t *testing.T) {
		raw := signToken(t, jwt.SigningMethodNone, "ec-1", jwt.UnsafeAllowNoneSignatureType, logoutClaims())

		_, err := verifier.Verify(ctx, raw)
		require.ErrorIs(t, err, ErrInvalidLogoutToken)
	})

	t.Run("empty and garbage tokens", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "")
		require.ErrorIs(t, err, ErrInvalidLogoutToken)

		_, err = verifier.Verify(ctx, "not-a-jwt")
		require.ErrorIs(t, err, ErrInvalidLogoutToken)
	})
}
