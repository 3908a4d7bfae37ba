package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	defaultKeyCacheTTL = time.Hour

	// minimum gap between fetch attempts, successful or not
	minRefreshInterval = time.Minute
)

// ErrKeyNotFound is returned when the JWKS has no key with the requested kid.
var ErrKeyNotFound = errors.New("signing key not found")

// KeySource resolves token signing keys by key ID.
type KeySource interface {
	Key(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// KeyCache fetches an identity provider's JWKS and caches the parsed keys.
// An unknown kid forces a refetch, rate limited, so key rotation is picked up
// before the cache expires. While the endpoint is failing, keys already held
// keep being served past their expiry.
type KeyCache struct {
	jwksURL    string
	httpClient *http.Client
	ttl        time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	keys        map[string]crypto.PublicKey
	attemptedAt time.Time
	expiresAt   time.Time
}

// NewKeyCache creates a cache for the JWKS at jwksURL.
func NewKeyCache(jwksURL string, httpClient *http.Client, ttl time.Duration) *KeyCache {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 10 * time.Second,
		}
	}
	if ttl <= 0 {
		ttl = defaultKeyCacheTTL
	}

	return &KeyCache{
		jwksURL:    jwksURL,
		httpClient: httpClient,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Key returns the public key for kid.
func (c *KeyCache) Key(ctx context.Context, kid string) (crypto.PublicKey, error) {
	now := c.now()

	c.mu.RLock()
	key, ok := c.keys[kid]
	fresh := now.Before(c.expiresAt)
	c.mu.RUnlock()

	if ok && fresh {
		log.Debug().Str("kid", kid).Msg("JWKS cache hit")
		return key, nil
	}

	if !c.claimAttempt(now) {
		if ok {
			log.Debug().Str("kid", kid).Msg("JWKS refetch rate limited, using stale key")
			return key, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}

	keys, err := c.fetch(ctx)
	if err != nil {
		if ok {
			log.Warn().Err(err).Str("kid", kid).Msg("JWKS refetch failed, using stale key")
			return key, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
	c.mu.Unlock()

	log.Info().Str("jwks_url", c.jwksURL).Int("total_keys", len(keys)).Msg("Cached JWKS")

	key, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, kid)
	}
	return key, nil
}

// claimAttempt records a fetch attempt at now unless one happened within
// minRefreshInterval. Only one caller wins a given interval.
func (c *KeyCache) claimAttempt(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.attemptedAt.IsZero() && now.Sub(c.attemptedAt) < minRefreshInterval {
		return false
	}
	c.attemptedAt = now
	return true
}

type jsonWebKey struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	Use string `json:"use"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	N   string `json:"n"`
	E   string `json:"e"`
}

func (c *KeyCache) fetch(ctx context.Context) (map[string]crypto.PublicKey, error) {
	log.Debug().Str("jwks_url", c.jwksURL).Msg("Fetching JWKS")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS request failed: %s", resp.Status)
	}

	var jwks struct {
		Keys []jsonWebKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make(map[string]crypto.PublicKey, len(jwks.Keys))
	for _, jwk := range jwks.Keys {
		if jwk.Kid == "" {
			log.Warn().Str("kty", jwk.Kty).Msg("JWK missing kid")
			continue
		}
		// encryption keys are published alongside signing keys
		if jwk.Use != "" && jwk.Use != "sig" {
			continue
		}

		key, err := parseJWK(jwk)
		if err != nil {
			log.Warn().Err(err).Str("kid", jwk.Kid).Msg("Failed to parse JWK")
			continue
		}
		keys[jwk.Kid] = key
	}

	return keys, nil
}

func parseJWK(jwk jsonWebKey) (crypto.PublicKey, error) {
	switch jwk.Kty {
	case "RSA":
		return parseRSAKey(jwk)
	case "EC":
		return parseECKey(jwk)
	default:
		return nil, fmt.Errorf("unsupported key type: %q", jwk.Kty)
	}
}

func parseRSAKey(jwk jsonWebKey) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil || len(nBytes) == 0 {
		return nil, fmt.Errorf("invalid modulus")
	}

	eBytes, err := base64.RawURLEncoding.DecodeString(jwk.E)
	if err != nil || len(eBytes) == 0 || len(eBytes) > 4 {
		return nil, fmt.Errorf("invalid exponent")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(nBytes),
		E: int(new(big.Int).SetBytes(eBytes).Int64()),
	}, nil
}

func parseECKey(jwk jsonWebKey) (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch jwk.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve: %q", jwk.Crv)
	}

	xBytes, err := base64.RawURLEncoding.DecodeString(jwk.X)
	if err != nil {
		return nil, fmt.Errorf("failed to decode x: %w", err)
	}

	yBytes, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	if err != nil {
		return nil, fmt.Errorf("failed to decode y: %w", err)
	}

	return &ecdsa.PublicKey{
		Curve: curve,
		X:     new(big.Int).SetBytes(xBytes),
		Y:     new(big.Int).SetBytes(yBytes),
	}, nil
}
