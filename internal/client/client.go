// Package client builds the outbound HTTP client used to talk to the identity provider.
package client

import (
	"net/http"
	"time"

	"github.com/gregjones/httpcache"
	"github.com/gregjones/httpcache/diskcache"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config holds outbound client configuration
type Config struct {
	Timeout time.Duration

	// CacheDir persists cached responses across restarts. Empty keeps the
	// cache in memory.
	CacheDir string
}

// DefaultConfig returns a default client configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
	}
}

// NewCachingHTTPClient creates an HTTP client that honours Cache-Control on
// discovery and JWKS responses, so key lookups rarely leave the process.
// Requests are traced when a tracer provider is installed.
func NewCachingHTTPClient(cfg Config) *http.Client {
	var cache httpcache.Cache = httpcache.NewMemoryCache()
	if cfg.CacheDir != "" {
		cache = diskcache.New(cfg.CacheDir)
	}

	transport := httpcache.NewTransport(cache)
	transport.Transport = otelhttp.NewTransport(http.DefaultTransport)

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
