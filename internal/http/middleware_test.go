package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		expected   string
	}{
		{
			name:       "IPv4 with port",
			remoteAddr: "192.168.1.1:54321",
			expected:   "192.168.1.1",
		},
		{
			name:       "IPv6 with port",
			remoteAddr: "[2001:db8::1]:54321",
			expected:   "2001:db8::1",
		},
		{
			name:       "IPv4 mapped IPv6",
			remoteAddr: "[::ffff:10.0.0.7]:443",
			expected:   "10.0.0.7",
		},
		{
			name:       "no port",
			remoteAddr: "192.168.1.1",
			expected:   "192.168.1.1",
		},
		{
			name:       "not an address",
			remoteAddr: "pipe",
			expected:   "pipe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr

			require.Equal(t, tt.expected, ExtractClientIP(r))
		})
	}
}

func TestExtractClientIP_ignoresForwardedHeaders(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.9:1234"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")
	r.Header.Set("X-Real-IP", "203.0.113.2")

	require.Equal(t, "198.51.100.9", ExtractClientIP(r))
}

func TestNewClientIPResolver_invalid(t *testing.T) {
	_, err := NewClientIPResolver([]string{"10.0.0.0/33"})
	require.Error(t, err)

	_, err = NewClientIPResolver([]string{"proxy.local"})
	require.Error(t, err)
}

func TestClientIPResolver_Resolve(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8", " 192.168.1.1 ", ""})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xRealIP    string
		expected   string
	}{
		{
			name:       "untrusted peer ignores headers",
			remoteAddr: "198.51.100.9:1234",
			xff:        "203.0.113.1",
			expected:   "198.51.100.9",
		},
		{
			name:       "trusted peer single hop",
			remoteAddr: "10.1.2.3:1234",
			xff:        "203.0.113.1",
			expected:   "203.0.113.1",
		},
		{
			name:       "skips trusted hops from the right",
			remoteAddr: "10.1.2.3:1234",
			xff:        "203.0.113.1, 198.51.100.1, 10.9.9.9",
			expected:   "198.51.100.1",
		},
		{
			name:       "all hops trusted takes the leftmost",
			remoteAddr: "192.168.1.1:1234",
			xff:        "10.0.0.1,10.0.0.2",
			expected:   "10.0.0.1",
		},
		{
			name:       "garbage hop falls back to real ip",
			remoteAddr: "10.1.2.3:1234",
			xff:        "unknown",
			xRealIP:    "203.0.113.5",
			expected:   "203.0.113.5",
		},
		{
			name:       "real ip only",
			remoteAddr: "10.1.2.3:1234",
			xRealIP:    "203.0.113.5",
			expected:   "203.0.113.5",
		},
		{
			name:       "trusted peer without headers",
			remoteAddr: "10.1.2.3:1234",
			expected:   "10.1.2.3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xRealIP != "" {
				r.Header.Set("X-Real-IP", tt.xRealIP)
			}

			require.Equal(t, tt.expected, resolver.Resolve(r))
		})
	}
}

func TestClientIPResolver_Middleware(t *testing.T) {
	resolver, err := NewClientIPResolver([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	var capturedIP, fallbackIP string
	handler := resolver.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		capturedIP = ClientIPFromContext(r.Context())
		fallbackIP = ClientIP(r)
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5000"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	handler.ServeHTTP(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "203.0.113.1", capturedIP)
	require.Equal(t, capturedIP, fallbackIP)
}

func TestClientIP_withoutMiddleware(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "198.51.100.9:1234"

	require.Empty(t, ClientIPFromContext(context.Background()))
	require.Equal(t, "198.51.100.9", ClientIP(r))
}
