package client

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/gregjones/httpcache"
	"github.com/stretchr/testify/require"
)

func TestNewCachingHTTPClient(t *testing.T) {
	for name, cfg := range map[string]Config{
		"memory": DefaultConfig(),
		"disk":   {CacheDir: t.TempDir()},
	} {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.Header().Set("Cache-Control", "max-age=300")
				_, _ = w.Write([]byte(`{"keys":[]}`))
			}))
			defer srv.Close()

			c := NewCachingHTTPClient(cfg)

			for range 3 {
				resp, err := c.Get(srv.URL + "/certs")
				require.NoError(t, err)
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				require.NoError(t, resp.Body.Close())
				require.JSONEq(t, `{"keys":[]}`, string(body))
			}

			require.EqualValues(t, 1, hits.Load())

			resp, err := c.Get(srv.URL + "/certs")
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, "1", resp.Header.Get(httpcache.XFromCache))
		})
	}
}
