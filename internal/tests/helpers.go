package tests

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/iTrooz/offline-cache-worker/internal/config"
	"github.com/iTrooz/offline-cache-worker/internal/proxy"

	"github.com/stretchr/testify/require"
)

// upstream is the origin the worker is registered on. Every body carries
// the current generation so refreshes can be observed.
type upstream struct {
	*httptest.Server

	mu         sync.Mutex
	generation int
	requests   []string
}

func (u *upstream) setGeneration(gen int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.generation = gen
}

func (u *upstream) seen(method, path string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, r := range u.requests {
		if r == method+" "+path {
			return true
		}
	}
	return false
}

// fixture_upstream creates a test upstream server
func fixture_upstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{generation: 1}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, requ *http.Request) {
		u.mu.Lock()
		u.requests = append(u.requests, requ.Method+" "+requ.URL.Path)
		gen := u.generation
		u.mu.Unlock()

		switch requ.URL.Path {
		case "/", "/index.html":
			w.Header().Set("Content-Type", "text/html")
			_, _ = fmt.Fprintf(w, "<html>shell gen%d</html>", gen)
		case "/missing":
			http.NotFound(w, requ)
		default:
			w.Header().Set("Content-Type", "text/plain")
			_, _ = fmt.Fprintf(w, "%s %s gen%d", requ.Method, requ.URL.Path, gen)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

// fixture_config creates a test config for a worker registered on origin
func fixture_config(t *testing.T, origin string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Worker.Origin = origin
	cfg.Worker.DevOrigins = []string{origin}
	cfg.Cache.Folder = t.TempDir()
	require.NoError(t, cfg.Validate())
	return cfg
}

// fixture_proxy creates a proxy server with the given config and returns
// the server and an HTTP client that goes through it
func fixture_proxy(t *testing.T, cfg *config.Config) (*proxy.Server, *http.Client) {
	t.Helper()

	proxyServer, err := proxy.New(cfg)
	require.NoError(t, err)

	proxyTestServer := httptest.NewServer(proxyServer.GetProxy())
	t.Cleanup(func() {
		proxyTestServer.Close()
		_ = proxyServer.Shutdown(context.Background())
	})

	proxyURL, err := url.Parse(proxyTestServer.URL)
	require.NoError(t, err)
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:             http.ProxyURL(proxyURL),
			DisableKeepAlives: true,
		},
		Timeout: 10 * time.Second,
	}

	return proxyServer, client
}
