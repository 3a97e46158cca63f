package tests

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/iTrooz/offline-cache-worker/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type result struct {
	status int
	source string
	body   string
}

func get(t *testing.T, client *http.Client, target string, document bool) result {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	if document {
		req.Header.Set("Accept", "text/html,application/xhtml+xml,*/*;q=0.8")
	}
	return do(t, client, req)
}

func do(t *testing.T, client *http.Client, req *http.Request) result {
	t.Helper()
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return result{status: resp.StatusCode, source: resp.Header.Get("X-Cache"), body: string(data)}
}

func TestPassThroughBeforeActivation(t *testing.T) {
	upstream := fixture_upstream(t)
	_, client := fixture_proxy(t, fixture_config(t, upstream.URL))

	res := get(t, client, upstream.URL+"/lib/app.js", false)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "BYPASS", res.source)
	assert.Equal(t, "GET /lib/app.js gen1", res.body)
}

func TestInstallPrecachesCoreAssets(t *testing.T) {
	upstream := fixture_upstream(t)
	cfg := fixture_config(t, upstream.URL)
	server, _ := fixture_proxy(t, cfg)

	require.NoError(t, server.RunLifecycle(context.Background()))
	assert.True(t, server.Worker().SkipWaitingRequested())

	for _, path := range []string{"/", "/index.html", "/lib/sqljs/sql-wasm.js", "/lib/sqljs/sql-wasm.wasm"} {
		assert.True(t, upstream.seen(http.MethodGet, path), "core asset %s not fetched", path)
	}

	_, err := os.Stat(filepath.Join(cfg.Cache.Folder, cfg.Worker.Version, "index.html@", "GET.bin"))
	assert.NoError(t, err)
}

func TestActivateDeletesStaleStores(t *testing.T) {
	upstream := fixture_upstream(t)
	cfg := fixture_config(t, upstream.URL)

	backend, err := cache.NewDiskBackend(cfg.Cache.Folder, 0)
	require.NoError(t, err)
	for _, name := range []string{"grammarlearning-v0", "other-app-v1"} {
		_, err := backend.Open(name)
		require.NoError(t, err)
	}

	server, _ := fixture_proxy(t, cfg)
	require.NoError(t, server.RunLifecycle(context.Background()))

	names, err := backend.Names()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"other-app-v1", "grammarlearning-v1"}, names)
}

func TestNetworkFirstDocuments(t *testing.T) {
	upstream := fixture_upstream(t)
	server, client := fixture_proxy(t, fixture_config(t, upstream.URL))
	require.NoError(t, server.RunLifecycle(context.Background()))

	upstream.setGeneration(2)
	res := get(t, client, upstream.URL+"/index.html", true)
	assert.Equal(t, http.StatusOK, res.status)
	assert.Equal(t, "WORKER", res.source)
	assert.Equal(t, "<html>shell gen2</html>", res.body)
}

func TestCacheFirstAssetsRefreshInBackground(t *testing.T) {
	upstream := fixture_upstream(t)
	server, client := fixture_proxy(t, fixture_config(t, upstream.URL))
	require.NoError(t, server.RunLifecycle(context.Background()))

	res := get(t, client, upstream.URL+"/lib/app.js?v=1", false)
	assert.Equal(t, "WORKER", res.source)
	assert.Equal(t, "GET /lib/app.js gen1", res.body)
	server.Worker().Wait()

	upstream.setGeneration(2)

	// a new cache-busting value still hits the stored copy
	res = get(t, client, upstream.URL+"/lib/app.js?v=2", false)
	assert.Equal(t, "GET /lib/app.js gen1", res.body)
	server.Worker().Wait()

	res = get(t, client, upstream.URL+"/lib/app.js", false)
	assert.Equal(t, "GET /lib/app.js gen2", res.body)
}

func TestOfflineAfterInstall(t *testing.T) {
	upstream := fixture_upstream(t)
	server, client := fixture_proxy(t, fixture_config(t, upstream.URL))
	require.NoError(t, server.RunLifecycle(context.Background()))

	origin := upstream.URL
	get(t, client, origin+"/lib/extra.js", false)
	server.Worker().Wait()
	upstream.Close()

	t.Run("precached asset", func(t *testing.T) {
		res := get(t, client, origin+"/lib/sqljs/sql-wasm.js", false)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "WORKER", res.source)
		assert.Equal(t, "GET /lib/sqljs/sql-wasm.js gen1", res.body)
	})

	t.Run("visited asset", func(t *testing.T) {
		res := get(t, client, origin+"/lib/extra.js?v=9", false)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "GET /lib/extra.js gen1", res.body)
	})

	t.Run("cached document", func(t *testing.T) {
		res := get(t, client, origin+"/index.html", true)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "<html>shell gen1</html>", res.body)
	})

	t.Run("unknown document falls back to shell", func(t *testing.T) {
		res := get(t, client, origin+"/lessons/3", true)
		assert.Equal(t, http.StatusOK, res.status)
		assert.Equal(t, "<html>shell gen1</html>", res.body)
	})

	t.Run("unknown asset", func(t *testing.T) {
		res := get(t, client, origin+"/lib/never.js", false)
		assert.Equal(t, http.StatusGatewayTimeout, res.status)
		assert.Equal(t, "OFFLINE", res.source)
	})
}

func TestWritesPassThrough(t *testing.T) {
	upstream := fixture_upstream(t)
	server, client := fixture_proxy(t, fixture_config(t, upstream.URL))
	require.NoError(t, server.RunLifecycle(context.Background()))

	req, err := http.NewRequest(http.MethodPost, upstream.URL+"/api/progress", strings.NewReader(`{"lesson":3}`))
	require.NoError(t, err)
	res := do(t, client, req)

	assert.Equal(t, "BYPASS", res.source)
	assert.Equal(t, "POST /api/progress gen1", res.body)
	assert.True(t, upstream.seen(http.MethodPost, "/api/progress"))
}
