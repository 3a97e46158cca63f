package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/iTrooz/offline-cache-worker/internal/cache"
	"github.com/iTrooz/offline-cache-worker/internal/cache/httpcache"

	"github.com/stretchr/testify/require"
)

const testOrigin = "https://grammar.example"

var errOffline = errors.New("network unreachable")

// fakeNetwork answers every request with "<prefix> <path>" unless offline
type fakeNetwork struct {
	mu      sync.Mutex
	offline bool
	prefix  string
	status  map[string]int
	calls   []string
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{prefix: "network", status: make(map[string]int)}
}

func (n *fakeNetwork) RoundTrip(r *http.Request) (*http.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, r.URL.String())
	if n.offline {
		return nil, errOffline
	}
	status := http.StatusOK
	if s, ok := n.status[r.URL.Path]; ok {
		status = s
	}
	body := n.prefix + " " + r.URL.Path
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}, nil
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) setPrefix(prefix string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.prefix = prefix
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

// countingCaches records how often the worker touches the storage
type countingCaches struct {
	*httpcache.Storage
	calls atomic.Int32
}

func (c *countingCaches) Open(ctx context.Context, name string) (*httpcache.Store, error) {
	c.calls.Add(1)
	return c.Storage.Open(ctx, name)
}

func (c *countingCaches) Keys(ctx context.Context) ([]string, error) {
	c.calls.Add(1)
	return c.Storage.Keys(ctx)
}

func (c *countingCaches) Delete(ctx context.Context, name string) (bool, error) {
	c.calls.Add(1)
	return c.Storage.Delete(ctx, name)
}

func (c *countingCaches) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.calls.Add(1)
	return c.Storage.Match(ctx, req)
}

// readOnlyBackend opens stores whose writes always fail
type readOnlyBackend struct {
	cache.Backend
}

func (b readOnlyBackend) Open(name string) (cache.GenericCache, error) {
	c, err := b.Backend.Open(name)
	if err != nil {
		return nil, err
	}
	return readOnlyCache{c}, nil
}

type readOnlyCache struct {
	cache.GenericCache
}

func (readOnlyCache) Set(string, []byte) error {
	return errors.New("disk full")
}

// unreadableBackend opens stores whose reads always fail
type unreadableBackend struct {
	cache.Backend
}

func (b unreadableBackend) Open(name string) (cache.GenericCache, error) {
	c, err := b.Backend.Open(name)
	if err != nil {
		return nil, err
	}
	return unreadableCache{c}, nil
}

type unreadableCache struct {
	cache.GenericCache
}

func (unreadableCache) Get(string) ([]byte, error) {
	return nil, errors.New("input/output error")
}

// unopenableBackend refuses to open any store
type unopenableBackend struct {
	cache.Backend
}

func (unopenableBackend) Open(string) (cache.GenericCache, error) {
	return nil, errors.New("permission denied")
}

type fakeClients struct {
	claimed atomic.Bool
	err     error
}

func (c *fakeClients) Claim(context.Context) error {
	if c.err != nil {
		return c.err
	}
	c.claimed.Store(true)
	return nil
}

type fixture struct {
	worker  *Worker
	network *fakeNetwork
	caches  *countingCaches
	clients *fakeClients
}

func fixture_worker(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	return fixture_workerWithBackend(t, cache.NewBigcacheBackend(8, 0), mutate...)
}

func fixture_workerWithBackend(t *testing.T, backend cache.Backend, mutate ...func(*Options)) *fixture {
	t.Helper()

	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)

	fx := &fixture{
		network: newFakeNetwork(),
		caches:  &countingCaches{Storage: httpcache.New(backend)},
		clients: &fakeClients{},
	}
	t.Cleanup(func() { _ = fx.caches.Close() })

	opts := Options{
		Origin:  origin,
		Scope:   "/",
		Version: "grammarlearning-v1",
		Prefix:  "grammarlearning-",
		CoreAssets: []string{
			"./",
			"./index.html",
			"./lib/sqljs/sql-wasm.js",
			"./lib/sqljs/sql-wasm.wasm",
		},
		DevOrigins: []string{"http://localhost"},
		Network:    fx.network,
		Caches:     fx.caches,
		Clients:    fx.clients,
	}
	for _, m := range mutate {
		m(&opts)
	}

	fx.worker, err = New(opts)
	require.NoError(t, err)
	// background writes must land before the storage is closed
	t.Cleanup(fx.worker.Wait)
	return fx
}

func newGet(t *testing.T, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	return req
}

func newDocumentGet(t *testing.T, target string) *http.Request {
	t.Helper()
	req := newGet(t, target)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	return req
}

func body(t *testing.T, resp *http.Response) string {
	t.Helper()
	require.NotNil(t, resp)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

// cached reads a key straight from the current store
func (fx *fixture) cached(t *testing.T, target string) *http.Response {
	t.Helper()
	ctx := context.Background()
	store, err := fx.caches.Storage.Open(ctx, fx.worker.Version())
	require.NoError(t, err)
	resp, err := store.Match(ctx, newGet(t, target))
	require.NoError(t, err)
	return resp
}

// seed stores body under target in the named store
func (fx *fixture) seed(t *testing.T, storeName, target, content string) {
	t.Helper()
	ctx := context.Background()
	store, err := fx.caches.Storage.Open(ctx, storeName)
	require.NoError(t, err)
	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(content)),
		ContentLength: int64(len(content)),
	}
	require.NoError(t, store.Put(ctx, newGet(t, target), resp))
}
