package cache

import (
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type backendFixture struct {
	name string
	new  func(t *testing.T) Backend
}

func backendFixtures() []backendFixture {
	return []backendFixture{
		{"disk", func(t *testing.T) Backend {
			b, err := NewDiskBackend(t.TempDir(), time.Hour)
			require.NoError(t, err)
			return b
		}},
		{"disk compressed", func(t *testing.T) Backend {
			b, err := NewDiskBackend(t.TempDir(), time.Hour, WithCompression())
			require.NoError(t, err)
			return b
		}},
		{"bigcache", func(t *testing.T) Backend {
			return NewBigcacheBackend(8, 0)
		}},
		{"ristretto", func(t *testing.T) Backend {
			return NewRistrettoBackend(8, 0)
		}},
		{"redis", func(t *testing.T) Backend {
			addr := os.Getenv("REDIS_ADDR")
			if addr == "" {
				t.Skip("REDIS_ADDR not set")
			}
			client := goredis.NewClient(&goredis.Options{Addr: addr})
			b, err := NewRedisBackend(RedisConfig{
				Client:      client,
				Namespace:   "test-" + t.Name(),
				CloseClient: true,
			})
			require.NoError(t, err)
			t.Cleanup(func() {
				names, _ := b.Names()
				for _, name := range names {
					_ = b.Remove(name)
				}
			})
			return b
		}},
	}
}

func TestBackendSetGetDelete(t *testing.T) {
	for _, fx := range backendFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			backend := fx.new(t)
			defer func() { _ = backend.Close() }()

			store, err := backend.Open("app-v1")
			require.NoError(t, err)

			data, err := store.Get("index.html/GET.bin")
			require.NoError(t, err)
			assert.Nil(t, data, "empty store should miss")

			require.NoError(t, store.Set("index.html/GET.bin", []byte("test response data")))

			data, err = store.Get("index.html/GET.bin")
			require.NoError(t, err)
			assert.Equal(t, "test response data", string(data))

			deleted, err := store.Delete("index.html/GET.bin")
			require.NoError(t, err)
			assert.True(t, deleted)

			deleted, err = store.Delete("index.html/GET.bin")
			require.NoError(t, err)
			assert.False(t, deleted)

			data, err = store.Get("index.html/GET.bin")
			require.NoError(t, err)
			assert.Nil(t, data)
		})
	}
}

func TestBackendNamesAndRemove(t *testing.T) {
	for _, fx := range backendFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			backend := fx.new(t)
			defer func() { _ = backend.Close() }()

			old, err := backend.Open("app-v0")
			require.NoError(t, err)
			require.NoError(t, old.Set("GET.bin", []byte("old")))

			// disk store order comes from marker mtimes
			time.Sleep(20 * time.Millisecond)

			_, err = backend.Open("app-v1")
			require.NoError(t, err)

			// opening again must not create a duplicate
			_, err = backend.Open("app-v0")
			require.NoError(t, err)

			names, err := backend.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"app-v0", "app-v1"}, names)

			require.NoError(t, backend.Remove("app-v0"))

			names, err = backend.Names()
			require.NoError(t, err)
			assert.Equal(t, []string{"app-v1"}, names)

			reopened, err := backend.Open("app-v0")
			require.NoError(t, err)
			data, err := reopened.Get("GET.bin")
			require.NoError(t, err)
			assert.Nil(t, data, "removed store should come back empty")
		})
	}
}

func TestBackendClear(t *testing.T) {
	for _, fx := range backendFixtures() {
		t.Run(fx.name, func(t *testing.T) {
			backend := fx.new(t)
			defer func() { _ = backend.Close() }()

			store, err := backend.Open("app-v1")
			require.NoError(t, err)
			require.NoError(t, store.Set("a/GET.bin", []byte("a")))
			require.NoError(t, store.Set("b/GET.bin", []byte("b")))

			require.NoError(t, store.Clear())

			for _, key := range []string{"a/GET.bin", "b/GET.bin"} {
				data, err := store.Get(key)
				require.NoError(t, err)
				assert.Nil(t, data)
			}

			names, err := backend.Names()
			require.NoError(t, err)
			assert.Contains(t, names, "app-v1", "cleared store still exists")
		})
	}
}

func TestDiskGetExpired(t *testing.T) {
	tempDir := t.TempDir()
	cache := NewDisk(tempDir, 100*time.Millisecond) // Very short TTL
	require.NoError(t, cache.Init())

	require.NoError(t, cache.Set("expired.bin", []byte("test data")))

	// Wait for expiration
	time.Sleep(200 * time.Millisecond)

	data, err := cache.Get("expired.bin")
	require.NoError(t, err)
	assert.Nil(t, data, "expired entry should miss")

	_, err = os.Stat(tempDir + "/expired.bin")
	assert.True(t, os.IsNotExist(err), "expired cache file should have been deleted")
}

func TestDiskZeroTTLNeverExpires(t *testing.T) {
	cache := NewDisk(t.TempDir(), 0)
	require.NoError(t, cache.Init())
	require.NoError(t, cache.Set("kept.bin", []byte("kept")))

	data, err := cache.Get("kept.bin")
	require.NoError(t, err)
	assert.Equal(t, "kept", string(data))
}

func TestDiskFileInPlaceOfDirectoryIsMiss(t *testing.T) {
	cache := NewDisk(t.TempDir(), 0)
	require.NoError(t, cache.Init())
	require.NoError(t, cache.Set("GET.bin", []byte("root")))

	data, err := cache.Get("GET.bin/GET.bin")
	require.NoError(t, err)
	assert.Nil(t, data)

	deleted, err := cache.Delete("GET.bin/GET.bin")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	cache := NewDisk(t.TempDir(), time.Hour)

	for _, key := range []string{"", "../outside.bin", "/etc/passwd"} {
		assert.Error(t, cache.Set(key, []byte("x")), "key %q", key)
	}
}

func TestDiskBackendRejectsBadNames(t *testing.T) {
	backend, err := NewDiskBackend(t.TempDir(), time.Hour)
	require.NoError(t, err)

	for _, name := range []string{"", ".", "..", "a/b"} {
		_, err := backend.Open(name)
		assert.Error(t, err, "name %q", name)
	}
}

func TestDiskBackendIgnoresForeignDirectories(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root+"/not-a-store", 0755))

	backend, err := NewDiskBackend(root, time.Hour)
	require.NoError(t, err)
	_, err = backend.Open("app-v1")
	require.NoError(t, err)

	names, err := backend.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"app-v1"}, names)
}

func TestDiskCompressedIsNotPlaintext(t *testing.T) {
	root := t.TempDir()
	backend, err := NewDiskBackend(root, time.Hour, WithCompression())
	require.NoError(t, err)

	store, err := backend.Open("app-v1")
	require.NoError(t, err)

	payload := []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, store.Set("GET.bin", payload))

	raw, err := os.ReadFile(root + "/app-v1/GET.bin.zst")
	require.NoError(t, err)
	assert.NotEqual(t, payload, raw)
	assert.Less(t, len(raw), len(payload))
}

func TestRistrettoClosedStore(t *testing.T) {
	backend := NewRistrettoBackend(8, 0)
	store, err := backend.Open("app-v1")
	require.NoError(t, err)

	require.NoError(t, backend.Remove("app-v1"))

	assert.ErrorIs(t, store.Set("GET.bin", []byte("x")), ErrClosed)
}

func TestNewRedisBackendNilClient(t *testing.T) {
	_, err := NewRedisBackend(RedisConfig{})
	assert.ErrorIs(t, err, ErrNilClient)
}

func TestEscapeGlob(t *testing.T) {
	assert.Equal(t, `ns:app\*v1:`, escapeGlob("ns:app*v1:"))
	assert.Equal(t, `ns:\[x\]:`, escapeGlob("ns:[x]:"))
}
