package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// storeMarker is written at the root of every store directory. Its mtime is
// the store creation time.
const storeMarker = ".store"

// DiskCache implements GenericCache for disk-based caching
type DiskCache struct {
	cacheDir string
	ttl      time.Duration
	codec    *zstdCodec
}

// NewDisk creates a new disk cache rooted at cacheDir.
// A ttl of zero disables expiry.
func NewDisk(cacheDir string, ttl time.Duration) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
		ttl:      ttl,
	}
}

// path maps a key to its file, refusing keys that escape the cache directory
func (d *DiskCache) path(key string) (string, error) {
	if key == "" || !filepath.IsLocal(key) {
		return "", fmt.Errorf("invalid cache key %q", key)
	}
	if d.codec != nil {
		key += ".zst"
	}
	return filepath.Join(d.cacheDir, key), nil
}

// Get retrieves cached data if it exists and is not expired
func (d *DiskCache) Get(key string) ([]byte, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(cachePath)
	if isMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if d.ttl > 0 && time.Since(info.ModTime()) > d.ttl {
		// Cache expired, remove it
		if err := os.Remove(cachePath); err != nil {
			logrus.Errorf("Failed to remove expired cache file %s: %v", cachePath, err)
		}
		return nil, nil
	}

	data, err := os.ReadFile(cachePath)
	if err != nil {
		return nil, err
	}

	if d.codec != nil {
		return d.codec.decode(data)
	}
	return data, nil
}

// isMissing reports errors meaning no entry exists at a path, including a
// file standing where a parent directory would be
func isMissing(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// Set stores data in the cache
func (d *DiskCache) Set(key string, data []byte) error {
	cachePath, err := d.path(key)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cachePath), 0755); err != nil {
		return err
	}

	if d.codec != nil {
		data = d.codec.encode(data)
	}

	// Write next to the target then rename, so readers never see half a file
	tmp, err := os.CreateTemp(filepath.Dir(cachePath), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}

	logrus.Debugf("Cached entry: %s", cachePath)
	return nil
}

// Delete removes a cached entry
func (d *DiskCache) Delete(key string) (bool, error) {
	cachePath, err := d.path(key)
	if err != nil {
		return false, err
	}
	err = os.Remove(cachePath)
	if isMissing(err) {
		return false, nil
	}
	return err == nil, err
}

// Clear removes every entry and recreates an empty store
func (d *DiskCache) Clear() error {
	if err := os.RemoveAll(d.cacheDir); err != nil {
		return err
	}
	return d.Init()
}

// Init ensures the cache directory and its marker exist
func (d *DiskCache) Init() error {
	if err := os.MkdirAll(d.cacheDir, 0755); err != nil {
		return err
	}
	marker := filepath.Join(d.cacheDir, storeMarker)
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if os.IsExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return f.Close()
}

// DiskBackend stores each named store in its own directory below root
type DiskBackend struct {
	root  string
	ttl   time.Duration
	codec *zstdCodec
}

// DiskOption configures a DiskBackend
type DiskOption func(*DiskBackend) error

// WithCompression stores entries zstd-compressed
func WithCompression() DiskOption {
	return func(b *DiskBackend) error {
		codec, err := newZstdCodec()
		if err != nil {
			return err
		}
		b.codec = codec
		return nil
	}
}

// NewDiskBackend creates a disk backend rooted at root
func NewDiskBackend(root string, ttl time.Duration, opts ...DiskOption) (*DiskBackend, error) {
	b := &DiskBackend{root: root, ttl: ttl}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return b, nil
}

func (b *DiskBackend) dir(name string) (string, error) {
	if name == "" || name == "." || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return "", fmt.Errorf("invalid store name %q", name)
	}
	return filepath.Join(b.root, name), nil
}

// Open returns the store with this name, creating it if absent
func (b *DiskBackend) Open(name string) (GenericCache, error) {
	dir, err := b.dir(name)
	if err != nil {
		return nil, err
	}
	store := NewDisk(dir, b.ttl)
	store.codec = b.codec
	if err := store.Init(); err != nil {
		return nil, fmt.Errorf("failed to init store %s: %w", name, err)
	}
	return store, nil
}

// Names lists store directories, oldest first
func (b *DiskBackend) Names() ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		return nil, err
	}

	type store struct {
		name    string
		created time.Time
	}
	var stores []store
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := os.Stat(filepath.Join(b.root, entry.Name(), storeMarker))
		if err != nil {
			// not a store
			continue
		}
		stores = append(stores, store{entry.Name(), info.ModTime()})
	}

	sort.SliceStable(stores, func(i, j int) bool {
		if stores[i].created.Equal(stores[j].created) {
			return stores[i].name < stores[j].name
		}
		return stores[i].created.Before(stores[j].created)
	})

	names := make([]string, len(stores))
	for i, s := range stores {
		names[i] = s.name
	}
	return names, nil
}

// Remove deletes the store directory
func (b *DiskBackend) Remove(name string) error {
	dir, err := b.dir(name)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

// Close is a no-op for the disk backend
func (b *DiskBackend) Close() error {
	return nil
}

// zstdCodec holds a shared encoder/decoder pair; both are safe for
// concurrent EncodeAll/DecodeAll calls.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() (*zstdCodec, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &zstdCodec{enc: enc, dec: dec}, nil
}

func (c *zstdCodec) encode(data []byte) []byte {
	return c.enc.EncodeAll(data, nil)
}

func (c *zstdCodec) decode(data []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress entry: %w", err)
	}
	return out, nil
}
