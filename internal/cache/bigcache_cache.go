package cache

import (
	"errors"
	"time"

	bc "github.com/allegro/bigcache/v3"
)

// noExpiry stands in for "never" since bigcache only has a global life window
const noExpiry = 100 * 365 * 24 * time.Hour

// BigcacheCache implements GenericCache on top of allegro/bigcache
type BigcacheCache struct {
	c *bc.BigCache
}

// NewBigcacheBackend creates an in-memory backend with one bigcache per store.
// maxSizeMB caps each store; a ttl of zero disables expiry.
func NewBigcacheBackend(maxSizeMB int, ttl time.Duration) *MemoryBackend {
	return newMemoryBackend(func() (memoryStore, error) {
		return newBigcache(maxSizeMB, ttl)
	})
}

func newBigcache(maxSizeMB int, ttl time.Duration) (*BigcacheCache, error) {
	life := ttl
	if life <= 0 {
		life = noExpiry
	}
	conf := bc.DefaultConfig(life)
	conf.Shards = 16
	conf.MaxEntriesInWindow = 1024
	conf.MaxEntrySize = 4096
	conf.HardMaxCacheSize = maxSizeMB
	conf.Verbose = false
	if ttl > 0 {
		conf.CleanWindow = max(ttl/2, time.Second)
	} else {
		conf.CleanWindow = 0
	}

	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &BigcacheCache{c: c}, nil
}

func (b *BigcacheCache) Get(key string) ([]byte, error) {
	data, err := b.c.Get(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (b *BigcacheCache) Set(key string, value []byte) error {
	return b.c.Set(key, value)
}

func (b *BigcacheCache) Delete(key string) (bool, error) {
	err := b.c.Delete(key)
	if errors.Is(err, bc.ErrEntryNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BigcacheCache) Clear() error {
	return b.c.Reset()
}

func (b *BigcacheCache) Init() error {
	return nil
}

func (b *BigcacheCache) close() error {
	return b.c.Close()
}
