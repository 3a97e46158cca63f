package cache

import (
	"errors"
	"sync/atomic"
	"time"

	rc "github.com/dgraph-io/ristretto"
)

// ErrRejected is returned when ristretto drops a write under pressure
var ErrRejected = errors.New("cache write rejected")

// RistrettoCache implements GenericCache on top of dgraph-io/ristretto.
// Entries cost their size in bytes, so a store never exceeds its byte budget.
type RistrettoCache struct {
	c      *rc.Cache
	ttl    time.Duration
	closed atomic.Bool
}

// NewRistrettoBackend creates a bounded in-memory backend.
// maxSizeMB caps each store; a ttl of zero disables expiry.
func NewRistrettoBackend(maxSizeMB int, ttl time.Duration) *MemoryBackend {
	return newMemoryBackend(func() (memoryStore, error) {
		return newRistretto(maxSizeMB, ttl)
	})
}

func newRistretto(maxSizeMB int, ttl time.Duration) (*RistrettoCache, error) {
	c, err := rc.NewCache(&rc.Config{
		NumCounters: 100_000,
		MaxCost:     int64(maxSizeMB) << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{c: c, ttl: ttl}, nil
}

func (r *RistrettoCache) Get(key string) ([]byte, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := r.c.Get(key)
	if !ok {
		return nil, nil
	}
	data, _ := v.([]byte)
	if data == nil {
		// drop unexpected entry shape
		r.c.Del(key)
		return nil, nil
	}
	return data, nil
}

func (r *RistrettoCache) Set(key string, value []byte) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if !r.c.SetWithTTL(key, value, int64(len(value)), r.ttl) {
		return ErrRejected
	}
	// make the write visible to the next Get
	r.c.Wait()
	return nil
}

func (r *RistrettoCache) Delete(key string) (bool, error) {
	if r.closed.Load() {
		return false, ErrClosed
	}
	_, found := r.c.Get(key)
	r.c.Del(key)
	return found, nil
}

func (r *RistrettoCache) Clear() error {
	if r.closed.Load() {
		return ErrClosed
	}
	r.c.Clear()
	return nil
}

func (r *RistrettoCache) Init() error {
	return nil
}

func (r *RistrettoCache) close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.c.Close()
	return nil
}
