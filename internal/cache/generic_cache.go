// Byte stores backing the named HTTP cache stores
package cache

import "errors"

// ErrClosed is returned by stores whose backend was removed
var ErrClosed = errors.New("cache store closed")

// GenericCache interface for caching operations
type GenericCache interface {
	// retrieves cached data if it exists and is not expired.
	// returns nil, nil when not found or expired
	Get(key string) ([]byte, error)
	// stores data in the cache under the specified key
	Set(key string, value []byte) error
	// removes a key. returns false if it was not present
	Delete(key string) (bool, error)
	// removes every key of this store
	Clear() error
	// initializes the cache (e.g., creates necessary directories)
	Init() error
}

// Backend hands out one GenericCache per named store
type Backend interface {
	// Open returns the store with this name, creating it if absent
	Open(name string) (GenericCache, error)
	// Names lists existing stores, oldest first
	Names() ([]string, error)
	// Remove drops a store and all of its entries
	Remove(name string) error
	// Close releases the backend resources
	Close() error
}
