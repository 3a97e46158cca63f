package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNilClient is returned when no redis client is supplied
var ErrNilClient = errors.New("redis backend: nil client")

// RedisBackend keeps stores in redis. Entries live under
// "<namespace>:<store>:<key>"; store names are members of the sorted set
// "<namespace>:stores", scored by creation time.
type RedisBackend struct {
	rdb         goredis.UniversalClient
	namespace   string
	ttl         time.Duration
	closeClient bool
}

// RedisConfig configures a RedisBackend
type RedisConfig struct {
	Client    goredis.UniversalClient
	Namespace string
	// TTL of each entry, zero keeps entries until their store is removed
	TTL time.Duration
	// set true only if this backend exclusively owns the client
	CloseClient bool
}

// NewRedisBackend creates a redis backend
func NewRedisBackend(cfg RedisConfig) (*RedisBackend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	return &RedisBackend{
		rdb:         cfg.Client,
		namespace:   cfg.Namespace,
		ttl:         cfg.TTL,
		closeClient: cfg.CloseClient,
	}, nil
}

func (b *RedisBackend) storesKey() string {
	return b.namespace + ":stores"
}

func (b *RedisBackend) prefix(name string) string {
	return b.namespace + ":" + name + ":"
}

// Open returns the store with this name, creating it if absent
func (b *RedisBackend) Open(name string) (GenericCache, error) {
	if name == "" {
		return nil, fmt.Errorf("invalid store name %q", name)
	}
	ctx := context.Background()
	err := b.rdb.ZAddNX(ctx, b.storesKey(), goredis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: name,
	}).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to register store %s: %w", name, err)
	}
	return &RedisCache{rdb: b.rdb, prefix: b.prefix(name), ttl: b.ttl}, nil
}

// Names lists stores, oldest first
func (b *RedisBackend) Names() ([]string, error) {
	return b.rdb.ZRange(context.Background(), b.storesKey(), 0, -1).Result()
}

// Remove unregisters a store and deletes its entries
func (b *RedisBackend) Remove(name string) error {
	ctx := context.Background()
	if err := b.rdb.ZRem(ctx, b.storesKey(), name).Err(); err != nil {
		return fmt.Errorf("failed to unregister store %s: %w", name, err)
	}
	return deleteByPrefix(ctx, b.rdb, b.prefix(name))
}

// Close releases the redis client when this backend owns it
func (b *RedisBackend) Close() error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}

// RedisCache implements GenericCache for one store of a RedisBackend
type RedisCache struct {
	rdb    goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (r *RedisCache) Get(key string) ([]byte, error) {
	data, err := r.rdb.Get(context.Background(), r.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (r *RedisCache) Set(key string, value []byte) error {
	return r.rdb.Set(context.Background(), r.prefix+key, value, r.ttl).Err()
}

func (r *RedisCache) Delete(key string) (bool, error) {
	n, err := r.rdb.Del(context.Background(), r.prefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisCache) Clear() error {
	return deleteByPrefix(context.Background(), r.rdb, r.prefix)
}

func (r *RedisCache) Init() error {
	return nil
}

func deleteByPrefix(ctx context.Context, rdb goredis.UniversalClient, prefix string) error {
	iter := rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", 256).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 256 {
			if err := rdb.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return rdb.Del(ctx, batch...).Err()
	}
	return nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
