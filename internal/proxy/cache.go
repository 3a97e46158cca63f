package proxy

import (
	"fmt"

	"github.com/iTrooz/offline-cache-worker/internal/cache"
	"github.com/iTrooz/offline-cache-worker/internal/config"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// newBackend builds the cache backend selected in the configuration
func newBackend(cfg *config.Config) (cache.Backend, error) {
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}

	switch cfg.Cache.Backend {
	case config.BackendDisk:
		var opts []cache.DiskOption
		if cfg.Cache.Compress {
			opts = append(opts, cache.WithCompression())
		}
		logrus.Debugf("Using disk cache in %s (compress=%t)", cfg.Cache.Folder, cfg.Cache.Compress)
		return cache.NewDiskBackend(cfg.Cache.Folder, ttl, opts...)
	case config.BackendBigcache:
		logrus.Debugf("Using bigcache with %d MB", cfg.Cache.MaxSizeMB)
		return cache.NewBigcacheBackend(cfg.Cache.MaxSizeMB, ttl), nil
	case config.BackendRistretto:
		logrus.Debugf("Using ristretto with %d MB", cfg.Cache.MaxSizeMB)
		return cache.NewRistrettoBackend(cfg.Cache.MaxSizeMB, ttl), nil
	case config.BackendRedis:
		logrus.Debugf("Using redis at %s, namespace %s", cfg.Cache.Redis.Addr, cfg.Cache.Redis.Namespace)
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		return cache.NewRedisBackend(cache.RedisConfig{
			Client:      client,
			Namespace:   cfg.Cache.Redis.Namespace,
			TTL:         ttl,
			CloseClient: true,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Cache.Backend)
	}
}
