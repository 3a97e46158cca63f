package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Supported cache backends
const (
	BackendDisk      = "disk"
	BackendBigcache  = "bigcache"
	BackendRistretto = "ristretto"
	BackendRedis     = "redis"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `yaml:"server"`
	Worker WorkerConfig `yaml:"worker"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `yaml:"port"`
	HTTPS HTTPSConfig `yaml:"https"`
}

// HTTPSConfig contains TLS interception configuration
type HTTPSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CACertFile string `yaml:"ca_cert_file"`
	CAKeyFile  string `yaml:"ca_key_file"`
	// Address of the transparent HTTPS listener, empty to disable it
	TransparentAddr string `yaml:"transparent_addr"`
}

// WorkerConfig describes the page the offline worker is registered for
type WorkerConfig struct {
	// Origin the worker is registered on, e.g. "https://grammar.example.com"
	Origin string `yaml:"origin"`
	// Scope path, core assets are resolved relative to it
	Scope string `yaml:"scope"`
	// Name of the current cache store
	Version string `yaml:"version"`
	// Stores sharing this prefix but not named Version are deleted on activation
	Prefix     string   `yaml:"prefix"`
	CoreAssets []string `yaml:"core_assets"`
	// Page served for offline navigations nothing else matches
	Shell string `yaml:"shell"`
	// Plain-http origins that are still intercepted
	DevOrigins []string `yaml:"dev_origins"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend string `yaml:"backend"`
	// TTL of a cached entry, "0s" keeps entries until their store is deleted
	TTL      string `yaml:"ttl"`
	Folder   string `yaml:"folder"`
	Compress bool   `yaml:"compress"`
	// Memory limit for in-memory backends
	MaxSizeMB int         `yaml:"max_size_mb"`
	Redis     RedisConfig `yaml:"redis"`
}

// RedisConfig contains the redis backend connection settings
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Namespace string `yaml:"namespace"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the configuration used for any key the config file omits
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Worker: WorkerConfig{
			Origin:  "http://localhost",
			Scope:   "/",
			Version: "grammarlearning-v1",
			Prefix:  "grammarlearning-",
			CoreAssets: []string{
				"./",
				"./index.html",
				"./lib/sqljs/sql-wasm.js",
				"./lib/sqljs/sql-wasm.wasm",
			},
			Shell:      "./index.html",
			DevOrigins: []string{"http://localhost"},
		},
		Cache: CacheConfig{
			Backend:   BackendDisk,
			TTL:       "0s",
			Folder:    "./cache",
			MaxSizeMB: 64,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				Namespace: "offline-worker",
			},
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load loads configuration from a YAML file, on top of Default()
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "yaml"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// GetCacheTTL parses and returns the cache TTL duration
func (c *Config) GetCacheTTL() (time.Duration, error) {
	return time.ParseDuration(c.Cache.TTL)
}

// GetOrigin parses the worker origin
func (c *Config) GetOrigin() (*url.URL, error) {
	origin, err := url.Parse(c.Worker.Origin)
	if err != nil {
		return nil, err
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute, got: %s", c.Worker.Origin)
	}
	return origin, nil
}

// GetLogLevel parses the configured log level
func (c *Config) GetLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if (c.Server.HTTPS.CACertFile == "") != (c.Server.HTTPS.CAKeyFile == "") {
		return fmt.Errorf("https CA certificate and key must be set together")
	}

	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid worker origin: %w", err)
	}

	if !strings.HasPrefix(c.Worker.Scope, "/") {
		return fmt.Errorf("worker scope must start with '/', got: %s", c.Worker.Scope)
	}

	if c.Worker.Version == "" {
		return fmt.Errorf("worker version is required")
	}

	if c.Worker.Prefix == "" {
		return fmt.Errorf("worker prefix is required")
	}

	if !strings.HasPrefix(c.Worker.Version, c.Worker.Prefix) {
		return fmt.Errorf("worker version %q must start with prefix %q", c.Worker.Version, c.Worker.Prefix)
	}

	if c.Cache.TTL == "" {
		return fmt.Errorf("cache TTL is required")
	}

	ttl, err := c.GetCacheTTL()
	if err != nil {
		return fmt.Errorf("invalid cache TTL format: %w", err)
	}
	if ttl < 0 {
		return fmt.Errorf("cache TTL must not be negative, got: %s", c.Cache.TTL)
	}

	switch c.Cache.Backend {
	case BackendDisk:
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required")
		}
	case BackendBigcache, BackendRistretto:
		if c.Cache.MaxSizeMB <= 0 {
			return fmt.Errorf("cache max_size_mb must be positive, got: %d", c.Cache.MaxSizeMB)
		}
	case BackendRedis:
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache redis addr is required")
		}
	default:
		return fmt.Errorf("unknown cache backend: %s", c.Cache.Backend)
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}

// Dump renders the effective configuration as YAML
func (c *Config) Dump() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding config YAML: %w", err)
	}
	return string(data), nil
}
