// Package config loads and validates Eventhub's runtime configuration.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all server configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Listeners
	ListenPort           int  `env:"EVENTHUB_LISTEN_PORT" envDefault:"8080"`
	SSLListenPort        int  `env:"EVENTHUB_SSL_LISTEN_PORT" envDefault:"8443"`
	DisableUnsecure      bool `env:"EVENTHUB_DISABLE_UNSECURE_LISTENER" envDefault:"false"`
	EnableSSL            bool `env:"EVENTHUB_ENABLE_SSL" envDefault:"false"`
	SSLCACertificate     string `env:"EVENTHUB_SSL_CA_CERTIFICATE" envDefault:""`
	SSLCertificate       string `env:"EVENTHUB_SSL_CERTIFICATE" envDefault:""`
	SSLPrivateKey        string `env:"EVENTHUB_SSL_PRIVATE_KEY" envDefault:""`
	SSLCertAutoReload    bool   `env:"EVENTHUB_SSL_CERT_AUTO_RELOAD" envDefault:"false"`
	SSLCertCheckInterval int    `env:"EVENTHUB_SSL_CERT_CHECK_INTERVAL" envDefault:"300"`

	// Concurrency
	WorkerThreads int `env:"EVENTHUB_WORKER_THREADS" envDefault:"0"`

	// Auth
	JWTSecret   string `env:"EVENTHUB_JWT_SECRET" envDefault:""`
	DisableAuth bool   `env:"EVENTHUB_DISABLE_AUTH" envDefault:"false"`

	// Backplane (Redis-compatible)
	RedisHost     string `env:"EVENTHUB_REDIS_HOST" envDefault:"127.0.0.1"`
	RedisPort     int    `env:"EVENTHUB_REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"EVENTHUB_REDIS_PASSWORD" envDefault:""`
	RedisPrefix   string `env:"EVENTHUB_REDIS_PREFIX" envDefault:"eventhub"`
	RedisPoolSize int    `env:"EVENTHUB_REDIS_POOL_SIZE" envDefault:"10"`

	// Cache / replay
	EnableCache           bool `env:"EVENTHUB_ENABLE_CACHE" envDefault:"false"`
	MaxCacheLength        int  `env:"EVENTHUB_MAX_CACHE_LENGTH" envDefault:"1000"`
	MaxCacheRequestLimit  int  `env:"EVENTHUB_MAX_CACHE_REQUEST_LIMIT" envDefault:"100"`
	DefaultCacheTTL       int  `env:"EVENTHUB_DEFAULT_CACHE_TTL" envDefault:"60"`

	// Timers
	PingInterval     int `env:"EVENTHUB_PING_INTERVAL" envDefault:"30"`
	HandshakeTimeout int `env:"EVENTHUB_HANDSHAKE_TIMEOUT" envDefault:"5"`

	// Protocols
	EnableSSE     bool `env:"EVENTHUB_ENABLE_SSE" envDefault:"false"`
	EnableKVStore bool `env:"EVENTHUB_ENABLE_KVSTORE" envDefault:"true"`

	// Metrics
	PrometheusMetricPrefix string        `env:"EVENTHUB_PROMETHEUS_METRIC_PREFIX" envDefault:"eventhub"`
	MetricsInterval        time.Duration `env:"EVENTHUB_METRICS_INTERVAL" envDefault:"15s"`

	// Resource guard. 0 means "auto-detect from the cgroup memory limit"
	// (see cgroup.go); an explicit value always wins.
	MaxConnections int `env:"EVENTHUB_MAX_CONNECTIONS" envDefault:"0"`

	// Identity
	InstanceID string `env:"EVENTHUB_INSTANCE_ID" envDefault:""`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and then from the
// environment. Environment variables always win over the .env file.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration overrides from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.MaxConnections <= 0 {
		limit, err := getMemoryLimit()
		if err != nil && logger != nil {
			logger.Info().Err(err).Msg("no cgroup memory limit detected, using default max_connections")
		}
		cfg.MaxConnections = calculateMaxConnections(limit)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for internally inconsistent or out-of-range
// values before the server starts accepting connections.
func (c *Config) Validate() error {
	if !c.EnableSSL && c.DisableUnsecure {
		return fmt.Errorf("at least one listener must be enabled (ssl disabled and plain listener disabled)")
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return fmt.Errorf("EVENTHUB_LISTEN_PORT out of range: %d", c.ListenPort)
	}
	if c.SSLListenPort < 0 || c.SSLListenPort > 65535 {
		return fmt.Errorf("EVENTHUB_SSL_LISTEN_PORT out of range: %d", c.SSLListenPort)
	}
	if c.EnableSSL {
		if c.SSLCertificate == "" || c.SSLPrivateKey == "" {
			return fmt.Errorf("EVENTHUB_SSL_CERTIFICATE and EVENTHUB_SSL_PRIVATE_KEY are required when SSL is enabled")
		}
	}
	if c.MaxCacheLength < 1 {
		return fmt.Errorf("EVENTHUB_MAX_CACHE_LENGTH must be > 0, got %d", c.MaxCacheLength)
	}
	if c.MaxCacheRequestLimit < 1 {
		return fmt.Errorf("EVENTHUB_MAX_CACHE_REQUEST_LIMIT must be > 0, got %d", c.MaxCacheRequestLimit)
	}
	if c.PingInterval < 1 {
		return fmt.Errorf("EVENTHUB_PING_INTERVAL must be > 0, got %d", c.PingInterval)
	}
	if c.HandshakeTimeout < 1 {
		return fmt.Errorf("EVENTHUB_HANDSHAKE_TIMEOUT must be > 0, got %d", c.HandshakeTimeout)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("EVENTHUB_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if !c.DisableAuth && c.JWTSecret == "" {
		return fmt.Errorf("EVENTHUB_JWT_SECRET is required unless EVENTHUB_DISABLE_AUTH=true")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print renders the configuration for local debugging. Production code paths
// should use LogConfig instead.
func (c *Config) Print() {
	fmt.Println("=== Eventhub Configuration ===")
	fmt.Printf("Listen:          %d (ssl=%d enabled=%v)\n", c.ListenPort, c.SSLListenPort, c.EnableSSL)
	fmt.Printf("Worker threads:  %d (0=auto)\n", c.WorkerThreads)
	fmt.Printf("Redis:           %s:%d prefix=%q pool=%d\n", c.RedisHost, c.RedisPort, c.RedisPrefix, c.RedisPoolSize)
	fmt.Printf("Cache:           enabled=%v max_len=%d ttl=%ds\n", c.EnableCache, c.MaxCacheLength, c.DefaultCacheTTL)
	fmt.Printf("Auth:            disabled=%v\n", c.DisableAuth)
	fmt.Printf("SSE:             enabled=%v\n", c.EnableSSE)
	fmt.Printf("KV store:        enabled=%v\n", c.EnableKVStore)
	fmt.Println("==============================")
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("listen_port", c.ListenPort).
		Int("ssl_listen_port", c.SSLListenPort).
		Bool("enable_ssl", c.EnableSSL).
		Bool("disable_unsecure_listener", c.DisableUnsecure).
		Int("worker_threads", c.WorkerThreads).
		Bool("disable_auth", c.DisableAuth).
		Str("redis_host", c.RedisHost).
		Int("redis_port", c.RedisPort).
		Str("redis_prefix", c.RedisPrefix).
		Bool("enable_cache", c.EnableCache).
		Int("max_cache_length", c.MaxCacheLength).
		Int("max_cache_request_limit", c.MaxCacheRequestLimit).
		Int("default_cache_ttl", c.DefaultCacheTTL).
		Int("ping_interval", c.PingInterval).
		Int("handshake_timeout", c.HandshakeTimeout).
		Bool("enable_sse", c.EnableSSE).
		Bool("enable_kvstore", c.EnableKVStore).
		Str("prometheus_metric_prefix", c.PrometheusMetricPrefix).
		Int("max_connections", c.MaxConnections).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("configuration loaded")
}
