// Package config provides configuration management for the Dossio service.
//
// This package handles loading configuration from multiple sources with proper precedence:
//   - YAML configuration files
//   - Environment variables (DOSSIO_ prefix)
//   - .env files
//   - Default values
//
// # Configuration Sources Priority
//
// Configuration is loaded in the following order (later sources override earlier ones):
//  1. Default values (set via SetDefaults)
//  2. Configuration files (./config.yaml, ./configs/config.yaml, ~/.dossio/config.yaml, /etc/dossio/config.yaml)
//  3. .env files
//  4. Environment variables
//
// # Environment Variables
//
// Environment variables override all other configuration sources.
// Use the prefix and underscores for nested keys:
//   - DOSSIO_SERVER_PORT=8095
//   - DOSSIO_DATABASE_URL=postgresql://localhost:5432/dossio
//   - DOSSIO_SCHEDULER_WORKERS=8
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServiceConfig contains service metadata.
type ServiceConfig struct {
	// Name is the service name
	Name string `mapstructure:"name"`

	// Version is the service version
	Version string `mapstructure:"version"`

	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	// Host is the server bind address (default: 0.0.0.0)
	Host string `mapstructure:"host"`

	// Port is the server listen port (default: 8080)
	Port int `mapstructure:"port"`

	// ReadTimeout is the maximum duration for reading requests.
	// SSE responses stream indefinitely, so no write timeout is applied.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// ShutdownTimeout is the maximum duration for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// Debug enables debug logging and additional endpoints
	Debug bool `mapstructure:"debug"`

	// RateLimit is the maximum requests per second per client (0 = no limit)
	RateLimit float64 `mapstructure:"rate_limit"`

	// AllowedOrigins are the CORS allowed origins
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// UserHeader is the header carrying the gateway-authenticated user id
	UserHeader string `mapstructure:"user_header"`
}

// DatabaseConfig contains PostgreSQL connection settings. The same URL is
// shared by the pgx pool (jobs/cards/events) and gorm (artifact cache).
type DatabaseConfig struct {
	// URL is the postgres connection string
	URL string `mapstructure:"url"`

	// MaxConnections is the maximum number of pooled connections
	MaxConnections int `mapstructure:"max_connections"`

	// Migrate runs table creation on startup
	Migrate bool `mapstructure:"migrate"`
}

// RedisConfig contains Redis connection settings used for refresh locks,
// the wake-up bus, and the redis refresh queue backend.
type RedisConfig struct {
	// URL is the redis connection URL (redis://host:port/db)
	URL string `mapstructure:"url"`
}

// QueueConfig selects and configures the background refresh queue backend.
type QueueConfig struct {
	// Backend is "redis" or "rabbit"
	Backend string `mapstructure:"backend"`

	// RabbitURL is the AMQP URL when backend=rabbit
	RabbitURL string `mapstructure:"rabbit_url"`

	// Name is the queue name
	Name string `mapstructure:"name"`

	// Workers is the background refresh pool size (default: 2)
	Workers int `mapstructure:"workers"`
}

// CacheConfig contains artifact cache policy.
type CacheConfig struct {
	// TTL holds per-source freshness windows; key "default" applies when a
	// source has no entry
	TTL map[string]time.Duration `mapstructure:"ttl"`

	// MaxStale is the window past expiry during which entries are still
	// served as prefill
	MaxStale time.Duration `mapstructure:"max_stale"`

	// LockTTL is the safety TTL on refresh locks so a crashed worker cannot
	// deadlock a subject
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// SchedulerConfig contains execution engine tuning.
type SchedulerConfig struct {
	// Workers is the worker pool size (default: 4)
	Workers int `mapstructure:"workers"`

	// Groups maps concurrency group names to budgets; 0 or missing means
	// unlimited
	Groups map[string]int `mapstructure:"groups"`

	// MaxRetries is the per-card retry budget before fallback
	MaxRetries int `mapstructure:"max_retries"`

	// RetryBackoff is the base delay between attempts
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`

	// CardTimeout is the default per-card soft deadline
	CardTimeout time.Duration `mapstructure:"card_timeout"`

	// CardTimeouts overrides the soft deadline per card type
	CardTimeouts map[string]time.Duration `mapstructure:"card_timeouts"`

	// CancelGrace is how long in-flight handlers get to surrender after a
	// cancel or deadline signal
	CancelGrace time.Duration `mapstructure:"cancel_grace"`
}

// LLMRouteConfig declares model routing for one card type.
type LLMRouteConfig struct {
	// Primary is the preferred model identifier (provider/model)
	Primary string `mapstructure:"primary"`

	// Fallback is used when the primary fails
	Fallback string `mapstructure:"fallback"`

	// MaxAttempts caps total attempts across primary and fallback
	MaxAttempts int `mapstructure:"max_attempts"`
}

// LLMConfig contains model client settings and the per-card routing table.
type LLMConfig struct {
	// AnthropicKey is the Anthropic API key (usually via env)
	AnthropicKey string `mapstructure:"anthropic_key"`

	// OpenAIKey is the OpenAI API key
	OpenAIKey string `mapstructure:"openai_key"`

	// DefaultModel is used when a card type has no route
	DefaultModel string `mapstructure:"default_model"`

	// Routes maps card_type to its routing entry
	Routes map[string]LLMRouteConfig `mapstructure:"routes"`
}

// FetchConfig contains resource fetcher settings.
type FetchConfig struct {
	// UserAgent sent on outbound requests
	UserAgent string `mapstructure:"user_agent"`

	// Timeout per fetch
	Timeout time.Duration `mapstructure:"timeout"`

	// RatePerHost limits requests per second per upstream host
	RatePerHost float64 `mapstructure:"rate_per_host"`

	// BreakerThreshold is consecutive failures before the circuit opens
	BreakerThreshold int `mapstructure:"breaker_threshold"`

	// DiskCachePath enables the local bbolt page cache when non-empty
	DiskCachePath string `mapstructure:"disk_cache_path"`

	// DiskCacheTTL bounds reuse of locally cached pages
	DiskCacheTTL time.Duration `mapstructure:"disk_cache_ttl"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error)
	Level string `mapstructure:"level"`

	// Format is the log format (json, text)
	Format string `mapstructure:"format"`
}

// Config is the root configuration structure for the Dossio service.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// Loader provides configuration loading functionality.
type Loader struct {
	v      *viper.Viper
	prefix string
}

// NewLoader creates a new configuration loader with the given environment prefix.
func NewLoader(envPrefix string) *Loader {
	return &Loader{
		v:      viper.New(),
		prefix: envPrefix,
	}
}

// SetDefaults sets default configuration values.
// This should be called before Load().
func (l *Loader) SetDefaults(defaults map[string]interface{}) {
	for key, value := range defaults {
		l.v.SetDefault(key, value)
	}
}

// SetConfigDefaults sets standard Dossio service defaults.
func (l *Loader) SetConfigDefaults() {
	l.v.SetDefault("service.name", "dossio")
	l.v.SetDefault("service.environment", "development")

	l.v.SetDefault("server.host", "0.0.0.0")
	l.v.SetDefault("server.port", 8080)
	l.v.SetDefault("server.read_timeout", "30s")
	l.v.SetDefault("server.shutdown_timeout", "10s")
	l.v.SetDefault("server.debug", false)
	l.v.SetDefault("server.rate_limit", 0)
	l.v.SetDefault("server.allowed_origins", []string{"*"})
	l.v.SetDefault("server.user_header", "X-User-ID")

	l.v.SetDefault("database.url", "postgresql://localhost:5432/dossio?sslmode=disable")
	l.v.SetDefault("database.max_connections", 10)
	l.v.SetDefault("database.migrate", true)

	l.v.SetDefault("redis.url", "redis://localhost:6379/0")

	l.v.SetDefault("queue.backend", "redis")
	l.v.SetDefault("queue.name", "dossio-refresh")
	l.v.SetDefault("queue.workers", 2)

	l.v.SetDefault("cache.ttl", map[string]time.Duration{
		"default":  24 * time.Hour,
		"scholar":  7 * 24 * time.Hour,
		"linkedin": 14 * 24 * time.Hour,
		"github":   24 * time.Hour,
	})
	l.v.SetDefault("cache.max_stale", 30*24*time.Hour)
	l.v.SetDefault("cache.lock_ttl", "10m")

	l.v.SetDefault("scheduler.workers", 4)
	l.v.SetDefault("scheduler.groups", map[string]int{"llm": 4})
	l.v.SetDefault("scheduler.max_retries", 2)
	l.v.SetDefault("scheduler.retry_backoff", "500ms")
	l.v.SetDefault("scheduler.card_timeout", "60s")
	l.v.SetDefault("scheduler.cancel_grace", "5s")

	l.v.SetDefault("llm.default_model", "anthropic/claude-sonnet-4-5")

	l.v.SetDefault("fetch.user_agent", "Mozilla/5.0 (X11; Linux x86_64; rv:140.0) Gecko/20100101 Firefox/140.0")
	l.v.SetDefault("fetch.timeout", "20s")
	l.v.SetDefault("fetch.rate_per_host", 2)
	l.v.SetDefault("fetch.breaker_threshold", 5)
	l.v.SetDefault("fetch.disk_cache_ttl", "6h")

	l.v.SetDefault("logging.level", "info")
	l.v.SetDefault("logging.format", "json")
}

// Load reads configuration from file, .env, and environment variables.
// If cfgFile is empty, searches for config.yaml in standard locations.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (with prefix)
//  2. .env file
//  3. Configuration file
//  4. Default values
func (l *Loader) Load(cfgFile string, target interface{}) error {
	// Set config file
	if cfgFile != "" {
		l.v.SetConfigFile(cfgFile)
	} else {
		l.v.SetConfigName("config")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath("./configs")
		l.v.AddConfigPath("$HOME/.dossio")
		l.v.AddConfigPath("/etc/dossio")
	}

	// Read config file
	if err := l.v.ReadInConfig(); err != nil {
		// Only fail on non-NotFound errors for explicit file paths
		if cfgFile != "" && !isFileNotFoundError(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// For auto-discovery, only fail on non-NotFound errors
		if cfgFile == "" {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	// Merge .env file if present
	l.v.SetConfigFile(".env")
	l.v.SetConfigType("env")
	_ = l.v.MergeInConfig() // Ignore if .env doesn't exist

	// Setup environment variable binding
	if l.prefix != "" {
		l.v.SetEnvPrefix(l.prefix)
	}
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	// Unmarshal into target
	if err := l.v.Unmarshal(target); err != nil {
		return fmt.Errorf("unable to decode config: %w", err)
	}

	return nil
}

// LoadConfig is a convenience function that loads configuration with standard defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	loader := NewLoader("DOSSIO")
	loader.SetConfigDefaults()

	cfg := &Config{}
	if err := loader.Load(cfgFile, cfg); err != nil {
		return nil, err
	}

	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ValidateConfig validates the loaded configuration.
func ValidateConfig(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}

	if cfg.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler requires at least one worker, got %d", cfg.Scheduler.Workers)
	}

	switch cfg.Queue.Backend {
	case "redis", "rabbit":
	default:
		return fmt.Errorf("unknown queue backend: %q", cfg.Queue.Backend)
	}

	if cfg.Queue.Backend == "rabbit" && cfg.Queue.RabbitURL == "" {
		return fmt.Errorf("queue.rabbit_url is required when backend is rabbit")
	}

	return nil
}

// TTLFor returns the configured freshness window for a source, falling back
// to the "default" entry and finally to 24h.
func (c *CacheConfig) TTLFor(source string) time.Duration {
	if ttl, ok := c.TTL[source]; ok && ttl > 0 {
		return ttl
	}
	if ttl, ok := c.TTL["default"]; ok && ttl > 0 {
		return ttl
	}
	return 24 * time.Hour
}

// TimeoutFor returns the soft deadline for a card type.
func (c *SchedulerConfig) TimeoutFor(cardType string) time.Duration {
	if d, ok := c.CardTimeouts[cardType]; ok && d > 0 {
		return d
	}
	if c.CardTimeout > 0 {
		return c.CardTimeout
	}
	return 60 * time.Second
}

// isFileNotFoundError checks if an error is a file not found error.
func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
