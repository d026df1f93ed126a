// Package config provides configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Backend BackendConfig `yaml:"backend"`
	Buffer  BufferConfig  `yaml:"buffer"`
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BackendConfig selects and configures the storage backend.
// Use "memory", "sqlite", "postgres", "redis", or "mongo".
type BackendConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
	Redis    RedisConfig    `yaml:"redis,omitempty"`
	Mongo    MongoConfig    `yaml:"mongo,omitempty"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// MongoConfig configures the mongo backend.
type MongoConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
}

// BufferConfig configures the in-memory event buffer.
type BufferConfig struct {
	Size           int           `yaml:"size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	FlushBatchSize int           `yaml:"flush_batch_size"`
	BlockTimeout   time.Duration `yaml:"block_timeout"`
	CloseTimeout   time.Duration `yaml:"close_timeout"`
}

// RetryConfig configures delivery retries.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// BreakerConfig configures the circuit breaker guarding the backend.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
// Useful for Docker deployments where no config file is needed.
//
// Environment variables:
//
//	TOKENUSAGE_BACKEND_DRIVER     - memory, sqlite, postgres, redis, or mongo
//	TOKENUSAGE_SQLITE_PATH        - sqlite database path (default: usage.db)
//	TOKENUSAGE_POSTGRES_DSN       - postgres connection string
//	TOKENUSAGE_REDIS_ADDR         - redis host:port
//	TOKENUSAGE_MONGO_URI          - mongodb connection URI
//	TOKENUSAGE_SERVER_HOST        - server host (default: 0.0.0.0)
//	TOKENUSAGE_SERVER_PORT        - server port (default: 8080)
//	TOKENUSAGE_BUFFER_SIZE        - event buffer capacity (default: 10000)
//	TOKENUSAGE_FLUSH_INTERVAL     - timer flush interval (default: 10s)
//	TOKENUSAGE_LOG_LEVEL          - debug, info, warn, error (default: info)
//	TOKENUSAGE_LOG_FORMAT         - json or console (default: json)
//	TOKENUSAGE_METRICS_ENABLED    - enable /metrics endpoint (default: true)
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// LoadWithFallback tries to load from file, falls back to environment variables.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return LoadFromEnv()
}

// applyEnvOverrides applies TOKENUSAGE_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	// Server configuration
	if v := os.Getenv("TOKENUSAGE_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("TOKENUSAGE_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("TOKENUSAGE_SERVER_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.ReadTimeout = d
		}
	}
	if v := os.Getenv("TOKENUSAGE_SERVER_WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.WriteTimeout = d
		}
	}

	// Backend configuration
	if v := os.Getenv("TOKENUSAGE_BACKEND_DRIVER"); v != "" {
		cfg.Backend.Driver = v
	}
	if v := os.Getenv("TOKENUSAGE_SQLITE_PATH"); v != "" {
		cfg.Backend.SQLite.Path = v
	}
	if v := os.Getenv("TOKENUSAGE_POSTGRES_DSN"); v != "" {
		cfg.Backend.Postgres.DSN = v
	}
	if v := os.Getenv("TOKENUSAGE_REDIS_ADDR"); v != "" {
		cfg.Backend.Redis.Addr = v
	}
	if v := os.Getenv("TOKENUSAGE_REDIS_PASSWORD"); v != "" {
		cfg.Backend.Redis.Password = v
	}
	if v := os.Getenv("TOKENUSAGE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backend.Redis.DB = n
		}
	}
	if v := os.Getenv("TOKENUSAGE_MONGO_URI"); v != "" {
		cfg.Backend.Mongo.URI = v
	}
	if v := os.Getenv("TOKENUSAGE_MONGO_DATABASE"); v != "" {
		cfg.Backend.Mongo.Database = v
	}

	// Buffer configuration
	if v := os.Getenv("TOKENUSAGE_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.Size = n
		}
	}
	if v := os.Getenv("TOKENUSAGE_FLUSH_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.FlushInterval = d
		}
	}
	if v := os.Getenv("TOKENUSAGE_FLUSH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.FlushBatchSize = n
		}
	}
	if v := os.Getenv("TOKENUSAGE_BLOCK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.BlockTimeout = d
		}
	}
	if v := os.Getenv("TOKENUSAGE_CLOSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Buffer.CloseTimeout = d
		}
	}

	// Retry configuration
	if v := os.Getenv("TOKENUSAGE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retry.MaxRetries = n
		}
	}
	if v := os.Getenv("TOKENUSAGE_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.BaseDelay = d
		}
	}
	if v := os.Getenv("TOKENUSAGE_RETRY_MAX_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retry.MaxDelay = d
		}
	}

	// Breaker configuration
	if v := os.Getenv("TOKENUSAGE_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.FailureThreshold = n
		}
	}
	if v := os.Getenv("TOKENUSAGE_BREAKER_RECOVERY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Breaker.RecoveryTimeout = d
		}
	}

	// Logging configuration
	if v := os.Getenv("TOKENUSAGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TOKENUSAGE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	// Metrics configuration
	if v := os.Getenv("TOKENUSAGE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("TOKENUSAGE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}

	if cfg.Backend.Driver == "" {
		cfg.Backend.Driver = "memory"
	}
	if cfg.Backend.SQLite.Path == "" {
		cfg.Backend.SQLite.Path = "usage.db"
	}
	if cfg.Backend.Mongo.Database == "" {
		cfg.Backend.Mongo.Database = "tokenusage"
	}

	if cfg.Buffer.Size == 0 {
		cfg.Buffer.Size = 10000
	}
	if cfg.Buffer.FlushInterval == 0 {
		cfg.Buffer.FlushInterval = 10 * time.Second
	}
	if cfg.Buffer.FlushBatchSize == 0 {
		cfg.Buffer.FlushBatchSize = 100
	}
	if cfg.Buffer.CloseTimeout == 0 {
		cfg.Buffer.CloseTimeout = 5 * time.Second
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry.MaxRetries = 5
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = 100 * time.Millisecond
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{
		"memory": true, "sqlite": true, "postgres": true, "redis": true, "mongo": true,
	}
	if !validDrivers[cfg.Backend.Driver] {
		return fmt.Errorf("backend.driver must be one of: memory, sqlite, postgres, redis, mongo, got %q", cfg.Backend.Driver)
	}
	if cfg.Backend.Driver == "postgres" && cfg.Backend.Postgres.DSN == "" {
		return fmt.Errorf("backend.postgres.dsn is required when backend.driver is 'postgres'")
	}
	if cfg.Backend.Driver == "redis" && cfg.Backend.Redis.Addr == "" {
		return fmt.Errorf("backend.redis.addr is required when backend.driver is 'redis'")
	}
	if cfg.Backend.Driver == "mongo" && cfg.Backend.Mongo.URI == "" {
		return fmt.Errorf("backend.mongo.uri is required when backend.driver is 'mongo'")
	}

	if cfg.Buffer.Size < 0 {
		return fmt.Errorf("buffer.size must not be negative")
	}
	if cfg.Buffer.FlushBatchSize < 0 {
		return fmt.Errorf("buffer.flush_batch_size must not be negative")
	}
	if cfg.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
