package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lazzyms/token-usage-metrics/config"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
server:
  host: "127.0.0.1"
  port: 9090

backend:
  driver: "sqlite"
  sqlite:
    path: "/tmp/usage-test.db"

buffer:
  size: 500
  flush_interval: 5s
  flush_batch_size: 50

retry:
  max_retries: 3
  base_delay: 50ms

breaker:
  failure_threshold: 3
  recovery_timeout: 10s
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Host = %s, want 127.0.0.1", cfg.Server.Host)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Backend.Driver != "sqlite" {
		t.Errorf("Backend.Driver = %s, want sqlite", cfg.Backend.Driver)
	}
	if cfg.Backend.SQLite.Path != "/tmp/usage-test.db" {
		t.Errorf("SQLite.Path = %s, want /tmp/usage-test.db", cfg.Backend.SQLite.Path)
	}
	if cfg.Buffer.Size != 500 {
		t.Errorf("Buffer.Size = %d, want 500", cfg.Buffer.Size)
	}
	if cfg.Buffer.FlushInterval != 5*time.Second {
		t.Errorf("Buffer.FlushInterval = %v, want 5s", cfg.Buffer.FlushInterval)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Errorf("Retry.MaxRetries = %d, want 3", cfg.Retry.MaxRetries)
	}
	if cfg.Breaker.FailureThreshold != 3 {
		t.Errorf("Breaker.FailureThreshold = %d, want 3", cfg.Breaker.FailureThreshold)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg := writeAndLoad(t, "{}\n")

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("default Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("default Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Backend.Driver != "memory" {
		t.Errorf("default Backend.Driver = %s, want memory", cfg.Backend.Driver)
	}
	if cfg.Buffer.Size != 10000 {
		t.Errorf("default Buffer.Size = %d, want 10000", cfg.Buffer.Size)
	}
	if cfg.Buffer.FlushInterval != 10*time.Second {
		t.Errorf("default Buffer.FlushInterval = %v, want 10s", cfg.Buffer.FlushInterval)
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Errorf("default Retry.MaxRetries = %d, want 5", cfg.Retry.MaxRetries)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("default Breaker.FailureThreshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("default Logging.Level = %s, want info", cfg.Logging.Level)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("default Metrics.Path = %s, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	os.Setenv("TEST_SQLITE_PATH", "/data/env-test.db")
	defer os.Unsetenv("TEST_SQLITE_PATH")

	content := `
backend:
  driver: "sqlite"
  sqlite:
    path: "${TEST_SQLITE_PATH}"
`

	cfg := writeAndLoad(t, content)

	if cfg.Backend.SQLite.Path != "/data/env-test.db" {
		t.Errorf("SQLite.Path = %s, want /data/env-test.db", cfg.Backend.SQLite.Path)
	}
}

func TestLoad_InvalidDriver(t *testing.T) {
	content := `
backend:
  driver: "cassandra"
`

	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for unknown backend.driver")
	}
}

func TestLoad_PostgresMissingDSN(t *testing.T) {
	content := `
backend:
  driver: "postgres"
`

	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for postgres driver without DSN")
	}
}

func TestLoad_RedisMissingAddr(t *testing.T) {
	content := `
backend:
  driver: "redis"
`

	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for redis driver without addr")
	}
}

func TestLoad_MongoMissingURI(t *testing.T) {
	content := `
backend:
  driver: "mongo"
`

	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for mongo driver without URI")
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	content := `
logging:
  level: "verbose"
`

	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for invalid logging.level")
	}
}

func TestLoadFromEnv(t *testing.T) {
	os.Setenv("TOKENUSAGE_BACKEND_DRIVER", "redis")
	os.Setenv("TOKENUSAGE_REDIS_ADDR", "localhost:6379")
	os.Setenv("TOKENUSAGE_SERVER_PORT", "9999")
	os.Setenv("TOKENUSAGE_LOG_LEVEL", "debug")
	os.Setenv("TOKENUSAGE_METRICS_ENABLED", "true")
	defer func() {
		os.Unsetenv("TOKENUSAGE_BACKEND_DRIVER")
		os.Unsetenv("TOKENUSAGE_REDIS_ADDR")
		os.Unsetenv("TOKENUSAGE_SERVER_PORT")
		os.Unsetenv("TOKENUSAGE_LOG_LEVEL")
		os.Unsetenv("TOKENUSAGE_METRICS_ENABLED")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Backend.Driver != "redis" {
		t.Errorf("Backend.Driver = %s, want redis", cfg.Backend.Driver)
	}
	if cfg.Backend.Redis.Addr != "localhost:6379" {
		t.Errorf("Redis.Addr = %s, want localhost:6379", cfg.Backend.Redis.Addr)
	}
	if cfg.Server.Port != 9999 {
		t.Errorf("Server.Port = %d, want 9999", cfg.Server.Port)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Logging.Level)
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	os.Setenv("TOKENUSAGE_SERVER_PORT", "7777")
	os.Setenv("TOKENUSAGE_LOG_LEVEL", "error")
	defer func() {
		os.Unsetenv("TOKENUSAGE_SERVER_PORT")
		os.Unsetenv("TOKENUSAGE_LOG_LEVEL")
	}()

	content := `
server:
  port: 8080
logging:
  level: "info"
buffer:
  size: 2000
`

	cfg := writeAndLoad(t, content)

	if cfg.Server.Port != 7777 {
		t.Errorf("Server.Port = %d, want 7777 (env override)", cfg.Server.Port)
	}
	if cfg.Logging.Level != "error" {
		t.Errorf("Logging.Level = %s, want error (env override)", cfg.Logging.Level)
	}
	// File value should still be used for non-overridden
	if cfg.Buffer.Size != 2000 {
		t.Errorf("Buffer.Size = %d, want 2000", cfg.Buffer.Size)
	}
}

func TestEnvOverrides_BufferAndRetry(t *testing.T) {
	os.Setenv("TOKENUSAGE_BUFFER_SIZE", "5000")
	os.Setenv("TOKENUSAGE_FLUSH_INTERVAL", "2s")
	os.Setenv("TOKENUSAGE_FLUSH_BATCH_SIZE", "250")
	os.Setenv("TOKENUSAGE_MAX_RETRIES", "7")
	os.Setenv("TOKENUSAGE_RETRY_BASE_DELAY", "200ms")
	os.Setenv("TOKENUSAGE_BREAKER_THRESHOLD", "10")
	os.Setenv("TOKENUSAGE_BREAKER_RECOVERY", "1m")
	defer func() {
		os.Unsetenv("TOKENUSAGE_BUFFER_SIZE")
		os.Unsetenv("TOKENUSAGE_FLUSH_INTERVAL")
		os.Unsetenv("TOKENUSAGE_FLUSH_BATCH_SIZE")
		os.Unsetenv("TOKENUSAGE_MAX_RETRIES")
		os.Unsetenv("TOKENUSAGE_RETRY_BASE_DELAY")
		os.Unsetenv("TOKENUSAGE_BREAKER_THRESHOLD")
		os.Unsetenv("TOKENUSAGE_BREAKER_RECOVERY")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Buffer.Size != 5000 {
		t.Errorf("Buffer.Size = %d, want 5000", cfg.Buffer.Size)
	}
	if cfg.Buffer.FlushInterval != 2*time.Second {
		t.Errorf("Buffer.FlushInterval = %v, want 2s", cfg.Buffer.FlushInterval)
	}
	if cfg.Buffer.FlushBatchSize != 250 {
		t.Errorf("Buffer.FlushBatchSize = %d, want 250", cfg.Buffer.FlushBatchSize)
	}
	if cfg.Retry.MaxRetries != 7 {
		t.Errorf("Retry.MaxRetries = %d, want 7", cfg.Retry.MaxRetries)
	}
	if cfg.Retry.BaseDelay != 200*time.Millisecond {
		t.Errorf("Retry.BaseDelay = %v, want 200ms", cfg.Retry.BaseDelay)
	}
	if cfg.Breaker.FailureThreshold != 10 {
		t.Errorf("Breaker.FailureThreshold = %d, want 10", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout != time.Minute {
		t.Errorf("Breaker.RecoveryTimeout = %v, want 1m", cfg.Breaker.RecoveryTimeout)
	}
}

func TestEnvOverrides_InvalidValuesKeepDefaults(t *testing.T) {
	os.Setenv("TOKENUSAGE_SERVER_PORT", "not-a-number")
	os.Setenv("TOKENUSAGE_FLUSH_INTERVAL", "not-a-duration")
	defer func() {
		os.Unsetenv("TOKENUSAGE_SERVER_PORT")
		os.Unsetenv("TOKENUSAGE_FLUSH_INTERVAL")
	}()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080 (default)", cfg.Server.Port)
	}
	if cfg.Buffer.FlushInterval != 10*time.Second {
		t.Errorf("Buffer.FlushInterval = %v, want 10s (default)", cfg.Buffer.FlushInterval)
	}
}

func TestLoadWithFallback_FileExists(t *testing.T) {
	content := `
backend:
  driver: "sqlite"
  sqlite:
    path: "/tmp/file-config.db"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.LoadWithFallback(path)
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}

	if cfg.Backend.SQLite.Path != "/tmp/file-config.db" {
		t.Errorf("SQLite.Path = %s, want /tmp/file-config.db", cfg.Backend.SQLite.Path)
	}
}

func TestLoadWithFallback_EnvOnly(t *testing.T) {
	os.Setenv("TOKENUSAGE_BACKEND_DRIVER", "memory")
	defer os.Unsetenv("TOKENUSAGE_BACKEND_DRIVER")

	cfg, err := config.LoadWithFallback("/nonexistent/config.yaml")
	if err != nil {
		t.Fatalf("LoadWithFallback error: %v", err)
	}

	if cfg.Backend.Driver != "memory" {
		t.Errorf("Backend.Driver = %s, want memory", cfg.Backend.Driver)
	}
}

func TestParseBoolValues(t *testing.T) {
	tests := []struct {
		value    string
		expected bool
	}{
		{"true", true},
		{"TRUE", true},
		{"1", true},
		{"yes", true},
		{"on", true},
		{"false", false},
		{"0", false},
		{"no", false},
		{"off", false},
		{"", false},
		{"invalid", false},
	}

	for _, tt := range tests {
		os.Setenv("TOKENUSAGE_METRICS_ENABLED", tt.value)

		cfg, err := config.LoadFromEnv()
		if err != nil {
			t.Fatalf("LoadFromEnv error: %v", err)
		}

		if cfg.Metrics.Enabled != tt.expected {
			t.Errorf("value=%q: Metrics.Enabled = %v, want %v", tt.value, cfg.Metrics.Enabled, tt.expected)
		}

		os.Unsetenv("TOKENUSAGE_METRICS_ENABLED")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	content := `
backend:
  driver: "sqlite"
  this is not valid yaml: [
`
	_, err := writeAndLoadErr(t, content)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := config.Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

// Helpers

func writeAndLoad(t *testing.T, content string) *config.Config {
	t.Helper()
	cfg, err := writeAndLoadErr(t, content)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	return cfg
}

func writeAndLoadErr(t *testing.T, content string) (*config.Config, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return config.Load(path)
}
