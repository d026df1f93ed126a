package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lazzyms/token-usage-metrics/config"
)

func TestHolder_Get(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	got := h.Get()
	if got == nil {
		t.Fatal("Get returned nil")
	}
	if got.Buffer.Size != 2000 {
		t.Errorf("Buffer.Size = %d, want 2000", got.Buffer.Size)
	}
}

func TestHolder_Reload(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	cfg := h.Get()
	if cfg.Buffer.FlushInterval != 5*time.Second {
		t.Errorf("initial FlushInterval = %v, want 5s", cfg.Buffer.FlushInterval)
	}

	newContent := `
buffer:
  size: 2000
  flush_interval: 30s
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	cfg = h.Get()
	if cfg.Buffer.FlushInterval != 30*time.Second {
		t.Errorf("reloaded FlushInterval = %v, want 30s", cfg.Buffer.FlushInterval)
	}
}

func TestHolder_OnChange(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var called bool
	var receivedCfg *config.Config

	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		called = true
		receivedCfg = cfg
		mu.Unlock()
	})

	newContent := `
logging:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	if err := h.Reload(); err != nil {
		t.Fatalf("Reload error: %v", err)
	}

	mu.Lock()
	if !called {
		t.Error("OnChange callback was not called")
	}
	if receivedCfg == nil {
		t.Error("received nil config in callback")
	} else if receivedCfg.Logging.Level != "debug" {
		t.Errorf("callback received Logging.Level = %s, want debug", receivedCfg.Logging.Level)
	}
	mu.Unlock()
}

func TestHolder_ReloadInvalidConfig(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	invalidContent := `
backend:
  driver: "cassandra"
`
	if err := os.WriteFile(path, []byte(invalidContent), 0644); err != nil {
		t.Fatalf("write invalid config: %v", err)
	}

	// Reload should fail
	err = h.Reload()
	if err == nil {
		t.Error("Reload should fail for invalid config")
	}

	// Old config should still be valid
	cfg := h.Get()
	if cfg.Buffer.Size != 2000 {
		t.Errorf("should keep old config, got Buffer.Size = %d", cfg.Buffer.Size)
	}
}

func TestHolder_WatchFile(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var mu sync.Mutex
	var callCount int

	h.OnChange(func(cfg *config.Config) {
		mu.Lock()
		callCount++
		mu.Unlock()
	})

	if err := h.WatchFile(); err != nil {
		t.Fatalf("WatchFile error: %v", err)
	}

	newContent := `
buffer:
  size: 9000
`
	if err := os.WriteFile(path, []byte(newContent), 0644); err != nil {
		t.Fatalf("write new config: %v", err)
	}

	// Wait for file watcher to trigger
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	if callCount == 0 {
		t.Error("file watcher did not trigger reload")
	}
	mu.Unlock()

	cfg := h.Get()
	if cfg.Buffer.Size != 9000 {
		t.Errorf("after file watch, Buffer.Size = %d, want 9000", cfg.Buffer.Size)
	}
}

func TestHolder_ConcurrentAccess(t *testing.T) {
	path := writeConfig(t, validConfig())

	h, err := config.NewHolder(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewHolder error: %v", err)
	}
	defer h.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				cfg := h.Get()
				if cfg == nil {
					t.Error("concurrent Get returned nil")
				}
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Reload()
		}()
	}

	wg.Wait()
}

func TestReloadableFields(t *testing.T) {
	fields := config.ReloadableFields()
	if len(fields) == 0 {
		t.Error("ReloadableFields returned empty")
	}

	expected := []string{"logging.level", "logging.format"}
	for _, e := range expected {
		found := false
		for _, f := range fields {
			if f == e {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s not in ReloadableFields", e)
		}
	}
}

func TestNonReloadableFields(t *testing.T) {
	fields := config.NonReloadableFields()
	if len(fields) == 0 {
		t.Error("NonReloadableFields returned empty")
	}

	expected := []string{"server.host", "server.port", "backend.driver"}
	for _, e := range expected {
		found := false
		for _, f := range fields {
			if f == e {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("%s not in NonReloadableFields", e)
		}
	}
}

// Helpers

func validConfig() string {
	return `
backend:
  driver: "memory"

buffer:
  size: 2000
  flush_interval: 5s
`
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
