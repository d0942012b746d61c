package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != "1.0" {
		t.Errorf("expected version=1.0, got %s", cfg.Version)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host=127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected port=8888, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Path == "" {
		t.Error("expected a default storage path")
	}
	if !cfg.Scheduler.Enabled {
		t.Error("expected scheduler enabled by default")
	}
	if cfg.Scheduler.MaxConcurrency != 1 {
		t.Errorf("expected max_concurrency=1, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Server.Port != 8888 {
		t.Errorf("expected default port, got %d", cfg.Server.Port)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: "1.0"
server:
  host: 0.0.0.0
  port: 9000
storage:
  path: /tmp/autoforge-test
scheduler:
  enabled: false
  poll_interval: 10s
  max_concurrency: 3
logging:
  level: debug
  format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("expected host=0.0.0.0, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("expected port=9000, got %d", cfg.Server.Port)
	}
	if cfg.Storage.Path != "/tmp/autoforge-test" {
		t.Errorf("unexpected storage path: %s", cfg.Storage.Path)
	}
	if cfg.Scheduler.Enabled {
		t.Error("expected scheduler disabled")
	}
	if cfg.Scheduler.PollEvery() != 10*time.Second {
		t.Errorf("expected poll_interval=10s, got %v", cfg.Scheduler.PollEvery())
	}
	if cfg.Scheduler.MaxConcurrency != 3 {
		t.Errorf("expected max_concurrency=3, got %d", cfg.Scheduler.MaxConcurrency)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level=debug, got %s", cfg.Logging.Level)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Errorf("unexpected addr: %s", cfg.Addr())
	}
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("AUTOFORGE_TEST_DATA", "/var/lib/autoforge")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  path: ${AUTOFORGE_TEST_DATA}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Path != "/var/lib/autoforge" {
		t.Errorf("expected env-expanded path, got %s", cfg.Storage.Path)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  path: ~/autoforge-data
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if strings.HasPrefix(cfg.Storage.Path, "~") {
		t.Errorf("tilde was not expanded: %s", cfg.Storage.Path)
	}
	home, _ := os.UserHomeDir()
	if !strings.HasPrefix(cfg.Storage.Path, home) {
		t.Errorf("expected path under home dir, got %s", cfg.Storage.Path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.Port = 7777

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Server.Port != 7777 {
		t.Errorf("expected port=7777 after round trip, got %d", loaded.Server.Port)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing server", func(c *Config) { c.Server = nil }, true},
		{"port too low", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"missing storage", func(c *Config) { c.Storage = nil }, true},
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }, true},
		{"bad poll interval", func(c *Config) { c.Scheduler.PollInterval = "often" }, true},
		{"negative concurrency", func(c *Config) { c.Scheduler.MaxConcurrency = -1 }, true},
		{"nil scheduler ok", func(c *Config) { c.Scheduler = nil }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
