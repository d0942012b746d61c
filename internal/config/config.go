// Package config loads and validates the Autoforge configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Xaheen-ai/autoforge/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version   string           `yaml:"version"`
	Server    *ServerConfig    `yaml:"server"`
	Storage   *StorageConfig   `yaml:"storage"`
	Scheduler *SchedulerConfig `yaml:"scheduler"`
	Logging   *logging.Config  `yaml:"logging"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig holds schedule runner settings
type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	PollInterval   string `yaml:"poll_interval"` // e.g., "30s"
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// PollEvery parses PollInterval, falling back to 30s when unset or invalid.
func (s *SchedulerConfig) PollEvery() time.Duration {
	d, err := time.ParseDuration(s.PollInterval)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Version: "1.0",
		Server: &ServerConfig{
			Host: "127.0.0.1",
			Port: 8888,
		},
		Storage: &StorageConfig{
			Path: filepath.Join(homeDir, ".autoforge", "data"),
		},
		Scheduler: &SchedulerConfig{
			Enabled:        true,
			PollInterval:   "30s",
			MaxConcurrency: 1,
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	if config.Storage != nil {
		config.Storage.Path = expandPath(config.Storage.Path)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".autoforge", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server == nil {
		return fmt.Errorf("server configuration is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage == nil || c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}
	if c.Scheduler != nil {
		if c.Scheduler.PollInterval != "" {
			if _, err := time.ParseDuration(c.Scheduler.PollInterval); err != nil {
				return fmt.Errorf("invalid scheduler poll interval: %w", err)
			}
		}
		if c.Scheduler.MaxConcurrency < 0 {
			return fmt.Errorf("scheduler max concurrency must not be negative")
		}
	}
	return nil
}

// Addr returns the host:port the HTTP server should bind to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
