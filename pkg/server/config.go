package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the server config file.
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Outbox OutboxSection `toml:"outbox"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
	RedisURL     string `toml:"redis_url"`
}

type OutboxSection struct {
	Workers                  int `toml:"workers"`
	PollIntervalMs           int `toml:"poll_interval_ms"`
	VisibilityTimeoutSeconds int `toml:"visibility_timeout_seconds"`
	MaxAttempts              int `toml:"max_attempts"`
	IdempotencyTTLHours      int `toml:"idempotency_ttl_hours"`
}

type LimitsSection struct {
	MaxContentLength int `toml:"max_content_length"`
}

// DefaultTOMLConfig returns the default server configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Server: ServerSection{
			HTTPPort:     8425,
			DatabasePath: "~/.skein/skein.db",
			RedisURL:     "redis://localhost:6379/0",
		},
		Outbox: OutboxSection{
			Workers:                  4,
			PollIntervalMs:           100,
			VisibilityTimeoutSeconds: 30,
			MaxAttempts:              10,
			IdempotencyTTLHours:      24,
		},
		Limits: LimitsSection{
			MaxContentLength: 4096,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating the default
// file if it does not exist yet.
func LoadConfig(path string) (TOMLConfig, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return TOMLConfig{}, fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Defaults still work if the write fails
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// DatabasePath returns the database path with ~ expanded.
func (c TOMLConfig) DatabasePath() (string, error) {
	path := c.Server.DatabasePath
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(config)
}
