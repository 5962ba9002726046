package client

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the client config file.
type TOMLConfig struct {
	Connection ConnectionSection `toml:"connection"`
	Local      LocalSection      `toml:"local"`
	Sync       SyncSection       `toml:"sync"`
}

type ConnectionSection struct {
	ServerURL          string `toml:"server_url"`
	SendTimeoutSeconds int    `toml:"send_timeout_seconds"`
}

type LocalSection struct {
	StateDB      string `toml:"state_db"`
	LastNickname string `toml:"last_nickname"`
}

type SyncSection struct {
	PageSize                 int `toml:"page_size"`
	CorrelationTTLSeconds    int `toml:"correlation_ttl_seconds"`
	CorrelationLingerSeconds int `toml:"correlation_linger_seconds"`
}

// DefaultTOMLConfig returns the default client configuration.
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Connection: ConnectionSection{
			ServerURL:          "http://localhost:8425",
			SendTimeoutSeconds: 10,
		},
		Local: LocalSection{
			StateDB: "~/.skein/state.db",
		},
		Sync: SyncSection{
			PageSize:                 50,
			CorrelationTTLSeconds:    60,
			CorrelationLingerSeconds: 30,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creating the default
// file if it does not exist yet.
func LoadConfig(path string) (TOMLConfig, error) {
	expanded, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(expanded); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// Best effort: defaults still work if the write fails
		writeDefaultConfig(expanded, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(expanded, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

// StateDBPath returns the state database path with ~ expanded.
func (c TOMLConfig) StateDBPath() (string, error) {
	return expandHome(c.Local.StateDB)
}

func expandHome(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		return filepath.Join(homeDir, path[2:]), nil
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
