package server

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTOMLConfig(t *testing.T) {
	cfg := DefaultTOMLConfig()

	if cfg.Server.HTTPPort <= 0 {
		t.Fatalf("expected positive default HTTP port, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.RedisURL == "" {
		t.Fatal("expected default redis url to be set")
	}
	if cfg.Outbox.Workers <= 0 {
		t.Fatalf("expected positive worker count, got %d", cfg.Outbox.Workers)
	}
	if cfg.Outbox.MaxAttempts <= 0 {
		t.Fatalf("expected positive max attempts, got %d", cfg.Outbox.MaxAttempts)
	}
	if cfg.Limits.MaxContentLength <= 0 {
		t.Fatalf("expected positive content limit, got %d", cfg.Limits.MaxContentLength)
	}
}

func TestLoadConfigCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.HTTPPort != DefaultTOMLConfig().Server.HTTPPort {
		t.Fatalf("expected default port, got %d", cfg.Server.HTTPPort)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected default config file to be written: %v", err)
	}

	// The written file round-trips.
	reloaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded != cfg {
		t.Fatalf("expected reloaded config to match defaults: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
http_port = 9000
database_path = "/tmp/skein.db"
redis_url = "redis://example:6380/1"

[outbox]
workers = 8
poll_interval_ms = 50
visibility_timeout_seconds = 60
max_attempts = 5
idempotency_ttl_hours = 48

[limits]
max_content_length = 1024
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Outbox.Workers != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.Outbox.Workers)
	}
	if cfg.Outbox.IdempotencyTTLHours != 48 {
		t.Fatalf("expected ttl 48h, got %d", cfg.Outbox.IdempotencyTTLHours)
	}
	if cfg.Limits.MaxContentLength != 1024 {
		t.Fatalf("expected content limit 1024, got %d", cfg.Limits.MaxContentLength)
	}

	dbPath, err := cfg.DatabasePath()
	if err != nil {
		t.Fatalf("database path failed: %v", err)
	}
	if dbPath != "/tmp/skein.db" {
		t.Fatalf("expected /tmp/skein.db, got %s", dbPath)
	}
}

func TestLoadConfigRejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	if err := os.WriteFile(path, []byte("not [valid toml"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected parse error")
	}
}
