package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Clean environment
	os.Unsetenv("DL_DATABASE_URL")
	os.Unsetenv("DL_POLL_INTERVAL")
	os.Unsetenv("DL_LOG_LEVEL")
	os.Unsetenv("DL_LOG_FORMAT")

	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.DatabaseURL != "sqlite://driftlock.db" {
			t.Errorf("expected sqlite://driftlock.db, got %s", cfg.DatabaseURL)
		}
		if cfg.PollInterval != 30*time.Second {
			t.Errorf("expected poll_interval 30s, got %v", cfg.PollInterval)
		}
		if cfg.LogLevel != "info" {
			t.Errorf("expected log_level info, got %s", cfg.LogLevel)
		}
		if cfg.LogFormat != "json" {
			t.Errorf("expected log_format json, got %s", cfg.LogFormat)
		}
	})

	t.Run("environment override", func(t *testing.T) {
		os.Setenv("DL_DATABASE_URL", "postgres://localhost/driftlock?sslmode=disable")
		os.Setenv("DL_POLL_INTERVAL", "5s")
		defer os.Unsetenv("DL_DATABASE_URL")
		defer os.Unsetenv("DL_POLL_INTERVAL")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.DatabaseURL != "postgres://localhost/driftlock?sslmode=disable" {
			t.Errorf("unexpected database_url: %s", cfg.DatabaseURL)
		}
		if cfg.PollInterval != 5*time.Second {
			t.Errorf("expected poll_interval 5s, got %v", cfg.PollInterval)
		}
	})

	t.Run("config file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		content := "database_url: sqlite:///var/lib/driftlock/core.db\nlog_format: text\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.DatabaseURL != "sqlite:///var/lib/driftlock/core.db" {
			t.Errorf("unexpected database_url: %s", cfg.DatabaseURL)
		}
		if cfg.LogFormat != "text" {
			t.Errorf("expected log_format text, got %s", cfg.LogFormat)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("invalid database scheme", func(t *testing.T) {
		os.Setenv("DL_DATABASE_URL", "mysql://localhost/driftlock")
		defer os.Unsetenv("DL_DATABASE_URL")

		if _, err := Load(""); err == nil {
			t.Error("expected error for unsupported database scheme")
		}
	})

	t.Run("invalid poll interval", func(t *testing.T) {
		os.Setenv("DL_POLL_INTERVAL", "0s")
		defer os.Unsetenv("DL_POLL_INTERVAL")

		if _, err := Load(""); err == nil {
			t.Error("expected error for non-positive poll_interval")
		}
	})

	t.Run("invalid log level", func(t *testing.T) {
		os.Setenv("DL_LOG_LEVEL", "verbose")
		defer os.Unsetenv("DL_LOG_LEVEL")

		if _, err := Load(""); err == nil {
			t.Error("expected error for unknown log_level")
		}
	})

	t.Run("invalid log format", func(t *testing.T) {
		os.Setenv("DL_LOG_FORMAT", "xml")
		defer os.Unsetenv("DL_LOG_FORMAT")

		if _, err := Load(""); err == nil {
			t.Error("expected error for unknown log_format")
		}
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.DatabaseURL == "" || cfg.PollInterval <= 0 {
		t.Errorf("Default() returned incomplete config: %+v", cfg)
	}
}
