// Package config provides configuration management for the Driftlock
// decision core.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the runtime settings of the decision core.
type Config struct {
	DatabaseURL   string
	PollInterval  time.Duration
	CampaignsFile string
	LogLevel      string
	LogFormat     string
}

// Default returns configuration with default values.
func Default() *Config {
	return &Config{
		DatabaseURL:  "sqlite://driftlock.db",
		PollInterval: 30 * time.Second,
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// Load loads configuration from file using viper.
// CLI flags > environment > config file > defaults precedence.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Defaults matching Default()
	v.SetDefault("database_url", "sqlite://driftlock.db")
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("campaigns_file", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Bind environment variables with DL_ prefix
	v.SetEnvPrefix("DL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Load config file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		DatabaseURL:   v.GetString("database_url"),
		PollInterval:  v.GetDuration("poll_interval"),
		CampaignsFile: v.GetString("campaigns_file"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     v.GetString("log_format"),
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validateConfig checks URL scheme, positive poll interval, and known
// log settings.
func validateConfig(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database_url must be set")
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "sqlite://") && !strings.HasPrefix(cfg.DatabaseURL, "postgres://") {
		return fmt.Errorf("database_url must use sqlite:// or postgres:// scheme, got %q", cfg.DatabaseURL)
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %v", cfg.PollInterval)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("log_format must be json or text, got %q", cfg.LogFormat)
	}
	return nil
}
