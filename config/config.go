// Package config holds the daemon configuration, populated from the
// environment at startup.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the full tempod configuration. Every field has a default that
// matches the wire protocol and timing constraints of the Tempo peripheral;
// environment variables (TEMPOD_*) override them.
type Config struct {
	// Storage
	DataDir    string `split_words:"true" default:"/var/lib/tempod"`
	EventsFile string `split_words:"true" default:"/var/lib/tempod/events.json"`

	// HTTP surface
	BindAddr string `split_words:"true" default:":8080"`

	// Sync policy
	SyncIntervalHours int           `split_words:"true" default:"12"`
	MaxRetries        uint          `split_words:"true" default:"5"`
	RetryBackoffBase  time.Duration `split_words:"true" default:"5m"`
	RetryTickInterval time.Duration `split_words:"true" default:"5m"`

	// Alert derivation
	AlertWindow time.Duration `split_words:"true" default:"24h"`

	// Connection timing
	ConnectTimeout    time.Duration `split_words:"true" default:"15s"`
	KeepAliveInterval time.Duration `split_words:"true" default:"5s"`
	VerifyInterval    time.Duration `split_words:"true" default:"30s"`
	DiscoveryInterval time.Duration `split_words:"true" default:"30s"`
	LockTTL           time.Duration `split_words:"true" default:"15s"`
}

// Load processes the environment into a Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("tempod", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %w", err)
	}
	if cfg.SyncIntervalHours <= 0 {
		return nil, fmt.Errorf("sync interval must be positive, got %d", cfg.SyncIntervalHours)
	}
	if cfg.MaxRetries == 0 {
		return nil, fmt.Errorf("max retries must be at least 1")
	}
	return cfg, nil
}

// SyncInterval returns the staleness threshold as a duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalHours) * time.Hour
}
