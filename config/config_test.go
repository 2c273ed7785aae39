package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Errorf("unexpected bind addr %s", cfg.BindAddr)
	}
	if cfg.SyncInterval() != 12*time.Hour {
		t.Errorf("unexpected sync interval %s", cfg.SyncInterval())
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("unexpected max retries %d", cfg.MaxRetries)
	}
	if cfg.RetryBackoffBase != 5*time.Minute {
		t.Errorf("unexpected backoff base %s", cfg.RetryBackoffBase)
	}
	if cfg.LockTTL != 15*time.Second {
		t.Errorf("unexpected lock TTL %s", cfg.LockTTL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TEMPOD_BIND_ADDR", ":9090")
	t.Setenv("TEMPOD_SYNC_INTERVAL_HOURS", "6")
	t.Setenv("TEMPOD_RETRY_TICK_INTERVAL", "1m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Errorf("override ignored, got %s", cfg.BindAddr)
	}
	if cfg.SyncInterval() != 6*time.Hour {
		t.Errorf("override ignored, got %s", cfg.SyncInterval())
	}
	if cfg.RetryTickInterval != time.Minute {
		t.Errorf("override ignored, got %s", cfg.RetryTickInterval)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("TEMPOD_SYNC_INTERVAL_HOURS", "0")
	if _, err := Load(); err == nil {
		t.Error("zero sync interval must be rejected")
	}

	t.Setenv("TEMPOD_SYNC_INTERVAL_HOURS", "12")
	t.Setenv("TEMPOD_MAX_RETRIES", "0")
	if _, err := Load(); err == nil {
		t.Error("zero max retries must be rejected")
	}
}
