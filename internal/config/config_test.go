package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayPort != 54321 {
		t.Fatalf("RelayPort = %d, want 54321", cfg.RelayPort)
	}
	if cfg.HeartbeatMs != 15000 {
		t.Fatalf("HeartbeatMs = %d, want 15000", cfg.HeartbeatMs)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("relay_port: 9999\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayPort != 9999 {
		t.Fatalf("RelayPort = %d, want 9999", cfg.RelayPort)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	// Unset-by-file keys keep their defaults.
	if cfg.HeartbeatMs != 15000 {
		t.Fatalf("HeartbeatMs = %d, want default 15000", cfg.HeartbeatMs)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("relay_port: 9999\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("CHATBRIDGE_RELAY_PORT", "12345")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayPort != 12345 {
		t.Fatalf("RelayPort = %d, want 12345 (env should win over file)", cfg.RelayPort)
	}
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := defaults()
	cfg.LogLevel = "not-a-level"

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for an invalid log_level")
	}
}

func TestValidateRejectsMaxCommandIntervalBelowIdleThreshold(t *testing.T) {
	cfg := defaults()
	cfg.MaxCommandInterval = cfg.IdleThresholdMs - 1

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when max_command_interval_ms < idle_threshold_ms")
	}
}
