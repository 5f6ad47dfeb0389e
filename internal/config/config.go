// config.go — relay configuration, layered defaults → YAML file →
// environment variables. Grounded on the koanf loader shape in
// pobradovic08-route-beacon-ri's internal/config/config.go, generalized
// from a BMP ingester's config shape to the relay's own keys (spec.md §6).
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the relay's full runtime configuration.
type Config struct {
	RelayPort          int    `koanf:"relay_port"`
	PullPort           int    `koanf:"pull_port"`
	HeartbeatMs        int    `koanf:"heartbeat_ms"`
	IdleThresholdMs    int    `koanf:"idle_threshold_ms"`
	MaxCommandInterval int    `koanf:"max_command_interval_ms"`
	FrameSizeLimit     int    `koanf:"frame_size_limit"`
	OperationStorePath string `koanf:"operation_store_path"`
	DebugMode          bool   `koanf:"debug_mode"`
	LogLevel           string `koanf:"log_level"`
	RedactionRulesPath string `koanf:"redaction_rules_path"`
	MetricsAddr        string `koanf:"metrics_addr"`
}

const envPrefix = "CHATBRIDGE_"

func defaults() *Config {
	return &Config{
		RelayPort:          54321,
		PullPort:           0,
		HeartbeatMs:        15000,
		IdleThresholdMs:    30000,
		MaxCommandInterval: 60000,
		FrameSizeLimit:     10 << 20,
		OperationStorePath: "",
		DebugMode:          false,
		LogLevel:           "info",
		RedactionRulesPath: "",
		MetricsAddr:        "127.0.0.1:9321",
	}
}

// Load resolves configuration from defaults, an optional YAML file at
// path, and CHATBRIDGE_-prefixed environment variables, in ascending
// precedence. path may be empty to skip the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	out := defaults()
	if err := k.Unmarshal("", out); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate checks invariants spec.md §6 requires of the resolved config.
func (c *Config) Validate() error {
	if c.RelayPort <= 0 || c.RelayPort > 65535 {
		return fmt.Errorf("config: relay_port must be in (0, 65535], got %d", c.RelayPort)
	}
	if c.HeartbeatMs <= 0 {
		return fmt.Errorf("config: heartbeat_ms must be > 0, got %d", c.HeartbeatMs)
	}
	if c.IdleThresholdMs <= 0 {
		return fmt.Errorf("config: idle_threshold_ms must be > 0, got %d", c.IdleThresholdMs)
	}
	if c.MaxCommandInterval < c.IdleThresholdMs {
		return fmt.Errorf("config: max_command_interval_ms (%d) must be >= idle_threshold_ms (%d)", c.MaxCommandInterval, c.IdleThresholdMs)
	}
	if c.FrameSizeLimit <= 0 {
		return fmt.Errorf("config: frame_size_limit must be > 0, got %d", c.FrameSizeLimit)
	}
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log_level %q is not a recognized level", c.LogLevel)
	}
	return nil
}
