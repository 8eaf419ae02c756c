// Package config loads bridge configuration as a struct of defaults,
// layered with an optional YAML file, then overridden by environment
// variables, using koanf.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// L2Mode selects the assistant channel's transport.
type L2Mode string

const (
	L2ModeStdio  L2Mode = "stdio"
	L2ModeSocket L2Mode = "socket"
)

// AccessLevel bounds what mutating operations the bridge accepts.
type AccessLevel string

const (
	AccessFull       AccessLevel = "full"
	AccessRestricted AccessLevel = "restricted"
	AccessReadonly   AccessLevel = "readonly"
)

// Config is the bridge's fully resolved runtime configuration.
type Config struct {
	Host          string      `koanf:"host"`
	L1In          int         `koanf:"l1_in"`
	L1Out         int         `koanf:"l1_out"`
	L1DynamicPort bool        `koanf:"l1_dynamic_port"`
	L2Mode        L2Mode      `koanf:"l2_mode"`
	L2Port        int         `koanf:"l2_port"`
	StatePath     string      `koanf:"state_path"`
	Debug         bool        `koanf:"debug"`
	AccessLevel   AccessLevel `koanf:"access_level"`

	RequestTimeoutMs int `koanf:"request_timeout_ms"`
	PingTimeoutMs    int `koanf:"ping_timeout_ms"`

	ParamBatchMs       int `koanf:"param_batch_ms"`
	ParamBatchCap      int `koanf:"param_batch_cap"`
	ParamRetryAttempts int `koanf:"param_retry_attempts"`

	ReconnectBaseMs int `koanf:"reconnect_base_ms"`
	ReconnectCap    int `koanf:"reconnect_cap"`

	DiagnosticsAddr string `koanf:"diagnostics_addr"`
	MetricsEnabled  bool   `koanf:"metrics_enabled"`
}

func defaultConfig() *Config {
	return &Config{
		Host:          "127.0.0.1",
		L1In:          7500,
		L1Out:         7400,
		L1DynamicPort: true,
		L2Mode:        L2ModeStdio,
		L2Port:        0,
		StatePath:     "./bridge_state.json",
		Debug:         false,
		AccessLevel:   AccessFull,

		RequestTimeoutMs: 10_000,
		PingTimeoutMs:    2_000,

		ParamBatchMs:       50,
		ParamBatchCap:      10,
		ParamRetryAttempts: 3,

		ReconnectBaseMs: 2_000,
		ReconnectCap:    5,

		DiagnosticsAddr: "127.0.0.1:7600",
		MetricsEnabled:  true,
	}
}

// envTransform maps the legacy flat BRIDGE_* environment variable names
// (spec.md §6) onto koanf's dotted config paths. An unmapped env var is
// ignored and falls through to koanf's default value for that path.
func envTransform(key string) string {
	mapping := map[string]string{
		"BRIDGE_HOST":             "host",
		"BRIDGE_L1_IN":            "l1_in",
		"BRIDGE_L1_OUT":           "l1_out",
		"BRIDGE_L2_MODE":          "l2_mode",
		"BRIDGE_L2_PORT":          "l2_port",
		"BRIDGE_STATE_PATH":       "state_path",
		"BRIDGE_DEBUG":            "debug",
		"BRIDGE_ACCESS_LEVEL":     "access_level",
		"BRIDGE_DIAGNOSTICS_ADDR": "diagnostics_addr",
	}
	if path, ok := mapping[key]; ok {
		return path
	}
	return ""
}

// Load builds the configuration by layering defaults, an optional YAML file
// (path from BRIDGE_CONFIG_PATH, if set and present), and environment
// variables, in that order of increasing precedence.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := os.Getenv("BRIDGE_CONFIG_PATH"); path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: load file %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider("BRIDGE_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configuration combinations that cannot be served.
func (c *Config) Validate() error {
	switch strings.ToLower(string(c.L2Mode)) {
	case string(L2ModeStdio):
	case string(L2ModeSocket):
		if c.L2Port <= 0 {
			return fmt.Errorf("config: l2_mode=socket requires a positive l2_port")
		}
	default:
		return fmt.Errorf("config: invalid l2_mode %q", c.L2Mode)
	}

	switch c.AccessLevel {
	case AccessFull, AccessRestricted, AccessReadonly:
	default:
		return fmt.Errorf("config: invalid access_level %q", c.AccessLevel)
	}

	if c.L1In <= 0 || c.L1Out <= 0 {
		return fmt.Errorf("config: l1_in/l1_out must be positive")
	}
	return nil
}
