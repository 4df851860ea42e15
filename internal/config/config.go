// Package config loads bridge settings from an options file with environment
// overrides, in precedence order: defaults, YAML file, options.json, env.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the full bridge configuration.
type Config struct {
	PanelHost   string `yaml:"panel_host" json:"panel_host"`
	PanelPort   int    `yaml:"panel_port" json:"panel_port"`
	PanelSecure bool   `yaml:"panel_secure" json:"panel_secure"`
	PIN         string `yaml:"pin" json:"pin"`

	HTTPPort int    `yaml:"http_port" json:"http_port"`
	DataDir  string `yaml:"data_dir" json:"data_dir"`

	ZonesPollSeconds  int `yaml:"zones_poll_seconds" json:"zones_poll_seconds"`
	ThermoPollSeconds int `yaml:"thermo_poll_seconds" json:"thermo_poll_seconds"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// Default returns the built-in defaults. The secure websocket port is the
// panel's factory default.
func Default() Config {
	return Config{
		PanelPort:         443,
		PanelSecure:       true,
		HTTPPort:          8099,
		DataDir:           "/data",
		ZonesPollSeconds:  5,
		ThermoPollSeconds: 15,
		LogLevel:          "info",
	}
}

// Load builds the configuration. path may name a YAML file; an empty path
// skips that layer. options.json is looked up in the data dir, matching the
// supervisor-managed deployment layout.
func Load(path string, logger *zap.Logger) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadYAML(path, &cfg); err != nil {
			return cfg, err
		}
		logger.Info("Loaded config file", zap.String("path", path))
	}

	// The env data dir must win before the options file is resolved, or a
	// supervisor deployment configured via DATA_DIR skips its options.json.
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	optionsPath := filepath.Join(cfg.DataDir, "options.json")
	if err := loadOptions(optionsPath, &cfg); err != nil {
		return cfg, err
	}

	applyEnv(&cfg)

	if cfg.PanelHost == "" {
		return cfg, fmt.Errorf("panel_host is required")
	}
	if cfg.PIN == "" {
		return cfg, fmt.Errorf("pin is required")
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// loadOptions applies options.json when present. A missing file is normal
// outside supervisor-managed deployments.
func loadOptions(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read options file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse options file: %w", err)
	}
	return nil
}

// applyEnv overrides individual fields from the environment. Empty variables
// are ignored.
func applyEnv(cfg *Config) {
	if v := os.Getenv("LARES_HOST"); v != "" {
		cfg.PanelHost = v
	}
	if v := os.Getenv("LARES_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PanelPort = n
		}
	}
	if v := os.Getenv("LARES_SECURE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.PanelSecure = b
		}
	}
	if v := os.Getenv("LARES_PIN"); v != "" {
		cfg.PIN = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HTTPPort = n
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// ZonesPollInterval returns the zone poll cadence as a duration.
func (c Config) ZonesPollInterval() time.Duration {
	return time.Duration(c.ZonesPollSeconds) * time.Second
}

// ThermoPollInterval returns the thermostat poll cadence as a duration.
func (c Config) ThermoPollInterval() time.Duration {
	return time.Duration(c.ThermoPollSeconds) * time.Second
}
