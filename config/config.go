// Package config provides configuration loading, schema documents, and hot
// reload.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Schemas   SchemasConfig   `yaml:"schemas"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Trust     TrustConfig     `yaml:"trust"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// DatabaseConfig configures the database.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	DSN    string `yaml:"dsn"`
}

// SchemasConfig configures where published schema documents live.
type SchemasConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"` // reload schema documents on file change
}

// ReconcileConfig configures write-path behavior.
type ReconcileConfig struct {
	// PruneBlank drops records whose leaves all reconcile to null instead
	// of persisting them.
	PruneBlank bool `yaml:"prune_blank"`
}

// TrustConfig lists principals whose edits bypass provisional staging.
type TrustConfig struct {
	Editors []string `yaml:"editors"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default: /metrics
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Environment variables always override file-based configuration.
	applyEnvOverrides(&cfg)

	setDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	var cfg Config
	applyEnvOverrides(&cfg)
	setDefaults(&cfg)
	return &cfg
}

// TrustedEditor reports whether the actor id is configured as trusted.
func (c *Config) TrustedEditor(actorID string) bool {
	for _, id := range c.Trust.Editors {
		if id == actorID {
			return true
		}
	}
	return false
}

// applyEnvOverrides applies SEMSTORE_* environment variables to the config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SEMSTORE_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("SEMSTORE_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}

	if v := os.Getenv("SEMSTORE_SCHEMAS_DIR"); v != "" {
		cfg.Schemas.Dir = v
	}
	if v := os.Getenv("SEMSTORE_SCHEMAS_WATCH"); v != "" {
		cfg.Schemas.Watch = parseBool(v)
	}

	if v := os.Getenv("SEMSTORE_PRUNE_BLANK"); v != "" {
		cfg.Reconcile.PruneBlank = parseBool(v)
	}

	if v := os.Getenv("SEMSTORE_TRUSTED_EDITORS"); v != "" {
		cfg.Trust.Editors = splitList(v)
	}

	if v := os.Getenv("SEMSTORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SEMSTORE_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}

	if v := os.Getenv("SEMSTORE_METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := os.Getenv("SEMSTORE_METRICS_PATH"); v != "" {
		cfg.Metrics.Path = v
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

// splitList splits a comma-separated env value, trimming whitespace.
func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "semstore.db"
	}

	if cfg.Schemas.Dir == "" {
		cfg.Schemas.Dir = "schemas"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func validate(cfg *Config) error {
	validDrivers := map[string]bool{"sqlite": true, "memory": true}
	if !validDrivers[cfg.Database.Driver] {
		return fmt.Errorf("database.driver must be 'sqlite' or 'memory', got %q", cfg.Database.Driver)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[cfg.Logging.Format] {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format)
	}

	return nil
}
