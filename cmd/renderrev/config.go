package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full renderrev configuration.
type Config struct {
	Listen         string        `yaml:"listen"`
	DBPath         string        `yaml:"db_path"`
	AuditDBPath    string        `yaml:"audit_db_path"`
	FingerprintDir string        `yaml:"fingerprint_dir"`

	// MinRevisionInterval suppresses forced revisions for pages whose
	// source changed less than this long ago. 0 disables throttling.
	MinRevisionInterval time.Duration `yaml:"min_revision_interval"`

	MaxIncludeDepth int `yaml:"max_include_depth"`

	Sweep SweepConfig `yaml:"sweep"`

	// AuditRetentionDays prunes old drift events. 0 keeps everything.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// SweepConfig tunes the fingerprint-cache sweep watcher.
type SweepConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Debounce time.Duration `yaml:"debounce"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:              ":8086",
		DBPath:              "db/pages.db",
		AuditDBPath:         "db/audit.db",
		FingerprintDir:      "cache/fingerprints",
		MinRevisionInterval: 24 * time.Hour,
		MaxIncludeDepth:     8,
		Sweep: SweepConfig{
			Enabled:  true,
			Interval: time.Minute,
			Debounce: 5 * time.Second,
		},
	}
}

// LoadConfig reads and parses a YAML config file, merged over DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
