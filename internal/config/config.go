// Package config loads the CLI configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the CLI configuration.
type Config struct {
	// StorePath is the Badger data directory.
	StorePath string `yaml:"store_path"`

	// PlanCacheCapacity bounds the plan cache.
	PlanCacheCapacity int `yaml:"plan_cache_capacity"`

	// MaxDataTriples caps per-update-statement data size.
	MaxDataTriples int `yaml:"max_data_triples"`

	// QueryTimeoutText is the default per-query deadline, as a Go duration
	// string ("30s"); parsed into QueryTimeout on load.
	QueryTimeoutText string        `yaml:"query_timeout"`
	QueryTimeout     time.Duration `yaml:"-"`

	// MaxIterations bounds per-query iterator steps.
	MaxIterations int64 `yaml:"max_iterations"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the baseline configuration.
func Default() Config {
	return Config{
		StorePath: "./tern-data",
		LogLevel:  "info",
	}
}

// Load reads a YAML config file (when path is non-empty) and applies
// TERN_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if cfg.QueryTimeoutText != "" {
		d, err := time.ParseDuration(cfg.QueryTimeoutText)
		if err != nil {
			return cfg, fmt.Errorf("invalid query_timeout: %w", err)
		}
		cfg.QueryTimeout = d
	}

	if v := os.Getenv("TERN_STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("TERN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TERN_QUERY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TERN_QUERY_TIMEOUT: %w", err)
		}
		cfg.QueryTimeout = d
	}
	if v := os.Getenv("TERN_PLAN_CACHE_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid TERN_PLAN_CACHE_CAPACITY: %w", err)
		}
		cfg.PlanCacheCapacity = n
	}

	return cfg, nil
}
