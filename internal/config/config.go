// Copyright 2025 SirSeer, LLC
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://mariadb.com/bsl11
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides configuration management for sirseer-migrate with
// support for multiple configuration sources and a well-defined precedence
// order.
//
// Configuration sources (in precedence order, highest to lowest):
//  1. Command-line flags
//  2. Environment variables
//  3. Target-specific configuration
//  4. Global configuration file
//  5. Built-in defaults
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from multiple sources and applies them in
// the correct precedence order. If configPath is provided, it loads from
// that specific file. Otherwise, it searches standard locations:
//   - .sirseer-migrate.yaml (current directory)
//   - .sirseer-migrate.yml (current directory)
//   - ~/.sirseer/migrate.yaml
//   - ~/.sirseer/migrate.yml
//
// Returns an error if the specified config file cannot be loaded, but will
// succeed with defaults if no config file is found in standard locations.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		if err := loadConfigFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		defaultPaths := []string{
			".sirseer-migrate.yaml",
			".sirseer-migrate.yml",
			filepath.Join(os.Getenv("HOME"), ".sirseer", "migrate.yaml"),
			filepath.Join(os.Getenv("HOME"), ".sirseer", "migrate.yml"),
		}

		for _, path := range defaultPaths {
			if _, err := os.Stat(path); err == nil {
				if err := loadConfigFile(path, cfg); err != nil {
					return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
				}
				break
			}
		}
	}

	applyEnvOverrides(cfg)
	cfg.State.RecordDir = expandPath(cfg.State.RecordDir)

	return cfg, nil
}

// LoadConfigForTarget loads configuration and applies the overrides
// configured for target, a migration URI such as "tcp:dest:4444".
func LoadConfigForTarget(configPath, target string) (*Config, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	if tc, ok := cfg.Targets[target]; ok {
		if tc.MaxBandwidth != "" {
			cfg.Migration.MaxBandwidth = tc.MaxBandwidth
		}
		if tc.ConnectRetries > 0 {
			cfg.Migration.ConnectRetries = tc.ConnectRetries
		}
	}
	return cfg, nil
}

// loadConfigFile reads and parses a YAML config file
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SIRSEER_MIGRATE_MAX_BANDWIDTH"); v != "" {
		cfg.Migration.MaxBandwidth = v
	}
	if v := os.Getenv("SIRSEER_MIGRATE_MAX_DOWNTIME"); v != "" {
		cfg.Migration.MaxDowntime = v
	}
	if v := os.Getenv("SIRSEER_MIGRATE_QUEUE_SIZE"); v != "" {
		cfg.Migration.QueueSize = v
	}
	if v := os.Getenv("SIRSEER_MIGRATE_CONNECT_RETRIES"); v != "" {
		if n, err := parsePositiveInt(v); err == nil {
			cfg.Migration.ConnectRetries = n
		}
	}
	if v := os.Getenv("SIRSEER_MIGRATE_LOG"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SIRSEER_MIGRATE_RECORD_DIR"); v != "" {
		cfg.State.RecordDir = v
	}
}

// expandPath expands ~ and environment variables in paths
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home := os.Getenv("HOME")
		if home == "" {
			home = os.Getenv("USERPROFILE")
		}
		path = filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// parsePositiveInt parses a string to a positive integer
func parsePositiveInt(s string) (int, error) {
	i, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("failed to parse integer from '%s': %w", s, err)
	}
	if i <= 0 {
		return 0, fmt.Errorf("value must be positive, got: %d", i)
	}
	return i, nil
}

// ParseBandwidth parses a rate in bytes per second. It accepts plain byte
// counts and human sizes such as "32MiB" or "1g". "0" and "unlimited" mean
// no limit. Negative values are rejected.
func ParseBandwidth(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "unlimited") {
		return 0, nil
	}
	n, err := ParseSize(s)
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return n, nil
}

// ParseSize parses a byte count such as "65536", "64KiB" or "1MB".
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "-") {
		return 0, fmt.Errorf("size must not be negative, got: %s", s)
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %s is too large", s)
	}
	return int64(n), nil
}

// ParseDuration parses a Go duration such as "30ms", or a plain number of
// seconds such as "0.03".
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			return 0, fmt.Errorf("duration must not be negative, got: %s", s)
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0, fmt.Errorf("duration must not be negative, got: %s", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

// Resolve parses the migration settings.
func (c *Config) Resolve() (Settings, error) {
	m := c.Migration
	var s Settings
	var err error

	if s.MaxBandwidth, err = ParseBandwidth(m.MaxBandwidth); err != nil {
		return Settings{}, fmt.Errorf("max_bandwidth: %w", err)
	}
	if s.MaxDowntime, err = ParseDuration(m.MaxDowntime); err != nil {
		return Settings{}, fmt.Errorf("max_downtime: %w", err)
	}

	for _, d := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"throttle_window", m.ThrottleWindow, &s.ThrottleWindow},
		{"connect_timeout", m.ConnectTimeout, &s.ConnectTimeout},
		{"close_timeout", m.CloseTimeout, &s.CloseTimeout},
		{"release_timeout", m.ReleaseTimeout, &s.ReleaseTimeout},
	} {
		v, err := ParseDuration(d.value)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", d.name, err)
		}
		if v <= 0 {
			return Settings{}, fmt.Errorf("%s must be positive, got: %s", d.name, d.value)
		}
		*d.dst = v
	}

	threshold, err := ParseSize(m.UnfreezeThreshold)
	if err != nil {
		return Settings{}, fmt.Errorf("unfreeze_threshold: %w", err)
	}
	queue, err := ParseSize(m.QueueSize)
	if err != nil {
		return Settings{}, fmt.Errorf("queue_size: %w", err)
	}
	if queue <= 0 {
		return Settings{}, fmt.Errorf("queue_size must be positive, got: %s", m.QueueSize)
	}
	if threshold > math.MaxInt32 || queue > math.MaxInt32 {
		return Settings{}, fmt.Errorf("unfreeze_threshold and queue_size must be below 2GiB")
	}
	s.UnfreezeThreshold = int(threshold)
	s.QueueSize = int(queue)

	if m.ConnectRetries < 0 {
		return Settings{}, fmt.Errorf("connect_retries must not be negative, got: %d", m.ConnectRetries)
	}
	s.ConnectRetries = m.ConnectRetries
	return s, nil
}

// Validate checks if the configuration contains valid values. This should
// be called after loading configuration to catch invalid settings early.
func (c *Config) Validate() error {
	if _, err := c.Resolve(); err != nil {
		return err
	}
	for target, tc := range c.Targets {
		if tc.MaxBandwidth == "" {
			continue
		}
		if _, err := ParseBandwidth(tc.MaxBandwidth); err != nil {
			return fmt.Errorf("targets[%s].max_bandwidth: %w", target, err)
		}
	}
	if c.State.RecordDir == "" {
		return fmt.Errorf("state.record_dir cannot be empty")
	}
	return nil
}
