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

// Package config types define the configuration structures used throughout
// sirseer-migrate. These types represent settings that can be loaded from
// YAML configuration files, environment variables, or command-line flags.
package config

import "time"

// Config represents the complete configuration for sirseer-migrate.
// Sizes and durations are kept as written and parsed by Resolve.
type Config struct {
	Migration MigrationConfig         `yaml:"migration"`
	Logging   LoggingConfig           `yaml:"logging"`
	State     StateConfig             `yaml:"state"`
	Targets   map[string]TargetConfig `yaml:"targets"`
}

// MigrationConfig contains the transfer settings applied to every migration
// unless overridden for a target or on the command line.
type MigrationConfig struct {
	MaxBandwidth      string `yaml:"max_bandwidth"`
	MaxDowntime       string `yaml:"max_downtime"`
	ThrottleWindow    string `yaml:"throttle_window"`
	UnfreezeThreshold string `yaml:"unfreeze_threshold"`
	QueueSize         string `yaml:"queue_size"`
	ConnectTimeout    string `yaml:"connect_timeout"`
	CloseTimeout      string `yaml:"close_timeout"`
	ReleaseTimeout    string `yaml:"release_timeout"`
	ConnectRetries    int    `yaml:"connect_retries"`
}

// LoggingConfig is a loggo configuration string such as
// "<root>=WARNING;sirseer.migrate.transport=TRACE".
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// StateConfig controls where migration records are kept.
type StateConfig struct {
	RecordDir string `yaml:"record_dir"`
}

// TargetConfig contains per-target overrides, keyed by the target URI.
// Useful when one destination sits behind a slower link than the rest.
type TargetConfig struct {
	MaxBandwidth   string `yaml:"max_bandwidth"`
	ConnectRetries int    `yaml:"connect_retries"`
}

// Settings is the parsed form of MigrationConfig.
type Settings struct {
	MaxBandwidth      int64
	MaxDowntime       time.Duration
	ThrottleWindow    time.Duration
	UnfreezeThreshold int
	QueueSize         int
	ConnectTimeout    time.Duration
	CloseTimeout      time.Duration
	ReleaseTimeout    time.Duration
	ConnectRetries    int
}

// DefaultConfig returns a Config with the defaults used when nothing else is
// configured: 32 MiB/s and 30ms of downtime.
func DefaultConfig() *Config {
	return &Config{
		Migration: MigrationConfig{
			MaxBandwidth:      "32MiB",
			MaxDowntime:       "30ms",
			ThrottleWindow:    "1s",
			UnfreezeThreshold: "0",
			QueueSize:         "1MiB",
			ConnectTimeout:    "30s",
			CloseTimeout:      "30s",
			ReleaseTimeout:    "5m",
			ConnectRetries:    0,
		},
		Logging: LoggingConfig{
			Level: "<root>=WARNING",
		},
		State: StateConfig{
			RecordDir: "~/.sirseer/migrations",
		},
		Targets: make(map[string]TargetConfig),
	}
}
