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

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if s.MaxBandwidth != 32<<20 {
		t.Errorf("MaxBandwidth = %d, want %d", s.MaxBandwidth, 32<<20)
	}
	if s.MaxDowntime != 30*time.Millisecond {
		t.Errorf("MaxDowntime = %v, want 30ms", s.MaxDowntime)
	}
	if s.ThrottleWindow != time.Second {
		t.Errorf("ThrottleWindow = %v, want 1s", s.ThrottleWindow)
	}
	if s.QueueSize != 1<<20 {
		t.Errorf("QueueSize = %d, want %d", s.QueueSize, 1<<20)
	}
	if s.ReleaseTimeout != 5*time.Minute {
		t.Errorf("ReleaseTimeout = %v, want 5m", s.ReleaseTimeout)
	}
	if s.ConnectRetries != 0 {
		t.Errorf("ConnectRetries = %d, want 0", s.ConnectRetries)
	}
	if cfg.Logging.Level != "<root>=WARNING" {
		t.Errorf("Logging.Level = %s, want <root>=WARNING", cfg.Logging.Level)
	}
	if cfg.State.RecordDir != "~/.sirseer/migrations" {
		t.Errorf("RecordDir = %s, want ~/.sirseer/migrations", cfg.State.RecordDir)
	}
}

func TestLoadConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "migrate.yaml")

	configContent := `
migration:
  max_bandwidth: 100MB
  max_downtime: 0.5
  queue_size: 256KiB
  connect_retries: 3

logging:
  level: "<root>=INFO;sirseer.migrate.transport=TRACE"

state:
  record_dir: /var/lib/sirseer/migrations

targets:
  "tcp:dr-site:4444":
    max_bandwidth: 10MiB
    connect_retries: 5
`
	if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if s.MaxBandwidth != 100_000_000 {
		t.Errorf("MaxBandwidth = %d, want 100000000", s.MaxBandwidth)
	}
	if s.MaxDowntime != 500*time.Millisecond {
		t.Errorf("MaxDowntime = %v, want 500ms", s.MaxDowntime)
	}
	if s.QueueSize != 256<<10 {
		t.Errorf("QueueSize = %d, want %d", s.QueueSize, 256<<10)
	}
	// Unset keys keep their defaults.
	if s.CloseTimeout != 30*time.Second {
		t.Errorf("CloseTimeout = %v, want 30s", s.CloseTimeout)
	}
	if cfg.State.RecordDir != "/var/lib/sirseer/migrations" {
		t.Errorf("RecordDir = %s, want /var/lib/sirseer/migrations", cfg.State.RecordDir)
	}
	if tc, ok := cfg.Targets["tcp:dr-site:4444"]; !ok {
		t.Error("Target tcp:dr-site:4444 not found")
	} else if tc.MaxBandwidth != "10MiB" {
		t.Errorf("Target MaxBandwidth = %s, want 10MiB", tc.MaxBandwidth)
	}
}

func TestLoadConfigForTarget(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "migrate.yaml")
	content := `
migration:
  max_bandwidth: 1GiB
  connect_retries: 1
targets:
  "tcp:slow:4444":
    max_bandwidth: 8MiB
    connect_retries: 4
  "exec:ssh dr cat":
    connect_retries: 2
`
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		target        string
		wantBandwidth int64
		wantRetries   int
	}{
		{"tcp:slow:4444", 8 << 20, 4},
		{"exec:ssh dr cat", 1 << 30, 2},
		{"tcp:other:4444", 1 << 30, 1},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			cfg, err := LoadConfigForTarget(configPath, tt.target)
			if err != nil {
				t.Fatalf("LoadConfigForTarget failed: %v", err)
			}
			s, err := cfg.Resolve()
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if s.MaxBandwidth != tt.wantBandwidth {
				t.Errorf("MaxBandwidth = %d, want %d", s.MaxBandwidth, tt.wantBandwidth)
			}
			if s.ConnectRetries != tt.wantRetries {
				t.Errorf("ConnectRetries = %d, want %d", s.ConnectRetries, tt.wantRetries)
			}
		})
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("migration: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("LoadConfig should fail for a missing explicit file")
	}
	if _, err := LoadConfig(bad); err == nil || !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("LoadConfig(bad) error = %v, want parse failure", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SIRSEER_MIGRATE_MAX_BANDWIDTH", "64MiB")
	t.Setenv("SIRSEER_MIGRATE_MAX_DOWNTIME", "100ms")
	t.Setenv("SIRSEER_MIGRATE_QUEUE_SIZE", "2MiB")
	t.Setenv("SIRSEER_MIGRATE_CONNECT_RETRIES", "2")
	t.Setenv("SIRSEER_MIGRATE_LOG", "<root>=DEBUG")
	t.Setenv("SIRSEER_MIGRATE_RECORD_DIR", "~/records")

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	s, err := cfg.Resolve()
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if s.MaxBandwidth != 64<<20 {
		t.Errorf("MaxBandwidth = %d, want %d", s.MaxBandwidth, 64<<20)
	}
	if s.MaxDowntime != 100*time.Millisecond {
		t.Errorf("MaxDowntime = %v, want 100ms", s.MaxDowntime)
	}
	if s.QueueSize != 2<<20 {
		t.Errorf("QueueSize = %d, want %d", s.QueueSize, 2<<20)
	}
	if s.ConnectRetries != 2 {
		t.Errorf("ConnectRetries = %d, want 2", s.ConnectRetries)
	}
	if cfg.Logging.Level != "<root>=DEBUG" {
		t.Errorf("Logging.Level = %s, want <root>=DEBUG", cfg.Logging.Level)
	}
	if want := filepath.Join(os.Getenv("HOME"), "records"); cfg.State.RecordDir != want {
		t.Errorf("RecordDir = %s, want %s", cfg.State.RecordDir, want)
	}
}

func TestParseBandwidth(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "0", want: 0},
		{in: "unlimited", want: 0},
		{in: "1048576", want: 1 << 20},
		{in: "32MiB", want: 32 << 20},
		{in: "32M", want: 32_000_000},
		{in: "1g", want: 1_000_000_000},
		{in: " 512 KiB ", want: 512 << 10},
		{in: "-1", wantErr: true},
		{in: "-32MiB", wantErr: true},
		{in: "fast", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBandwidth(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBandwidth(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBandwidth(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "30ms", want: 30 * time.Millisecond},
		{in: "2s", want: 2 * time.Second},
		{in: "0.03", want: 30 * time.Millisecond},
		{in: "1", want: time.Second},
		{in: "0", want: 0},
		{in: "-5ms", wantErr: true},
		{in: "-0.5", wantErr: true},
		{in: "soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDuration(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "valid config", modify: func(*Config) {}},
		{
			name:    "negative bandwidth",
			modify:  func(c *Config) { c.Migration.MaxBandwidth = "-10MiB" },
			wantErr: "max_bandwidth",
		},
		{
			name:    "unparsable downtime",
			modify:  func(c *Config) { c.Migration.MaxDowntime = "a while" },
			wantErr: "max_downtime",
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Migration.ConnectTimeout = "0s" },
			wantErr: "connect_timeout must be positive",
		},
		{
			name:    "zero queue",
			modify:  func(c *Config) { c.Migration.QueueSize = "0" },
			wantErr: "queue_size must be positive",
		},
		{
			name:    "negative retries",
			modify:  func(c *Config) { c.Migration.ConnectRetries = -1 },
			wantErr: "connect_retries must not be negative",
		},
		{
			name: "bad target override",
			modify: func(c *Config) {
				c.Targets["tcp:dest:1"] = TargetConfig{MaxBandwidth: "lots"}
			},
			wantErr: "targets[tcp:dest:1].max_bandwidth",
		},
		{
			name:    "empty record dir",
			modify:  func(c *Config) { c.State.RecordDir = "" },
			wantErr: "record_dir cannot be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
