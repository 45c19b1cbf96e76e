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

// Package metadata provides functionality for tracking and persisting metadata
// about migrations. It records statistics about each transfer including the
// number of bytes handed to the transport, how often the transport or the
// bandwidth throttle pushed back, and how the migration ended.
//
// The metadata system serves several purposes:
//   - Provides an audit trail of every migration attempt
//   - Enables troubleshooting by recording migration parameters
//   - Records throughput for tuning bandwidth and downtime limits
//
// Metadata is saved as JSON files alongside migration records, allowing
// external tools to analyze migration history.
package metadata

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/juju/clock"
)

// Tracker collects statistics during a migration. Writes are recorded from
// the event loop while Stats may be read from any goroutine.
type Tracker struct {
	clock clock.Clock

	mu           sync.Mutex
	startTime    time.Time
	bytes        int64
	writes       int
	backpressure int
	throttled    int
}

// New creates a new tracker started at the clock's current time. A nil
// clock means the wall clock.
func New(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Tracker{
		clock:     clk,
		startTime: clk.Now(),
	}
}

// RecordWrite records n bytes accepted by the transport.
func (t *Tracker) RecordWrite(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bytes += int64(n)
	t.writes++
}

// RecordBackpressure records the transport refusing bytes.
func (t *Tracker) RecordBackpressure() {
	t.mu.Lock()
	t.backpressure++
	t.mu.Unlock()
}

// RecordThrottle records the bandwidth limit holding bytes back.
func (t *Tracker) RecordThrottle() {
	t.mu.Lock()
	t.throttled++
	t.mu.Unlock()
}

// Stats returns the statistics gathered so far.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		BytesTransferred: t.bytes,
		Writes:           t.writes,
		Backpressure:     t.backpressure,
		Throttled:        t.throttled,
		StartedAt:        t.startTime,
	}
}

// GenerateMetadata creates the metadata record for a finished migration.
//
// Parameters:
//   - version: the sirseer-migrate version
//   - id: the migration ID
//   - direction: "outgoing" or "incoming"
//   - target: the migration URI
//   - params: the settings the migration was started with
//   - state: the terminal state name
//   - saveStarted: whether any byte reached the transport
//   - failure: the terminal error, if any
func (t *Tracker) GenerateMetadata(version, id, direction, target string, params TransferParams, state string, saveStarted bool, failure error) *TransferMetadata {
	stats := t.Stats()
	completedAt := t.clock.Now()
	duration := completedAt.Sub(stats.StartedAt)

	var throughput float64
	if duration > 0 {
		throughput = float64(stats.BytesTransferred) / duration.Seconds()
	}

	var errText string
	if failure != nil {
		errText = failure.Error()
	}

	return &TransferMetadata{
		MigrateVersion: version,
		MigrationID:    id,
		Direction:      direction,
		Target:         target,
		Parameters:     params,
		Results: TransferResults{
			State:             state,
			SaveStarted:       saveStarted,
			BytesTransferred:  stats.BytesTransferred,
			Writes:            stats.Writes,
			Backpressure:      stats.Backpressure,
			Throttled:         stats.Throttled,
			Duration:          duration.String(),
			AverageThroughput: throughput,
			StartedAt:         stats.StartedAt,
			CompletedAt:       completedAt,
			Error:             errText,
		},
	}
}

// SaveMetadata persists a TransferMetadata record to a JSON file in the
// specified directory. The file is written atomically using a temporary file
// and rename to prevent corruption.
//
// The metadata file will be named: migration-metadata-{id}.json
func SaveMetadata(metadata *TransferMetadata, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("migration-metadata-%s.json", metadata.MigrationID))

	tmpFile := path + ".tmp"
	file, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create metadata file: %w", err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(metadata); err != nil {
		_ = file.Close()
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("failed to close metadata file: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		return fmt.Errorf("failed to save metadata file: %w", err)
	}

	return nil
}

// LoadLatestMetadata finds the most recent metadata file for target in dir.
// An empty target matches any migration.
//
// Returns nil if no metadata exists, or an error if loading fails.
func LoadLatestMetadata(dir, target string) (*TransferMetadata, error) {
	files, err := filepath.Glob(filepath.Join(dir, "migration-metadata-*.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata files: %w", err)
	}

	var latest *TransferMetadata
	for _, file := range files {
		metadata, err := readMetadata(file)
		if err != nil {
			return nil, err
		}
		if target != "" && metadata.Target != target {
			continue
		}
		if latest == nil || metadata.Results.CompletedAt.After(latest.Results.CompletedAt) {
			latest = metadata
		}
	}
	return latest, nil
}

func readMetadata(path string) (*TransferMetadata, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata file: %w", err)
	}
	defer file.Close()

	var metadata TransferMetadata
	if err := json.NewDecoder(file).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse metadata %s: %w", filepath.Base(path), err)
	}
	return &metadata, nil
}

// WriteMetadataToWriter serializes metadata to JSON and writes it to the
// provided io.Writer. The output is formatted with indentation for readability.
func WriteMetadataToWriter(metadata *TransferMetadata, w io.Writer) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}
