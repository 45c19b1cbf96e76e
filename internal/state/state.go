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

package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultRecordDir returns ~/.sirseer/migrations, or a directory under the
// working directory when the home directory is not accessible.
func DefaultRecordDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".sirseer", "migrations")
}

// GetRecordFilePath returns the record file for target inside dir.
// Example: tcp:dest:4444 -> dir/tcp-dest-4444.record
func GetRecordFilePath(dir, target string) string {
	if dir == "" {
		dir = DefaultRecordDir()
	}
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			return r
		default:
			return '-'
		}
	}, target)
	if len(safe) > 128 {
		safe = safe[:128]
	}
	return filepath.Join(dir, safe+".record")
}

// SaveRecord atomically saves the record to disk with integrity validation.
// It uses a write-to-temp-and-rename pattern to ensure atomicity.
func SaveRecord(record *MigrationRecord, recordFile string) error {
	// Set version to current
	record.Version = CurrentVersion

	// Calculate checksum before adding it to the struct
	checksum, err := calculateChecksum(record)
	if err != nil {
		return fmt.Errorf("failed to calculate checksum: %w", err)
	}
	record.Checksum = checksum

	// Ensure the directory exists
	if mkdirErr := os.MkdirAll(filepath.Dir(recordFile), 0o755); mkdirErr != nil {
		return fmt.Errorf("failed to create record directory: %w", mkdirErr)
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	// A unique temp file keeps concurrent writers of one record apart.
	tmp, err := os.CreateTemp(filepath.Dir(recordFile), filepath.Base(recordFile)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary record file: %w", err)
	}
	tempFile := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to write temporary record file: %w", err)
	}
	// Sync to ensure data is flushed to disk
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tempFile, recordFile); err != nil {
		// Clean up temp file
		_ = os.Remove(tempFile)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// LoadRecord reads and validates a record from disk. A missing file yields
// an error wrapping fs.ErrNotExist.
func LoadRecord(recordFile string) (*MigrationRecord, error) {
	data, err := os.ReadFile(recordFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no migration record found at %s: %w", recordFile, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read record file %s: %w", recordFile, err)
	}

	// Unmarshal the record
	var record MigrationRecord
	if unmarshalErr := json.Unmarshal(data, &record); unmarshalErr != nil {
		return nil, fmt.Errorf("record file is corrupted (invalid JSON): %w", unmarshalErr)
	}

	// Check version compatibility
	if record.Version != CurrentVersion {
		return nil, fmt.Errorf("record file version (%d) is incompatible with current version (%d)",
			record.Version, CurrentVersion)
	}

	// Verify checksum
	savedChecksum := record.Checksum
	calculatedChecksum, err := calculateChecksum(&record)
	if err != nil {
		return nil, fmt.Errorf("failed to calculate checksum for validation: %w", err)
	}
	if savedChecksum != calculatedChecksum {
		return nil, fmt.Errorf("record file is corrupted (checksum mismatch)")
	}
	return &record, nil
}

// DeleteRecord removes a record file. A missing file is not an error.
func DeleteRecord(recordFile string) error {
	err := os.Remove(recordFile)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete record file: %w", err)
	}
	return nil
}

// calculateChecksum computes the SHA256 hash of the record content.
// The checksum field itself is excluded from the calculation.
func calculateChecksum(record *MigrationRecord) (string, error) {
	// Create a copy without the checksum field
	recordCopy := *record
	recordCopy.Checksum = ""

	data, err := json.Marshal(recordCopy)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}
