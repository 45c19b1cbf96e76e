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
	"github.com/sirseerhq/sirseer-migrate/internal/metadata"
)

// CurrentVersion is the current record schema version.
// Increment this when making breaking changes to MigrationRecord.
const CurrentVersion = 1

// MigrationRecord is the persisted outcome of a migration.
type MigrationRecord struct {
	// Version indicates the schema version of this record file.
	Version int `json:"version"`

	// Checksum is the SHA256 hash of the record content (excluding this field).
	// Used to detect corruption or tampering.
	Checksum string `json:"checksum"`

	// Migration is the metadata produced when the migration ended.
	Migration metadata.TransferMetadata `json:"migration"`

	// Attempts is the number of connection attempts the control plane made.
	Attempts int `json:"attempts"`
}
