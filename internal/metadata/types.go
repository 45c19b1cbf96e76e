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

// Package metadata types define the structures used for tracking and
// persisting information about migrations. These types capture what was
// transferred, how it was throttled and how the migration ended.
package metadata

import (
	"time"
)

// TransferMetadata represents the complete metadata record for a single
// migration. It is produced once the migration reaches a terminal state.
type TransferMetadata struct {
	MigrateVersion string          `json:"migrate_version"`
	MigrationID    string          `json:"migration_id"`
	Direction      string          `json:"direction"`
	Target         string          `json:"target"`
	Parameters     TransferParams  `json:"parameters"`
	Results        TransferResults `json:"results"`
}

// TransferParams captures the settings a migration was started with.
type TransferParams struct {
	BandwidthLimit int64  `json:"bandwidth_limit"`
	MaxDowntime    string `json:"max_downtime,omitempty"`
	Detach         bool   `json:"detach"`
}

// TransferResults contains the statistics of a finished migration.
type TransferResults struct {
	State             string    `json:"state"`
	SaveStarted       bool      `json:"save_started"`
	BytesTransferred  int64     `json:"bytes_transferred"`
	Writes            int       `json:"writes"`
	Backpressure      int       `json:"backpressure_events"`
	Throttled         int       `json:"throttle_events"`
	Duration          string    `json:"duration"`
	AverageThroughput float64   `json:"average_bytes_per_second"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	Error             string    `json:"error,omitempty"`
}

// Stats is a point-in-time view of a running transfer.
type Stats struct {
	BytesTransferred int64
	Writes           int
	Backpressure     int
	Throttled        int
	StartedAt        time.Time
}
