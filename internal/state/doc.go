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

// Package state persists the record of the last migration to each target.
//
// A record is the migration's metadata plus a schema version and a SHA256
// checksum of its content. Records are written with a write-to-temp-and-rename
// pattern so that a crash never leaves a half-written file behind, and are
// rejected on load when the checksum or the version does not match.
//
// Records live in a directory chosen by the caller, by default
// ~/.sirseer/migrations, one file per target.
//
// Example usage:
//
//	rec := &MigrationRecord{Migration: *m.Metadata()}
//	err := SaveRecord(rec, GetRecordFilePath(dir, "tcp:dest:4444"))
package state
