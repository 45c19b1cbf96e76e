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

// Package output writes migration events in NDJSON (Newline Delimited JSON)
// format, one JSON object per line.
//
// The CLI uses it for --events: a machine-readable log of a migration's
// start, progress snapshots and final state that other tooling can tail
// while the transfer runs. Writer is safe for concurrent use and flushes
// every record as it is written.
//
// Example usage:
//
//	w, err := output.NewFileWriter("events.ndjson")
//	if err != nil {
//	    return err
//	}
//	defer w.Close()
//
//	_ = w.Emit(output.Event{Type: output.EventStarted, MigrationID: id, Target: uri})
package output
