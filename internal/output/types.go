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

package output

import "time"

// Event types.
const (
	EventStarted   = "started"
	EventConnected = "connected"
	EventProgress  = "progress"
	EventRetry     = "retry"
	EventFinished  = "finished"
	EventReceived  = "received"
)

// Event is one line of the event stream.
type Event struct {
	Time        time.Time `json:"time"`
	Type        string    `json:"type"`
	MigrationID string    `json:"migration_id,omitempty"`
	Target      string    `json:"target"`
	State       string    `json:"state,omitempty"`
	Bytes       int64     `json:"bytes"`
	Pending     int       `json:"pending,omitempty"`
	Throttled   int       `json:"throttle_events,omitempty"`
	Attempt     int       `json:"attempt,omitempty"`
	Error       string    `json:"error,omitempty"`
}
