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

// EventWriter is where migration events go. Writer is the NDJSON
// implementation.
type EventWriter interface {
	// Emit writes a single event. It is flushed immediately.
	Emit(ev Event) error

	// Close closes the underlying writer and releases any resources.
	Close() error
}

// Discard is an EventWriter that drops every event.
var Discard EventWriter = discard{}

type discard struct{}

func (discard) Emit(Event) error { return nil }
func (discard) Close() error     { return nil }
