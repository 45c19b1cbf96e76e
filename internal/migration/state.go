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

package migration

import "fmt"

// State is the lifecycle state of a migration.
type State int

// The numeric values match the status codes reported by the control plane.
const (
	StateError     State = -1
	StateCompleted State = 0
	StateCancelled State = 1
	StateActive    State = 2
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateError:
		return "error"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s != StateActive
}
