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

// Package errors defines sentinel errors for consistent error handling across the application.
// These errors map to specific exit codes in the CLI for proper scripting support.
package errors

import "errors"

// Sentinel errors for consistent error handling and exit code mapping
var (
	// ErrWouldBlock indicates the transport or the bandwidth throttle cannot
	// take more bytes right now. It is backpressure, not a failure; the
	// caller retries once it is notified.
	ErrWouldBlock = errors.New("transport would block")

	// ErrNotActive indicates the migration has left the active state (or is
	// completing) and accepts no more data.
	ErrNotActive = errors.New("migration is not active")

	// ErrInvalidTarget indicates a malformed migration target or a transport
	// that could not be set up at construction time.
	// Maps to exit code 2.
	ErrInvalidTarget = errors.New("invalid migration target")

	// ErrUnknownScheme indicates a target URI with an unsupported scheme.
	// Maps to exit code 2.
	ErrUnknownScheme = errors.New("unknown migration scheme")

	// ErrInProgress indicates a migration is already active on the controller.
	// Maps to exit code 2.
	ErrInProgress = errors.New("migration already in progress")

	// ErrTransport indicates the transport failed while the migration was running.
	// Maps to exit code 3.
	ErrTransport = errors.New("migration transport failed")

	// ErrHelperExit indicates the exec helper process exited with a failure status.
	// Maps to exit code 3.
	ErrHelperExit = errors.New("migration helper exited with failure")

	// ErrCloseTimeout indicates the transport did not close within its deadline
	// and had to be torn down forcibly.
	// Maps to exit code 3.
	ErrCloseTimeout = errors.New("transport close timed out")

	// ErrReleaseTimeout indicates a release gave up waiting for the migration
	// to reach a terminal state.
	ErrReleaseTimeout = errors.New("migration release timed out")

	// ErrCancelled indicates a migration ended because it was cancelled.
	// Maps to exit code 4.
	ErrCancelled = errors.New("migration cancelled")

	// ErrCorruptImage indicates an incoming stream that is not a complete,
	// well-formed migration image.
	ErrCorruptImage = errors.New("corrupt migration image")
)
