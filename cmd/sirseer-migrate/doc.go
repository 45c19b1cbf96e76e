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

// Package main implements the sirseer-migrate command-line interface.
// It streams a guest image to a destination over tcp, quic, an exec'd
// helper or an inherited file descriptor, and restores it on the other end.
//
// Usage:
//
//	sirseer-migrate receive <uri> <output> [flags]
//	sirseer-migrate send <image> <uri> [flags]
//	sirseer-migrate status <uri> [flags]
//
// Example:
//
//	sirseer-migrate receive tcp:0.0.0.0:4444 guest.img
//	sirseer-migrate send --bandwidth 100MiB guest.img tcp:dest:4444
//
// Exit codes:
//   - 0: Success
//   - 1: General error
//   - 2: Invalid configuration, target or a migration already running
//   - 3: Transport, helper or image failure
//   - 4: Cancelled
package main
