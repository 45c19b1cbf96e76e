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

// Package image is a minimal guest-state serializer: it streams a file as a
// migration image and restores it on the other side.
//
// The stream is a 16-byte header (magic, version, total size), a sequence of
// records each prefixed by its big-endian uint32 length, and a zero-length
// record marking the end:
//
//	+-------+---------+-------------+-----+------+-----+------+-----+---------+
//	| magic | version | size uint64 | len | data | len | data | ... | len = 0 |
//	+-------+---------+-------------+-----+------+-----+------+-----+---------+
//
// Producer sends records while the migration's channel is not rate limited
// and leaves what fits in the downtime budget for the final pass. Restorer
// writes into a temporary file and renames it into place only when the end
// marker arrives and the byte count matches the header, so a truncated
// stream never leaves a partial image behind.
package image
