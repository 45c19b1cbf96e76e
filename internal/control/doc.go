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

// Package control is the control plane for outgoing migrations.
//
// A Controller owns at most one migration at a time. It applies the
// current speed and downtime settings to each new migration, refuses to
// start a second one while the first is active, and can retry migrations
// that failed to connect. Settings changes only affect migrations started
// afterwards; a running migration keeps its bandwidth limit.
package control
