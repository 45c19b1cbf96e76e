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

// Package eventloop provides a minimal single-goroutine event loop.
//
// Every function posted to a Loop runs on the loop goroutine in the order it
// was posted. Migration instances rely on this to keep their mutable state
// confined to one goroutine: the write path, readiness callbacks and throttle
// timers all arrive here, while Cancel and Status remain safe to call from
// anywhere.
//
// Example usage:
//
//	loop := eventloop.New(clock.WallClock)
//	defer worker.Stop(loop)
//
//	loop.Post(func() {
//	    // runs on the loop goroutine
//	})
//	cancel := loop.AfterFunc(time.Second, func() {
//	    // runs on the loop goroutine one second later
//	})
//	defer cancel()
package eventloop
