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

// Package migration implements the source and destination sides of a live
// migration.
//
// An outgoing migration is an FdMigrationState bound to one transport
// backend. It is created by StartOutgoing or one of the per-scheme
// constructors, which validate the target synchronously and then connect in
// the background. All of its mutable state belongs to one event loop
// goroutine: the serialization producer writes through the OutputChannel,
// the write path throttles bytes against the bandwidth limit and forwards
// them to the backend without ever blocking, and transport readiness and
// throttle timers re-enter through the loop.
//
// A migration starts ACTIVE and ends in exactly one of COMPLETED, CANCELLED
// or ERROR. Entering the terminal state fires the Done callback once, then
// stops the throttle, drops the readiness registration, closes the backend
// and resumes a guest the migration paused. Release waits for all of that
// and reports how the migration ended.
//
// The destination side is an Incoming worker, started by StartIncoming,
// that accepts one peer and hands an InputChannel to a Restorer.
//
// Example usage:
//
//	loop := eventloop.New(clock.WallClock)
//	defer worker.Stop(loop)
//
//	m, err := migration.StartOutgoing(ctx, "tcp:dest:4444", migration.Options{
//	    Loop:           loop,
//	    BandwidthLimit: 32 << 20,
//	    Detach:         true,
//	    Producer:       producer,
//	})
//	if err != nil {
//	    return err // bad target, nothing to release
//	}
//	<-m.Done()
//	state, err := m.Release(ctx)
package migration
