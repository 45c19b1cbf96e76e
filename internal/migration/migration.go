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

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

var logger = loggo.GetLogger("sirseer.migrate.migration")

// MigrationState is the handle a control plane holds on a migration.
type MigrationState interface {
	// Cancel requests cancellation. It is a no-op once the migration has
	// ended and is safe to call from any goroutine.
	Cancel()

	// Status returns the current state without blocking.
	Status() State

	// Release waits for the migration to end and its resources to be
	// reclaimed, and reports how it ended. It must be called exactly once.
	Release(ctx context.Context) (State, error)
}

// Backend is a non-blocking byte transport.
type Backend interface {
	// Write accepts as much of p as it can without blocking. It returns
	// errors.ErrWouldBlock when it took less than len(p).
	Write(p []byte) (int, error)

	// Err reports a failure detected outside of Write.
	Err() error

	// Notify registers a callback fired, from any goroutine, when a blocked
	// Write may make progress again or the transport fails. A nil fn drops
	// the registration.
	Notify(fn func())

	// Close releases the transport. A graceful close delivers everything
	// accepted so far; otherwise queued bytes are dropped. It is idempotent.
	Close(ctx context.Context, graceful bool) error
}

// Loop is the event loop a migration runs on. Every function it is given
// must run on the same goroutine.
type Loop interface {
	// Post queues fn. It reports false if the loop no longer runs functions.
	Post(fn func()) bool

	// AfterFunc runs fn on the loop after d. The returned function cancels it.
	AfterFunc(d time.Duration, fn func()) func() bool
}

// Channel is what a producer writes serialized state to.
type Channel interface {
	io.Writer

	// RateLimited reports that the producer should stop and wait to be
	// resumed rather than keep writing.
	RateLimited() bool

	// DowntimeBudget returns the number of bytes that can be sent within the
	// maximum downtime, or -1 when bandwidth is unlimited.
	DowntimeBudget() int64
}

// Producer serializes guest state onto a Channel.
type Producer interface {
	// Begin is called once the transport is connected.
	Begin(ch Channel) error

	// Iterate sends state while the guest keeps running. It should return
	// once ch is rate limited, and report done when the rest fits the final
	// pass.
	Iterate(ch Channel) (done bool, err error)

	// Complete sends the remaining state while the guest is paused.
	Complete(ch Channel) error
}

// Guest is the virtual machine being migrated.
type Guest interface {
	Running() bool
	Pause() error
	Resume() error
}

// Restorer rebuilds guest state on the destination.
type Restorer interface {
	Restore(ctx context.Context, in *InputChannel) error
}

// Defaults applied to zero Options fields.
const (
	DefaultThrottleWindow = time.Second
	DefaultConnectTimeout = 30 * time.Second
	DefaultCloseTimeout   = 30 * time.Second
	DefaultMaxDowntime    = 30 * time.Millisecond
)

// Options configures an outgoing migration.
type Options struct {
	// BandwidthLimit caps the transfer rate in bytes per second. Zero or
	// less means unlimited. It cannot change once the migration starts.
	BandwidthLimit int64

	// Detach makes the constructor return before the transport connects.
	Detach bool

	// Loop runs the migration. Required.
	Loop Loop

	// Clock drives throttling and waits. Defaults to the wall clock.
	Clock clock.Clock

	// Producer, if set, is driven by the migration until it completes.
	// Without one the caller writes to Output and calls Complete itself.
	Producer Producer

	// Guest is paused for the final pass and resumed if the migration
	// does not complete.
	Guest Guest

	// Done is called on the loop goroutine when the migration ends.
	Done func(State)

	// ThrottleWindow is the burst window of the bandwidth limit.
	ThrottleWindow time.Duration

	// UnfreezeThreshold is the number of pending output bytes at which the
	// producer may resume.
	UnfreezeThreshold int

	// QueueSize is the transport send queue capacity in bytes.
	QueueSize int

	ConnectTimeout time.Duration
	CloseTimeout   time.Duration
	MaxDowntime    time.Duration

	// TLSConfig is used by the quic transport.
	TLSConfig *tls.Config

	// Version is recorded in the migration metadata.
	Version string
}

func (o Options) withDefaults() (Options, error) {
	if o.Loop == nil {
		return o, fmt.Errorf("%w: no event loop", migerrors.ErrInvalidTarget)
	}
	if o.Clock == nil {
		o.Clock = clock.WallClock
	}
	if o.ThrottleWindow <= 0 {
		o.ThrottleWindow = DefaultThrottleWindow
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.MaxDowntime <= 0 {
		o.MaxDowntime = DefaultMaxDowntime
	}
	if o.UnfreezeThreshold < 0 {
		o.UnfreezeThreshold = 0
	}
	return o, nil
}
