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
	"errors"
	"sync/atomic"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// OutputChannel is the buffered stream a producer writes serialized state
// to. Write never blocks: whatever the transport or the throttle cannot take
// right now stays buffered, in order, until PutReady drains it. It must only
// be used on the migration's loop goroutine.
type OutputChannel struct {
	m        *FdMigrationState
	buf      []byte
	err      error
	released bool

	// pending mirrors len(buf) for readers off the loop.
	pending atomic.Int64
}

func newOutputChannel(m *FdMigrationState) *OutputChannel {
	return &OutputChannel{m: m}
}

// Write buffers p and pushes as much as possible to the transport. It
// fails once the migration has ended or its final pass is over.
func (c *OutputChannel) Write(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	if c.released || c.m.completing {
		return 0, migerrors.ErrNotActive
	}
	c.buf = append(c.buf, p...)
	c.pending.Store(int64(len(c.buf)))

	if err := c.Flush(); err != nil && !errors.Is(err, migerrors.ErrWouldBlock) {
		return 0, err
	}
	return len(p), nil
}

// Flush pushes buffered bytes to the transport until it is empty or the
// transport pushes back, in which case it returns ErrWouldBlock.
func (c *OutputChannel) Flush() error {
	if c.err != nil {
		return c.err
	}
	for len(c.buf) > 0 {
		n, err := c.m.PutBuffer(c.buf)
		c.consume(n)
		if errors.Is(err, migerrors.ErrWouldBlock) {
			return err
		}
		if err != nil {
			c.err = err
			return err
		}
		if n == 0 {
			return migerrors.ErrWouldBlock
		}
	}
	return nil
}

func (c *OutputChannel) consume(n int) {
	if n <= 0 {
		return
	}
	c.buf = c.buf[n:]
	if len(c.buf) == 0 {
		c.buf = nil
	}
	c.pending.Store(int64(len(c.buf)))
}

// Pending returns the number of buffered bytes not yet accepted by the
// transport. Safe to call from any goroutine.
func (c *OutputChannel) Pending() int {
	return int(c.pending.Load())
}

// RateLimited reports whether more than the unfreeze threshold is buffered.
func (c *OutputChannel) RateLimited() bool {
	if c.err != nil || c.released {
		return true
	}
	return len(c.buf) > c.m.opts.UnfreezeThreshold
}

// DowntimeBudget returns how many bytes fit in the maximum downtime at the
// bandwidth limit, or -1 when bandwidth is unlimited.
func (c *OutputChannel) DowntimeBudget() int64 {
	if c.m.bandwidthLimit <= 0 {
		return -1
	}
	return int64(float64(c.m.bandwidthLimit) * c.m.opts.MaxDowntime.Seconds())
}

// release drops buffered bytes. Later writes fail.
func (c *OutputChannel) release() {
	c.released = true
	c.buf = nil
	c.pending.Store(0)
	if c.err == nil {
		c.err = migerrors.ErrNotActive
	}
}
