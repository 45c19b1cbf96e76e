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

package eventloop

import (
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"
)

var logger = loggo.GetLogger("sirseer.migrate.eventloop")

// ErrStopped is returned by Call when the loop is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop runs posted functions on a single goroutine in FIFO order.
type Loop struct {
	tomb  tomb.Tomb
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
}

// New starts a loop using clk for timers. A nil clock means the wall clock.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.WallClock
	}
	l := &Loop{
		clock: clk,
		wake:  make(chan struct{}, 1),
	}
	l.tomb.Go(l.run)
	return l
}

// Clock returns the clock the loop schedules timers with.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues fn to run on the loop goroutine. It reports false, and drops
// fn, once the loop is dying.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc runs fn on the loop goroutine after d has elapsed on the loop's
// clock. The returned function stops the timer and reports whether it did so
// before the timer fired.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	timer := l.clock.AfterFunc(d, func() {
		l.Post(fn)
	})
	return timer.Stop
}

// Call runs fn on the loop goroutine and waits for it to return.
func (l *Loop) Call(fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.tomb.Dead():
		// The loop may have run fn just before exiting.
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Kill asks the loop to stop. Functions already queued still run.
func (l *Loop) Kill() {
	l.tomb.Kill(nil)
}

// Wait blocks until the loop goroutine has exited.
func (l *Loop) Wait() error {
	return l.tomb.Wait()
}

func (l *Loop) run() error {
	for {
		select {
		case <-l.tomb.Dying():
			l.mu.Lock()
			l.stopped = true
			pending := l.queue
			l.queue = nil
			l.mu.Unlock()
			if len(pending) > 0 {
				logger.Debugf("running %d queued functions before exit", len(pending))
			}
			for _, fn := range pending {
				fn()
			}
			return nil
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			batch := l.queue
			l.queue = nil
			l.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
		}
	}
}
