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
	"errors"
	"sync"
	"time"

	"github.com/juju/clock"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// fakeBackend records what it is given. It can push back after a number of
// bytes, fail a given write call, and hang on close.
type fakeBackend struct {
	clock clock.Clock

	mu         sync.Mutex
	data       []byte
	writes     int
	events     []writeEvent
	capacity   int // bytes accepted before pushing back; <0 means unlimited
	failOn     int // 1-based write call that fails; 0 never
	failErr    error
	err        error
	notify     func()
	closed     bool
	graceful   bool
	closeCalls int
	closeErr   error
	hang       bool
}

type writeEvent struct {
	at    time.Time
	total int
}

func newFakeBackend(clk clock.Clock) *fakeBackend {
	if clk == nil {
		clk = clock.WallClock
	}
	return &fakeBackend{clock: clk, capacity: -1}
}

func (b *fakeBackend) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writes++
	if b.closed {
		return 0, errors.New("write on closed backend")
	}
	if b.failOn > 0 && b.writes == b.failOn {
		return 0, b.failErr
	}
	n := len(p)
	if b.capacity >= 0 {
		room := b.capacity - len(b.data)
		if room < n {
			n = room
		}
	}
	b.data = append(b.data, p[:n]...)
	if n > 0 {
		b.events = append(b.events, writeEvent{at: b.clock.Now(), total: len(b.data)})
	}
	if n < len(p) {
		return n, migerrors.ErrWouldBlock
	}
	return n, nil
}

func (b *fakeBackend) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *fakeBackend) Notify(fn func()) {
	b.mu.Lock()
	b.notify = fn
	b.mu.Unlock()
}

func (b *fakeBackend) Close(ctx context.Context, graceful bool) error {
	b.mu.Lock()
	b.closeCalls++
	if b.closed {
		err := b.closeErr
		b.mu.Unlock()
		return err
	}
	b.closed = true
	b.graceful = graceful
	hang := b.hang
	b.mu.Unlock()

	if hang {
		<-ctx.Done()
		b.mu.Lock()
		b.closeErr = migerrors.ErrCloseTimeout
		b.mu.Unlock()
		return migerrors.ErrCloseTimeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeErr
}

// grow lets the backend accept n more bytes and fires the readiness
// callback, the way a transport does once it drains.
func (b *fakeBackend) grow(n int) {
	b.mu.Lock()
	b.capacity += n
	fn := b.notify
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// breakWith makes Err report err and fires the readiness callback.
func (b *fakeBackend) breakWith(err error) {
	b.mu.Lock()
	b.err = err
	fn := b.notify
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *fakeBackend) snapshot() (data []byte, writes int, closed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.data...), b.writes, b.closed
}

func (b *fakeBackend) hasNotify() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notify != nil
}

// scriptProducer writes one chunk per Iterate call and reports done after
// the last one.
type scriptProducer struct {
	chunks    [][]byte
	final     []byte
	next      int
	begun     bool
	completed bool
	onIterate func(i int)
	beginErr  error
}

func (p *scriptProducer) Begin(ch Channel) error {
	p.begun = true
	return p.beginErr
}

func (p *scriptProducer) Iterate(ch Channel) (bool, error) {
	if p.next < len(p.chunks) {
		i := p.next
		p.next++
		if _, err := ch.Write(p.chunks[i]); err != nil {
			return false, err
		}
		if p.onIterate != nil {
			p.onIterate(i)
		}
	}
	return p.next >= len(p.chunks), nil
}

func (p *scriptProducer) Complete(ch Channel) error {
	p.completed = true
	if len(p.final) > 0 {
		_, err := ch.Write(p.final)
		return err
	}
	return nil
}

// fakeGuest records pause and resume calls.
type fakeGuest struct {
	mu      sync.Mutex
	running bool
	pauses  int
	resumes int
}

func (g *fakeGuest) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

func (g *fakeGuest) Pause() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = false
	g.pauses++
	return nil
}

func (g *fakeGuest) Resume() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.running = true
	g.resumes++
	return nil
}
