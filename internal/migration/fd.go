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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/metadata"
)

// dialFunc connects a migration's transport.
type dialFunc func(ctx context.Context) (Backend, error)

type dialResult struct {
	backend Backend
	err     error
}

// Info is a snapshot of a migration for the control plane.
type Info struct {
	ID             string
	Target         Target
	State          State
	SaveStarted    bool
	BandwidthLimit int64
	Pending        int
	Stats          metadata.Stats
}

// FdMigrationState is an outgoing migration over one transport backend.
//
// Everything except Cancel, Status, Release, Done, Err, Info and Metadata
// must be called on the migration's loop goroutine.
type FdMigrationState struct {
	id             string
	target         Target
	opts           Options
	bandwidthLimit int64
	detach         bool
	loop           Loop
	clock          clock.Clock
	producer       Producer
	guest          Guest
	tracker        *metadata.Tracker
	throttle       *throttle
	out            *OutputChannel

	state           atomic.Int32
	saveStarted     atomic.Bool
	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}
	connectOnce     sync.Once
	connectedCh     chan struct{}
	writable        chan struct{}
	dialed          chan dialResult
	terminated      chan struct{}

	// Owned by the loop goroutine.
	backend         Backend
	awaitingDial    bool
	connected       bool
	waitingWritable bool
	completing      bool
	finishing       bool
	pausedGuest     bool
	throttleStop    func() bool

	mu       sync.Mutex
	err      error
	closeErr error
	record   *metadata.TransferMetadata
}

var _ MigrationState = (*FdMigrationState)(nil)

func newFdMigrationState(target Target, opts Options) *FdMigrationState {
	m := &FdMigrationState{
		id:             uuid.NewString(),
		target:         target,
		opts:           opts,
		bandwidthLimit: opts.BandwidthLimit,
		detach:         opts.Detach,
		loop:           opts.Loop,
		clock:          opts.Clock,
		producer:       opts.Producer,
		guest:          opts.Guest,
		tracker:        metadata.New(opts.Clock),
		cancelCh:       make(chan struct{}),
		connectedCh:    make(chan struct{}),
		writable:       make(chan struct{}, 1),
		dialed:         make(chan dialResult, 1),
		terminated:     make(chan struct{}),
		awaitingDial:   true,
	}
	if m.bandwidthLimit > 0 {
		m.throttle = newThrottle(m.bandwidthLimit, opts.ThrottleWindow, opts.Clock)
	}
	m.out = newOutputChannel(m)
	m.state.Store(int32(StateActive))
	return m
}

// ID returns the migration's unique identifier.
func (m *FdMigrationState) ID() string {
	return m.id
}

// Target returns where the migration is going.
func (m *FdMigrationState) Target() Target {
	return m.target
}

// BandwidthLimit returns the rate cap in bytes per second, or zero or less
// for unlimited.
func (m *FdMigrationState) BandwidthLimit() int64 {
	return m.bandwidthLimit
}

// Output returns the channel producers write serialized state to.
func (m *FdMigrationState) Output() *OutputChannel {
	return m.out
}

// Status returns the current state. Safe from any goroutine.
func (m *FdMigrationState) Status() State {
	return State(m.state.Load())
}

// SaveStarted reports whether any byte has reached the transport.
func (m *FdMigrationState) SaveStarted() bool {
	return m.saveStarted.Load()
}

// Err returns the error that ended the migration, if it ended in ERROR.
func (m *FdMigrationState) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Done is closed once the migration has ended and its cleanup has finished.
func (m *FdMigrationState) Done() <-chan struct{} {
	return m.terminated
}

// Metadata returns the record of a finished migration, or nil while active.
func (m *FdMigrationState) Metadata() *metadata.TransferMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// Info returns a snapshot of the migration. Safe from any goroutine.
func (m *FdMigrationState) Info() Info {
	return Info{
		ID:             m.id,
		Target:         m.target,
		State:          m.Status(),
		SaveStarted:    m.SaveStarted(),
		BandwidthLimit: m.bandwidthLimit,
		Pending:        m.out.Pending(),
		Stats:          m.tracker.Stats(),
	}
}

// Cancel requests cancellation. The request takes effect at the next
// checkpoint on the loop; a write already handed to the transport is not
// interrupted. Safe from any goroutine.
func (m *FdMigrationState) Cancel() {
	if m.Status() != StateActive {
		return
	}
	m.cancelRequested.Store(true)
	m.cancelOnce.Do(func() {
		close(m.cancelCh)
	})
	if !m.loop.Post(func() { m.checkpoint() }) {
		logger.Warningf("migration %s: cancel requested but the event loop is stopped", m.id)
	}
}

// Release waits until the migration has ended and its transport is closed.
// It returns nil for COMPLETED and CANCELLED and the failure for ERROR. A
// transport close that had to be forced is reported as ErrCloseTimeout, and
// ctx ending first as ErrReleaseTimeout.
func (m *FdMigrationState) Release(ctx context.Context) (State, error) {
	select {
	case <-m.terminated:
	case <-ctx.Done():
		return m.Status(), fmt.Errorf("%w: migration %s: %w", migerrors.ErrReleaseTimeout, m.id, ctx.Err())
	}

	st := m.Status()
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if st == StateError {
		err = m.err
	}
	if m.closeErr != nil && !errors.Is(err, migerrors.ErrCloseTimeout) {
		err = errors.Join(err, m.closeErr)
	}
	return st, err
}

// PutBuffer hands bytes to the transport without blocking and returns how
// many it took. It returns ErrWouldBlock when the transport or the bandwidth
// limit pushes back, and ErrNotActive once the migration has ended.
func (m *FdMigrationState) PutBuffer(p []byte) (int, error) {
	if !m.checkpoint() || m.finishing {
		return 0, migerrors.ErrNotActive
	}
	if !m.connected {
		m.waitingWritable = true
		return 0, migerrors.ErrWouldBlock
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := len(p)
	if m.throttle != nil {
		avail := m.throttle.available()
		if avail <= 0 {
			m.tracker.RecordThrottle()
			m.armThrottle()
			return 0, migerrors.ErrWouldBlock
		}
		if int64(n) > avail {
			n = int(avail)
		}
	}

	written, err := m.backend.Write(p[:n])
	if written > 0 {
		if m.throttle != nil {
			m.throttle.charge(written)
		}
		if m.saveStarted.CompareAndSwap(false, true) {
			logger.Debugf("migration %s: first bytes sent to %s", m.id, m.target)
		}
		m.tracker.RecordWrite(written)
	}

	switch {
	case err == nil:
		return written, nil
	case errors.Is(err, migerrors.ErrWouldBlock):
		logger.Tracef("migration %s: transport busy after %d of %d bytes", m.id, written, len(p))
		m.tracker.RecordBackpressure()
		m.waitingWritable = true
		return written, migerrors.ErrWouldBlock
	default:
		if !errors.Is(err, migerrors.ErrTransport) {
			err = fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, m.target, err)
		}
		m.fail(err)
		return written, err
	}
}

// PutReady drains buffered output after the transport became writable or
// the throttle refilled, then lets the producer resume.
func (m *FdMigrationState) PutReady() {
	if !m.checkpoint() {
		return
	}
	if err := m.out.Flush(); err != nil {
		return
	}
	m.PutNotify()
}

// PutNotify lets the producer continue. While completing it attempts the
// final close instead.
func (m *FdMigrationState) PutNotify() {
	if !m.checkpoint() {
		return
	}
	if m.completing {
		m.tryFinish()
		return
	}
	if m.producer == nil || !m.connected {
		return
	}

	done, err := m.producer.Iterate(m.out)
	if !m.active() {
		return
	}
	if err != nil {
		m.fail(fmt.Errorf("iterate: %w", err))
		return
	}
	if done {
		m.finalPass()
		return
	}
	if !m.out.RateLimited() {
		m.loop.Post(m.PutNotify)
	}
}

// WaitForUnfreeze blocks until no more than the unfreeze threshold is
// buffered. It wakes up on transport writability, throttle refill,
// cancellation and ctx, and returns ErrNotActive once the migration ends.
func (m *FdMigrationState) WaitForUnfreeze(ctx context.Context) error {
	for {
		if !m.checkpoint() {
			return migerrors.ErrNotActive
		}
		if m.finishing {
			return nil
		}
		if err := m.out.Flush(); err != nil && !errors.Is(err, migerrors.ErrWouldBlock) {
			continue
		}
		if m.out.Pending() <= m.opts.UnfreezeThreshold {
			return nil
		}

		var refill <-chan time.Time
		if m.throttleStop != nil {
			refill = m.clock.After(m.throttle.retry)
		}
		var dialed <-chan dialResult
		if m.awaitingDial {
			dialed = m.dialed
		}

		select {
		case <-m.writable:
		case <-refill:
		case r := <-dialed:
			m.connectDone(r)
		case <-m.cancelCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Complete marks the end of the guest state. The migration completes once
// the buffered output has drained and the transport closed cleanly.
func (m *FdMigrationState) Complete() error {
	if !m.checkpoint() {
		return migerrors.ErrNotActive
	}
	if m.completing {
		return nil
	}
	m.completing = true
	logger.Debugf("migration %s: end of state, %d bytes pending", m.id, m.out.Pending())
	m.tryFinish()
	return nil
}

func (m *FdMigrationState) active() bool {
	return m.Status() == StateActive
}

// checkpoint observes cancellation and transport failure. It reports
// whether the migration is still active.
func (m *FdMigrationState) checkpoint() bool {
	if !m.active() {
		return false
	}
	// Once the final close has started the outcome is decided by it.
	if m.finishing {
		return true
	}
	if m.cancelRequested.Load() {
		m.terminate(StateCancelled, nil)
		return false
	}
	if m.backend != nil {
		if err := m.backend.Err(); err != nil {
			m.fail(err)
			return false
		}
	}
	return true
}

func (m *FdMigrationState) armThrottle() {
	if m.throttleStop != nil {
		return
	}
	m.throttleStop = m.loop.AfterFunc(m.throttle.retry, func() {
		m.throttleStop = nil
		m.PutReady()
	})
}

// kick is the backend's readiness callback. It runs on any goroutine.
func (m *FdMigrationState) kick() {
	select {
	case m.writable <- struct{}{}:
	default:
	}
	m.loop.Post(m.onWritable)
}

func (m *FdMigrationState) onWritable() {
	if !m.checkpoint() {
		return
	}
	if m.waitingWritable {
		m.waitingWritable = false
		m.PutReady()
	}
}

// connect runs the dial off the loop and hands the result back to it.
func (m *FdMigrationState) connect(dial dialFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-m.cancelCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	backend, err := dial(ctx)
	m.dialed <- dialResult{backend: backend, err: err}
	if !m.loop.Post(m.onDialed) {
		logger.Warningf("migration %s: event loop stopped while connecting", m.id)
	}
}

func (m *FdMigrationState) onDialed() {
	// After the migration ended, the cleanup owns the dial result.
	if !m.active() || !m.awaitingDial {
		return
	}
	select {
	case r := <-m.dialed:
		m.connectDone(r)
	default:
	}
}

func (m *FdMigrationState) connectDone(r dialResult) {
	m.awaitingDial = false
	defer m.connectOnce.Do(func() { close(m.connectedCh) })

	if r.err != nil {
		m.fail(fmt.Errorf("connect %s: %w", m.target, r.err))
		return
	}
	m.backend = r.backend
	m.connected = true
	r.backend.Notify(m.kick)
	logger.Infof("migration %s: connected to %s", m.id, m.target)

	if !m.checkpoint() {
		return
	}
	if m.producer != nil {
		if err := m.producer.Begin(m.out); err != nil {
			if m.active() {
				m.fail(fmt.Errorf("begin: %w", err))
			}
			return
		}
	}
	m.PutReady()
}

// finalPass pauses the guest and lets the producer send the rest.
func (m *FdMigrationState) finalPass() {
	if m.guest != nil && m.guest.Running() {
		if err := m.guest.Pause(); err != nil {
			m.fail(fmt.Errorf("pause guest: %w", err))
			return
		}
		m.pausedGuest = true
	}
	if err := m.producer.Complete(m.out); err != nil {
		if m.active() {
			m.fail(fmt.Errorf("final pass: %w", err))
		}
		return
	}
	_ = m.Complete()
}

// tryFinish starts the graceful transport close once the output channel
// has drained.
func (m *FdMigrationState) tryFinish() {
	if m.finishing || !m.active() || !m.connected {
		return
	}
	if err := m.out.Flush(); err != nil {
		return
	}

	m.finishing = true
	backend := m.backend
	timeout := m.opts.CloseTimeout
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		err := backend.Close(ctx, true)
		if !m.loop.Post(func() { m.finishDone(err) }) {
			logger.Warningf("migration %s: event loop stopped during final close", m.id)
		}
	}()
}

func (m *FdMigrationState) finishDone(err error) {
	if err != nil {
		m.fail(fmt.Errorf("final close: %w", err))
		return
	}
	m.terminate(StateCompleted, nil)
}

func (m *FdMigrationState) fail(err error) {
	m.terminate(StateError, err)
}

// terminate moves the migration to a terminal state and runs the cleanup.
// Only the first call has any effect.
func (m *FdMigrationState) terminate(st State, err error) {
	if !m.active() {
		return
	}
	m.mu.Lock()
	m.err = err
	m.mu.Unlock()
	m.state.Store(int32(st))

	if err != nil {
		logger.Errorf("migration %s to %s failed: %v", m.id, m.target, err)
	} else {
		logger.Infof("migration %s to %s %s", m.id, m.target, st)
	}

	if m.opts.Done != nil {
		m.opts.Done(st)
	}
	m.connectOnce.Do(func() { close(m.connectedCh) })
	m.cleanup(st, err)
}

func (m *FdMigrationState) cleanup(st State, err error) {
	if m.throttleStop != nil {
		m.throttleStop()
		m.throttleStop = nil
	}
	m.out.release()

	backend := m.backend
	m.backend = nil
	if backend != nil {
		backend.Notify(nil)
	}

	if m.pausedGuest && st != StateCompleted {
		if rerr := m.guest.Resume(); rerr != nil {
			logger.Errorf("migration %s: resume guest: %v", m.id, rerr)
		}
		m.pausedGuest = false
	}

	record := m.tracker.GenerateMetadata(m.opts.Version, m.id, "outgoing", m.target.String(), metadata.TransferParams{
		BandwidthLimit: m.bandwidthLimit,
		MaxDowntime:    m.opts.MaxDowntime.String(),
		Detach:         m.detach,
	}, st.String(), m.SaveStarted(), err)

	awaitingDial := m.awaitingDial
	timeout := m.opts.CloseTimeout
	go func() {
		defer close(m.terminated)

		if awaitingDial {
			if r := <-m.dialed; r.err == nil {
				backend = r.backend
			}
		}

		var closeErr error
		if backend != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			closeErr = backend.Close(ctx, st == StateCompleted)
			cancel()
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		m.record = record
		if errors.Is(closeErr, migerrors.ErrCloseTimeout) {
			logger.Warningf("migration %s: %v", m.id, closeErr)
			m.closeErr = closeErr
		}
	}()
}
