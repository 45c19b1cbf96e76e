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

package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/loggo/v2"
	"github.com/juju/retry"

	"github.com/sirseerhq/sirseer-migrate/internal/config"
	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/migration"
	"github.com/sirseerhq/sirseer-migrate/internal/output"
	"github.com/sirseerhq/sirseer-migrate/internal/transporterror"
)

var logger = loggo.GetLogger("sirseer.migrate.control")

// Defaults for a new Controller.
const (
	DefaultBandwidth     = 32 << 20
	DefaultMaxDowntime   = 30 * time.Millisecond
	DefaultRetryDelay    = time.Second
	DefaultMaxRetryDelay = 30 * time.Second
)

// Config configures a Controller.
type Config struct {
	// Options is the template for every migration. Options.Loop is
	// required; BandwidthLimit, MaxDowntime, Producer, Guest, Detach and
	// Done are set by the controller.
	Options migration.Options

	// NewProducer builds the producer for each migration. Producers that
	// implement io.Closer are closed when their migration ends.
	NewProducer func() (migration.Producer, error)

	// Guest is paused for each migration's final pass.
	Guest migration.Guest

	// Events receives started, retry and finished events.
	Events output.EventWriter

	// Retries is the number of extra attempts MigrateWithRetry makes.
	Retries int

	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Inspector classifies failures for retry decisions.
	Inspector transporterror.Inspector
}

// Info is a snapshot of the current migration.
type Info struct {
	ID               string
	Target           string
	State            migration.State
	SaveStarted      bool
	BandwidthLimit   int64
	BytesTransferred int64
	Pending          int
	Writes           int
	Backpressure     int
	Throttled        int
	Attempts         int
	Err              error
}

// Controller manages one migration at a time.
type Controller struct {
	cfg   Config
	clock clock.Clock

	mu          sync.Mutex
	speed       int64
	downtime    time.Duration
	current     *migration.FdMigrationState
	reported    chan struct{}
	released    bool
	lastState   migration.State
	lastErr     error
	starting    bool
	cancelStart context.CancelFunc
	attempts    int
}

// New returns a controller with the default speed and downtime.
func New(cfg Config) (*Controller, error) {
	if cfg.Options.Loop == nil {
		return nil, errors.New("control: no event loop")
	}
	clk := cfg.Options.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Events == nil {
		cfg.Events = output.Discard
	}
	if cfg.Inspector == nil {
		cfg.Inspector = transporterror.NewInspector()
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}
	return &Controller{
		cfg:      cfg,
		clock:    clk,
		speed:    DefaultBandwidth,
		downtime: DefaultMaxDowntime,
	}, nil
}

// Migrate starts a migration to uri. It fails with ErrInProgress while
// another migration is active. A previous migration that ended but was not
// released is released first.
func (c *Controller) Migrate(ctx context.Context, uri string, detach bool) (*migration.FdMigrationState, error) {
	c.mu.Lock()
	if c.starting || (c.current != nil && c.current.Status() == migration.StateActive) {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot start migration to %s", migerrors.ErrInProgress, uri)
	}
	prev := c.current
	if c.released {
		prev = nil
	}
	c.released = true
	opts := c.cfg.Options
	opts.BandwidthLimit = c.speed
	opts.MaxDowntime = c.downtime
	opts.Detach = detach
	opts.Guest = c.cfg.Guest
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.starting = true
	c.cancelStart = cancel
	c.mu.Unlock()

	if prev != nil {
		st, err := prev.Release(ctx)
		if err != nil {
			logger.Warningf("releasing previous migration %s (%s): %v", prev.ID(), st, err)
		}
		c.mu.Lock()
		c.lastState, c.lastErr = st, err
		c.mu.Unlock()
	}

	reported := make(chan struct{})
	m, err := c.start(ctx, uri, opts, reported)

	c.mu.Lock()
	c.starting = false
	c.cancelStart = nil
	if m != nil {
		c.current = m
		c.reported = reported
		c.released = false
	}
	c.mu.Unlock()
	return m, err
}

// start runs one migration. reported is closed once its producer is closed
// and the finished event is written.
func (c *Controller) start(ctx context.Context, uri string, opts migration.Options, reported chan struct{}) (*migration.FdMigrationState, error) {
	var producer migration.Producer
	if c.cfg.NewProducer != nil {
		p, err := c.cfg.NewProducer()
		if err != nil {
			return nil, fmt.Errorf("preparing migration to %s: %w", uri, err)
		}
		producer = p
	}
	opts.Producer = producer

	var m *migration.FdMigrationState
	ready := make(chan struct{})
	// Done runs on the loop, possibly before StartOutgoing has returned.
	opts.Done = func(st migration.State) {
		go func() {
			defer close(reported)
			<-ready
			<-m.Done()
			closeProducer(producer)
			c.emitFinished(m, st)
		}()
	}

	m, err := migration.StartOutgoing(ctx, uri, opts)
	if m == nil {
		closeProducer(producer)
		return nil, err
	}

	logger.Infof("migration %s to %s started (limit %s/s, downtime %v)", m.ID(), uri, formatRate(opts.BandwidthLimit), opts.MaxDowntime)
	c.emit(output.Event{Type: output.EventStarted, MigrationID: m.ID(), Target: uri})
	close(ready)
	return m, err
}

// MigrateWithRetry starts a migration and waits for it to connect. Attempts
// that end in ERROR before any byte was sent, for a reason the inspector
// deems recoverable, are released and retried with a doubling delay.
func (c *Controller) MigrateWithRetry(ctx context.Context, uri string) (*migration.FdMigrationState, error) {
	var m *migration.FdMigrationState
	attempts := 0

	err := retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			var err error
			m, err = c.Migrate(ctx, uri, false)
			if err != nil {
				return err
			}
			if m.Status() != migration.StateError || m.SaveStarted() {
				return nil
			}
			_, err = c.Release(ctx)
			return err
		},
		IsFatalError: func(err error) bool {
			return !transporterror.IsRecoverable(c.cfg.Inspector, err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Warningf("migration to %s: attempt %d failed: %v", uri, attempt, err)
			c.emit(output.Event{Type: output.EventRetry, Target: uri, Attempt: attempt, Error: err.Error()})
		},
		Attempts:    c.cfg.Retries + 1,
		Delay:       c.cfg.RetryDelay,
		MaxDelay:    c.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       c.clock,
		Stop:        ctx.Done(),
	})

	c.mu.Lock()
	c.attempts = attempts
	c.mu.Unlock()

	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return m, err
}

// Cancel cancels the current migration, including one still connecting.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelStart != nil {
		c.cancelStart()
	}
	if c.current != nil {
		c.current.Cancel()
	}
}

// Release releases the current migration and reports how it ended. Later
// calls return the same result without waiting.
func (c *Controller) Release(ctx context.Context) (migration.State, error) {
	c.mu.Lock()
	m, reported := c.current, c.reported
	if m == nil {
		c.mu.Unlock()
		return migration.StateError, errors.New("no migration to release")
	}
	if c.released {
		st, err := c.lastState, c.lastErr
		c.mu.Unlock()
		return st, err
	}
	c.mu.Unlock()

	st, err := m.Release(ctx)
	if errors.Is(err, migerrors.ErrReleaseTimeout) {
		return st, err
	}
	select {
	case <-reported:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == m && !c.released {
		c.released = true
		c.lastState, c.lastErr = st, err
	}
	return st, err
}

// Current returns the most recent migration, or nil.
func (c *Controller) Current() *migration.FdMigrationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Attempts returns the number of attempts the last MigrateWithRetry made.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// SetSpeed sets the bandwidth limit for future migrations. It accepts byte
// counts and human sizes ("32MiB", "1g"); "0" means unlimited.
func (c *Controller) SetSpeed(value string) error {
	speed, err := config.ParseBandwidth(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	logger.Infof("migration speed set to %s/s", formatRate(speed))
	return nil
}

// Speed returns the bandwidth limit for future migrations.
func (c *Controller) Speed() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetDowntime sets the maximum downtime for future migrations, as a Go
// duration or a number of seconds.
func (c *Controller) SetDowntime(value string) error {
	d, err := config.ParseDuration(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.downtime = d
	c.mu.Unlock()
	return nil
}

// MaxDowntime returns the maximum downtime for future migrations.
func (c *Controller) MaxDowntime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.downtime
}

// Info returns a snapshot of the current migration. It reports false when
// no migration was started yet.
func (c *Controller) Info() (Info, bool) {
	c.mu.Lock()
	m, attempts := c.current, c.attempts
	c.mu.Unlock()
	if m == nil {
		return Info{}, false
	}

	mi := m.Info()
	return Info{
		ID:               mi.ID,
		Target:           mi.Target.String(),
		State:            mi.State,
		SaveStarted:      mi.SaveStarted,
		BandwidthLimit:   mi.BandwidthLimit,
		BytesTransferred: mi.Stats.BytesTransferred,
		Pending:          mi.Pending,
		Writes:           mi.Stats.Writes,
		Backpressure:     mi.Stats.Backpressure,
		Throttled:        mi.Stats.Throttled,
		Attempts:         attempts,
		Err:              m.Err(),
	}, true
}

func (c *Controller) emitFinished(m *migration.FdMigrationState, st migration.State) {
	info := m.Info()
	ev := output.Event{
		Type:        output.EventFinished,
		MigrationID: m.ID(),
		Target:      m.Target().String(),
		State:       st.String(),
		Bytes:       info.Stats.BytesTransferred,
		Throttled:   info.Stats.Throttled,
	}
	if err := m.Err(); err != nil {
		ev.Error = err.Error()
	}
	c.emit(ev)
}

func (c *Controller) emit(ev output.Event) {
	if err := c.cfg.Events.Emit(ev); err != nil {
		logger.Warningf("writing %s event: %v", ev.Type, err)
	}
}

func closeProducer(p migration.Producer) {
	if closer, ok := p.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warningf("closing producer: %v", err)
		}
	}
}

func formatRate(bps int64) string {
	if bps <= 0 {
		return "unlimited"
	}
	return humanize.IBytes(uint64(bps))
}
