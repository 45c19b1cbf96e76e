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
	"io"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/worker/v4"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/eventloop"
	"github.com/sirseerhq/sirseer-migrate/internal/image"
	"github.com/sirseerhq/sirseer-migrate/internal/migration"
	"github.com/sirseerhq/sirseer-migrate/internal/output"
	"github.com/sirseerhq/sirseer-migrate/internal/testutil"
)

const waitTimeout = 5 * time.Second

// recorder collects events. onRetry, if set, runs for every retry event.
type recorder struct {
	mu      sync.Mutex
	events  []output.Event
	onRetry func()
}

func (r *recorder) Emit(ev output.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	onRetry := r.onRetry
	r.mu.Unlock()
	if ev.Type == output.EventRetry && onRetry != nil {
		onRetry()
	}
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(typ string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *recorder) last(typ string) output.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i]
		}
	}
	return output.Event{}
}

func newController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	loop := eventloop.New(nil)
	t.Cleanup(func() {
		if err := worker.Stop(loop); err != nil {
			t.Errorf("stop loop: %v", err)
		}
	})
	cfg.Options.Loop = loop
	c, err := New(cfg)
	testutil.AssertNoError(t, err)
	return c
}

func imageProducer(t *testing.T, data []byte) func() (migration.Producer, error) {
	path := testutil.WriteFile(t, t.TempDir(), "guest.img", data)
	return func() (migration.Producer, error) {
		return image.OpenProducer(path)
	}
}

func release(t *testing.T, c *Controller) (migration.State, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	return c.Release(ctx)
}

func waitIncoming(t *testing.T, in *migration.Incoming) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- in.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(waitTimeout):
		in.Kill()
		t.Fatal("incoming migration did not finish")
		return nil
	}
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.AssertNoError(t, err)
	addr := ln.Addr().String()
	testutil.AssertNoError(t, ln.Close())
	return addr
}

// sink accepts connections and discards what they send.
func sink(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.AssertNoError(t, err)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = io.Copy(io.Discard, conn)
				conn.Close()
			}()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		wg.Wait()
	})
	return ln.Addr().String()
}

func TestNewRequiresLoop(t *testing.T) {
	_, err := New(Config{})
	testutil.AssertErrorContains(t, err, "no event loop")
}

func TestDefaults(t *testing.T) {
	c := newController(t, Config{})
	testutil.AssertEqual(t, c.Speed(), int64(DefaultBandwidth))
	testutil.AssertEqual(t, c.MaxDowntime(), DefaultMaxDowntime)
	if _, ok := c.Info(); ok {
		t.Error("Info() reported a migration before any was started")
	}
	_, err := c.Release(context.Background())
	testutil.AssertErrorContains(t, err, "no migration")
}

func TestSetSpeed(t *testing.T) {
	tests := []struct {
		value   string
		want    int64
		wantErr bool
	}{
		{value: "1g", want: 1000000000},
		{value: "32MiB", want: 32 << 20},
		{value: "4096", want: 4096},
		{value: "0", want: 0},
		{value: "unlimited", want: 0},
		{value: "fast", wantErr: true},
		{value: "-5", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			c := newController(t, Config{})
			err := c.SetSpeed(tt.value)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("SetSpeed(%q) succeeded", tt.value)
				}
				testutil.AssertEqual(t, c.Speed(), int64(DefaultBandwidth))
				return
			}
			testutil.AssertNoError(t, err)
			testutil.AssertEqual(t, c.Speed(), tt.want)
		})
	}
}

func TestSetDowntime(t *testing.T) {
	c := newController(t, Config{})
	testutil.AssertNoError(t, c.SetDowntime("0.5"))
	testutil.AssertEqual(t, c.MaxDowntime(), 500*time.Millisecond)
	testutil.AssertNoError(t, c.SetDowntime("100ms"))
	testutil.AssertEqual(t, c.MaxDowntime(), 100*time.Millisecond)
	if err := c.SetDowntime("soon"); err == nil {
		t.Fatal("SetDowntime(\"soon\") succeeded")
	}
	testutil.AssertEqual(t, c.MaxDowntime(), 100*time.Millisecond)
}

func TestMigrateCompletes(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	data := testutil.Pattern(300<<10, 7)
	dest := filepath.Join(t.TempDir(), "restored.img")
	restorer := image.NewRestorer(dest)
	in, err := migration.TCPStartIncoming(context.Background(), "127.0.0.1:0", restorer, migration.IncomingOptions{})
	testutil.AssertNoError(t, err)

	events := &recorder{}
	c := newController(t, Config{
		NewProducer: imageProducer(t, data),
		Events:      events,
	})
	testutil.AssertNoError(t, c.SetSpeed("0"))

	m, err := c.Migrate(context.Background(), "tcp:"+in.Addr().String(), false)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, m.BandwidthLimit(), int64(0))

	st, err := release(t, c)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, st, migration.StateCompleted)
	testutil.AssertNoError(t, waitIncoming(t, in))
	testutil.AssertFileBytes(t, dest, data)

	testutil.Eventually(t, waitTimeout, func() bool {
		return events.count(output.EventFinished) == 1
	}, "finished event")
	testutil.AssertEqual(t, events.count(output.EventStarted), 1)
	finished := events.last(output.EventFinished)
	testutil.AssertEqual(t, finished.MigrationID, m.ID())
	testutil.AssertEqual(t, finished.State, "completed")
	if finished.Bytes <= int64(len(data)) {
		t.Errorf("finished event reports %d bytes, want more than the %d byte image", finished.Bytes, len(data))
	}

	info, ok := c.Info()
	if !ok {
		t.Fatal("Info() reported no migration")
	}
	testutil.AssertEqual(t, info.ID, m.ID())
	testutil.AssertEqual(t, info.State, migration.StateCompleted)
	testutil.AssertEqual(t, info.SaveStarted, true)

	// Released results are remembered.
	st, err = release(t, c)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, st, migration.StateCompleted)
}

func TestMigrateRefusedWhileActive(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	addr := sink(t)
	c := newController(t, Config{})
	testutil.AssertNoError(t, c.SetSpeed("1MiB"))

	m, err := c.Migrate(context.Background(), "tcp:"+addr, false)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, m.Status(), migration.StateActive)
	testutil.AssertEqual(t, m.BandwidthLimit(), int64(1<<20))

	// Settings changes leave the running migration alone.
	testutil.AssertNoError(t, c.SetSpeed("0"))
	testutil.AssertEqual(t, m.BandwidthLimit(), int64(1<<20))

	_, err = c.Migrate(context.Background(), "tcp:"+addr, false)
	testutil.AssertErrorIs(t, err, migerrors.ErrInProgress)
	if c.Current() != m {
		t.Error("refused migration replaced the current one")
	}

	c.Cancel()
	st, err := release(t, c)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, st, migration.StateCancelled)
}

func TestMigrateReleasesPrevious(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	addr := sink(t)
	c := newController(t, Config{})

	first, err := c.Migrate(context.Background(), "tcp:"+addr, false)
	testutil.AssertNoError(t, err)
	first.Cancel()

	select {
	case <-first.Done():
	case <-time.After(waitTimeout):
		t.Fatal("first migration did not end")
	}

	second, err := c.Migrate(context.Background(), "tcp:"+addr, true)
	testutil.AssertNoError(t, err)
	if second == first {
		t.Fatal("Migrate() returned the previous migration")
	}
	if c.Current() != second {
		t.Error("Current() is not the new migration")
	}

	c.Cancel()
	st, err := release(t, c)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, st, migration.StateCancelled)
}

func TestMigrateInvalidTarget(t *testing.T) {
	c := newController(t, Config{})
	m, err := c.Migrate(context.Background(), "carrier-pigeon:coop", false)
	testutil.AssertErrorIs(t, err, migerrors.ErrInvalidTarget)
	if m != nil {
		t.Error("Migrate() returned a migration for an invalid target")
	}
	if c.Current() != nil {
		t.Error("invalid target left a current migration")
	}
}

func TestMigrateProducerError(t *testing.T) {
	boom := errors.New("no image")
	c := newController(t, Config{
		NewProducer: func() (migration.Producer, error) { return nil, boom },
	})
	_, err := c.Migrate(context.Background(), "tcp:127.0.0.1:1", false)
	testutil.AssertErrorIs(t, err, boom)
}

func TestMigrateWithRetryGivesUp(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	events := &recorder{}
	c := newController(t, Config{
		Events:     events,
		Retries:    2,
		RetryDelay: time.Millisecond,
	})

	m, err := c.MigrateWithRetry(context.Background(), "tcp:"+freeAddr(t))
	testutil.AssertErrorIs(t, err, migerrors.ErrTransport)
	testutil.AssertErrorContains(t, err, "refused")
	testutil.AssertEqual(t, c.Attempts(), 3)
	testutil.AssertEqual(t, m.Status(), migration.StateError)
	if n := events.count(output.EventRetry); n < 2 {
		t.Errorf("got %d retry events, want at least 2", n)
	}
}

func TestMigrateWithRetryRecovers(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	data := testutil.Pattern(64<<10, 3)
	dest := filepath.Join(t.TempDir(), "restored.img")
	addr := freeAddr(t)

	var (
		once sync.Once
		in   *migration.Incoming
		lerr error
	)
	events := &recorder{}
	events.onRetry = func() {
		once.Do(func() {
			in, lerr = migration.TCPStartIncoming(context.Background(), addr, image.NewRestorer(dest), migration.IncomingOptions{})
		})
	}

	c := newController(t, Config{
		NewProducer: imageProducer(t, data),
		Events:      events,
		Retries:     3,
		RetryDelay:  time.Millisecond,
	})

	m, err := c.MigrateWithRetry(context.Background(), "tcp:"+addr)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, lerr)
	testutil.AssertEqual(t, c.Attempts(), 2)

	st, err := release(t, c)
	testutil.AssertNoError(t, err)
	testutil.AssertEqual(t, st, migration.StateCompleted)
	testutil.AssertEqual(t, m.SaveStarted(), true)
	testutil.AssertNoError(t, waitIncoming(t, in))
	testutil.AssertFileBytes(t, dest, data)
}

func TestMigrateWithRetryFatal(t *testing.T) {
	c := newController(t, Config{Retries: 5, RetryDelay: time.Millisecond})
	_, err := c.MigrateWithRetry(context.Background(), "carrier-pigeon:coop")
	testutil.AssertErrorIs(t, err, migerrors.ErrUnknownScheme)
	testutil.AssertEqual(t, c.Attempts(), 1)
}
