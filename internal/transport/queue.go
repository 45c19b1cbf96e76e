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

package transport

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/juju/loggo/v2"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

var logger = loggo.GetLogger("sirseer.migrate.transport")

const (
	// DefaultQueueSize is the send queue capacity used when Options leaves it unset.
	DefaultQueueSize = 1 << 20

	// maxChunk bounds a single OS write so that a discarding close only waits
	// for a small in-flight write.
	maxChunk = 64 << 10
)

// Options configures an outgoing backend.
type Options struct {
	// QueueSize is the number of bytes the backend buffers before Write
	// starts reporting ErrWouldBlock.
	QueueSize int
}

func (o Options) queueSize() int {
	if o.QueueSize <= 0 {
		return DefaultQueueSize
	}
	return o.QueueSize
}

// sendQueue is a bounded byte queue drained by one writer goroutine.
type sendQueue struct {
	name  string
	w     io.Writer
	limit int

	mu       sync.Mutex
	cond     *sync.Cond
	buf      []byte
	inflight int
	sent     int64
	err      error
	closing  bool
	blocked  bool
	notify   func()
	progress chan struct{}
	done     chan struct{}
}

func newSendQueue(name string, w io.Writer, limit int) *sendQueue {
	q := &sendQueue{
		name:     name,
		w:        w,
		limit:    limit,
		progress: make(chan struct{}),
		done:     make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Write queues as much of p as fits and never blocks. When only part of p
// fits it returns the queued count and ErrWouldBlock.
func (q *sendQueue) Write(p []byte) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		return 0, q.err
	}
	if q.closing {
		return 0, fmt.Errorf("%w: %s: queue closed", migerrors.ErrTransport, q.name)
	}

	free := q.limit - len(q.buf)
	if free < 0 {
		free = 0
	}
	n := len(p)
	if n > free {
		n = free
	}
	if n > 0 {
		q.buf = append(q.buf, p[:n]...)
		q.cond.Signal()
	}
	if n < len(p) {
		q.blocked = true
		return n, migerrors.ErrWouldBlock
	}
	return n, nil
}

// Err returns the first write failure, if any.
func (q *sendQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Notify registers fn to be called, outside any lock, when a blocked Write
// may succeed again or the transport fails. A nil fn drops the registration.
func (q *sendQueue) Notify(fn func()) {
	q.mu.Lock()
	q.notify = fn
	q.mu.Unlock()
}

// Pending returns the number of queued bytes not yet written to the OS.
func (q *sendQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Sent returns the number of bytes the OS has accepted.
func (q *sendQueue) Sent() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sent
}

// Flush waits until every queued byte has been written or the queue fails.
func (q *sendQueue) Flush(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.err != nil {
			err := q.err
			q.mu.Unlock()
			return err
		}
		if len(q.buf) == 0 {
			q.mu.Unlock()
			return nil
		}
		progress := q.progress
		q.mu.Unlock()

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// shutdown stops accepting writes and waits for the writer goroutine to
// exit. A graceful shutdown writes out everything queued; otherwise only the
// in-flight write is allowed to finish. If ctx ends first the error wraps
// ErrCloseTimeout and the caller must close the descriptor to unblock the
// writer.
func (q *sendQueue) shutdown(ctx context.Context, graceful bool) error {
	q.mu.Lock()
	q.closing = true
	q.notify = nil
	if !graceful {
		if dropped := len(q.buf) - q.inflight; dropped > 0 {
			logger.Debugf("%s: discarding %d queued bytes", q.name, dropped)
		}
		q.buf = q.buf[:q.inflight]
	}
	q.cond.Broadcast()
	q.mu.Unlock()

	select {
	case <-q.done:
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", migerrors.ErrCloseTimeout, q.name, ctx.Err())
	}

	if !graceful {
		return nil
	}
	return q.Err()
}

func (q *sendQueue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.buf) == 0 && !q.closing && q.err == nil {
			q.cond.Wait()
		}
		if q.err != nil || len(q.buf) == 0 {
			q.mu.Unlock()
			return
		}
		n := len(q.buf)
		if n > maxChunk {
			n = maxChunk
		}
		chunk := q.buf[:n]
		q.inflight = n
		q.mu.Unlock()

		written, err := q.w.Write(chunk)
		q.complete(written, err)
	}
}

func (q *sendQueue) complete(written int, err error) {
	q.mu.Lock()
	q.inflight = 0
	q.buf = q.buf[written:]
	if len(q.buf) == 0 {
		q.buf = nil
	}
	q.sent += int64(written)
	if err != nil && q.err == nil {
		q.err = fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, q.name, err)
		logger.Debugf("%s: write failed after %d bytes: %v", q.name, q.sent, err)
	}

	progress := q.progress
	q.progress = make(chan struct{})

	var fn func()
	if err != nil || (q.blocked && len(q.buf) < q.limit) {
		q.blocked = false
		fn = q.notify
	}
	q.mu.Unlock()

	close(progress)
	if fn != nil {
		fn()
	}
}
