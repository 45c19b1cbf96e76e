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
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// Exec is an outgoing backend that pipes the stream into a helper process
// started with "sh -c".
type Exec struct {
	*sendQueue
	cmd   *exec.Cmd
	stdin *os.File

	mu       sync.Mutex
	exitErr  error
	stopping bool
	exited   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartExec spawns command with its stdin connected to the backend. The
// helper's stdout is discarded and its stderr is inherited.
func StartExec(command string, opts Options) (*Exec, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: exec: empty command", migerrors.ErrInvalidTarget)
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exec:%s: create pipe: %w", command, err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdin = r
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("%w: exec:%s: %w", migerrors.ErrInvalidTarget, command, err)
	}
	_ = r.Close()
	logger.Debugf("exec:%s: started helper pid %d", command, cmd.Process.Pid)

	b := &Exec{
		sendQueue: newSendQueue("exec:"+command, w, opts.queueSize()),
		cmd:       cmd,
		stdin:     w,
		exited:    make(chan struct{}),
	}
	go b.wait()
	return b, nil
}

func (b *Exec) wait() {
	err := b.cmd.Wait()

	b.mu.Lock()
	b.exitErr = err
	early := !b.stopping
	b.mu.Unlock()
	close(b.exited)

	if early {
		logger.Debugf("%s: helper exited before close: %v", b.name, err)
		b.sendQueue.mu.Lock()
		fn := b.sendQueue.notify
		b.sendQueue.mu.Unlock()
		if fn != nil {
			fn()
		}
	}
}

// Err reports a write failure, or a helper that exited before the backend
// was closed.
func (b *Exec) Err() error {
	if err := b.sendQueue.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.exited:
	default:
		return nil
	}
	if b.stopping {
		return nil
	}
	if b.exitErr != nil {
		return fmt.Errorf("%w: %s: %w", migerrors.ErrHelperExit, b.name, b.exitErr)
	}
	return fmt.Errorf("%w: %s: helper exited before end of stream", migerrors.ErrHelperExit, b.name)
}

// Pid returns the helper's process id.
func (b *Exec) Pid() int {
	return b.cmd.Process.Pid
}

// Close shuts the backend down and reaps the helper. A graceful close sends
// end of stream and waits for the helper to exit, mapping a failure status to
// ErrHelperExit. Otherwise the helper is killed.
func (b *Exec) Close(ctx context.Context, graceful bool) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx, graceful)
	})
	return b.closeErr
}

func (b *Exec) close(ctx context.Context, graceful bool) error {
	b.mu.Lock()
	b.stopping = true
	b.mu.Unlock()

	err := b.shutdown(ctx, graceful)
	_ = b.stdin.Close()
	<-b.done

	if !graceful || err != nil {
		b.kill()
		return err
	}

	select {
	case <-b.exited:
	case <-ctx.Done():
		b.kill()
		return fmt.Errorf("%w: %s: helper did not exit: %w", migerrors.ErrCloseTimeout, b.name, ctx.Err())
	}

	b.mu.Lock()
	exitErr := b.exitErr
	b.mu.Unlock()
	if exitErr != nil {
		return fmt.Errorf("%w: %s: %w", migerrors.ErrHelperExit, b.name, exitErr)
	}
	return nil
}

func (b *Exec) kill() {
	select {
	case <-b.exited:
		return
	default:
	}
	// The helper runs in its own process group so that children of the
	// shell go too.
	if err := unix.Kill(-b.cmd.Process.Pid, unix.SIGKILL); err != nil {
		logger.Debugf("%s: kill helper group: %v", b.name, err)
		_ = b.cmd.Process.Kill()
	}
	<-b.exited
}
