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

// Package guest provides migration.Guest implementations.
package guest

import (
	"fmt"
	"sync"

	"github.com/juju/loggo/v2"
	"golang.org/x/sys/unix"

	"github.com/sirseerhq/sirseer-migrate/internal/migration"
)

var logger = loggo.GetLogger("sirseer.migrate.guest")

// Process is a guest backed by an operating system process. Pausing sends
// SIGSTOP to its process group and resuming sends SIGCONT.
type Process struct {
	pid int

	mu     sync.Mutex
	paused bool
}

var _ migration.Guest = (*Process)(nil)

// NewProcess returns a guest for the process group led by pid.
func NewProcess(pid int) (*Process, error) {
	if pid <= 1 {
		return nil, fmt.Errorf("invalid guest pid %d", pid)
	}
	if err := unix.Kill(pid, 0); err != nil {
		return nil, fmt.Errorf("guest pid %d: %w", pid, err)
	}
	return &Process{pid: pid}, nil
}

// Running reports whether the guest has not been paused.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.paused
}

// Pause stops the guest.
func (p *Process) Pause() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.signal(unix.SIGSTOP); err != nil {
		return fmt.Errorf("pause guest %d: %w", p.pid, err)
	}
	p.paused = true
	logger.Infof("guest %d paused", p.pid)
	return nil
}

// Resume continues a paused guest.
func (p *Process) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.signal(unix.SIGCONT); err != nil {
		return fmt.Errorf("resume guest %d: %w", p.pid, err)
	}
	p.paused = false
	logger.Infof("guest %d resumed", p.pid)
	return nil
}

// signal prefers the process group and falls back to the process alone when
// pid does not lead one.
func (p *Process) signal(sig unix.Signal) error {
	if err := unix.Kill(-p.pid, sig); err == nil {
		return nil
	}
	return unix.Kill(p.pid, sig)
}
