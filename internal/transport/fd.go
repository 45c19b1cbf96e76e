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
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// FD is an outgoing backend writing to a caller-supplied descriptor.
type FD struct {
	*sendQueue
	file *os.File

	closeOnce sync.Once
	closeErr  error
}

// OpenFD takes ownership of fd after checking that it is open for writing,
// and switches it to non-blocking mode so that Close can interrupt a stuck
// write.
func OpenFD(fd int, opts Options) (*FD, error) {
	if err := checkFD(fd, unix.O_WRONLY); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%w: fd:%d: %w", migerrors.ErrInvalidTarget, fd, err)
	}
	return NewFD(os.NewFile(uintptr(fd), fmt.Sprintf("fd:%d", fd)), opts), nil
}

// NewFD wraps an already open file.
func NewFD(f *os.File, opts Options) *FD {
	return &FD{
		sendQueue: newSendQueue(f.Name(), f, opts.queueSize()),
		file:      f,
	}
}

// Close shuts the backend down and closes the descriptor. Every call returns
// the result of the first.
func (b *FD) Close(ctx context.Context, graceful bool) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx, graceful)
	})
	return b.closeErr
}

func (b *FD) close(ctx context.Context, graceful bool) error {
	err := b.shutdown(ctx, graceful)
	if cerr := b.file.Close(); cerr != nil && err == nil && graceful {
		err = fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, b.name, cerr)
	}
	// A timed out shutdown leaves the writer blocked until the close above.
	<-b.done
	return err
}

// checkFD validates that fd is open and usable in the wanted direction.
func checkFD(fd int, want int) error {
	if fd < 0 {
		return fmt.Errorf("%w: fd:%d: negative descriptor", migerrors.ErrInvalidTarget, fd)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			return fmt.Errorf("%w: fd:%d: descriptor is not open", migerrors.ErrInvalidTarget, fd)
		}
		return fmt.Errorf("%w: fd:%d: %w", migerrors.ErrInvalidTarget, fd, err)
	}
	mode := flags & unix.O_ACCMODE
	if mode != unix.O_RDWR && mode != want {
		return fmt.Errorf("%w: fd:%d: wrong access mode", migerrors.ErrInvalidTarget, fd)
	}
	return nil
}
