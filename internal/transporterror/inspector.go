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

package transporterror

import (
	"errors"
	"io"
	"net"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// Inspector defines the interface for inspecting transport errors.
type Inspector interface {
	// IsWouldBlock returns true if the error is backpressure rather than a failure.
	IsWouldBlock(err error) bool

	// IsPeerGone returns true if the remote end went away (broken pipe, reset, EOF).
	IsPeerGone(err error) bool

	// IsRefused returns true if the peer could not be reached at all.
	IsRefused(err error) bool

	// IsTimeout returns true if the error is a deadline or timeout.
	IsTimeout(err error) bool

	// IsHelperExit returns true if an exec helper exited with a failure status.
	IsHelperExit(err error) bool
}

// ErrnoInspector checks the error chain for errnos and sentinels, then falls
// back to message inspection for errors that lost their type on the way
// (helper stderr, wrapped strings).
type ErrnoInspector struct{}

// NewInspector creates a new ErrnoInspector.
func NewInspector() Inspector {
	return &ErrnoInspector{}
}

// IsWouldBlock checks for EAGAIN and the would-block sentinel.
func (i *ErrnoInspector) IsWouldBlock(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, migerrors.ErrWouldBlock) ||
		errors.Is(err, unix.EAGAIN) ||
		errors.Is(err, unix.EWOULDBLOCK)
}

// IsPeerGone checks for broken pipes, resets and closed streams.
func (i *ErrnoInspector) IsPeerGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.EPIPE) ||
		errors.Is(err, unix.ECONNRESET) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "use of closed")
}

// IsRefused checks for connection attempts that never reached a peer.
func (i *ErrnoInspector) IsRefused(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, unix.ECONNREFUSED) ||
		errors.Is(err, unix.EHOSTUNREACH) ||
		errors.Is(err, unix.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable")
}

// IsTimeout checks for deadlines, both net.Error timeouts and close timeouts.
func (i *ErrnoInspector) IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, migerrors.ErrCloseTimeout) ||
		errors.Is(err, migerrors.ErrReleaseTimeout) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, unix.ETIMEDOUT) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// IsHelperExit checks for a failed helper process.
func (i *ErrnoInspector) IsHelperExit(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, migerrors.ErrHelperExit) {
		return true
	}
	var exitErr *exec.ExitError
	return errors.As(err, &exitErr)
}

// IsRecoverable reports whether a failed migration attempt may be retried
// by the control plane: the peer was unreachable or timed out, as opposed to
// a helper or protocol failure.
func IsRecoverable(inspector Inspector, err error) bool {
	if err == nil {
		return false
	}
	if inspector.IsHelperExit(err) {
		return false
	}
	return inspector.IsRefused(err) || inspector.IsTimeout(err)
}
