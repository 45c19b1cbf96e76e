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
	"fmt"
	"io"
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

func TestIsWouldBlock(t *testing.T) {
	inspector := NewInspector()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "sentinel",
			err:  migerrors.ErrWouldBlock,
			want: true,
		},
		{
			name: "EAGAIN in syscall error",
			err:  os.NewSyscallError("write", unix.EAGAIN),
			want: true,
		},
		{
			name: "wrapped sentinel",
			err:  fmt.Errorf("put buffer: %w", migerrors.ErrWouldBlock),
			want: true,
		},
		{
			name: "broken pipe",
			err:  unix.EPIPE,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inspector.IsWouldBlock(tt.err); got != tt.want {
				t.Errorf("IsWouldBlock() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsPeerGone(t *testing.T) {
	inspector := NewInspector()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "EPIPE",
			err:  &os.PathError{Op: "write", Path: "|1", Err: unix.EPIPE},
			want: true,
		},
		{
			name: "connection reset",
			err:  &net.OpError{Op: "write", Net: "tcp", Err: os.NewSyscallError("write", unix.ECONNRESET)},
			want: true,
		},
		{
			name: "unexpected EOF",
			err:  fmt.Errorf("read record: %w", io.ErrUnexpectedEOF),
			want: true,
		},
		{
			name: "closed file",
			err:  os.ErrClosed,
			want: true,
		},
		{
			name: "message only",
			err:  errors.New("write |1: broken pipe"),
			want: true,
		},
		{
			name: "refused is not gone",
			err:  unix.ECONNREFUSED,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inspector.IsPeerGone(tt.err); got != tt.want {
				t.Errorf("IsPeerGone() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRefused(t *testing.T) {
	inspector := NewInspector()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "ECONNREFUSED",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", unix.ECONNREFUSED)},
			want: true,
		},
		{
			name: "dns failure",
			err:  &net.DNSError{Err: "no such host", Name: "nowhere.invalid"},
			want: true,
		},
		{
			name: "unreachable message",
			err:  errors.New("dial tcp 10.0.0.1:4444: connect: network is unreachable"),
			want: true,
		},
		{
			name: "reset is not refused",
			err:  unix.ECONNRESET,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inspector.IsRefused(tt.err); got != tt.want {
				t.Errorf("IsRefused() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTimeout(t *testing.T) {
	inspector := NewInspector()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "close timeout sentinel",
			err:  fmt.Errorf("close exec:cat: %w", migerrors.ErrCloseTimeout),
			want: true,
		},
		{
			name: "deadline exceeded",
			err:  os.ErrDeadlineExceeded,
			want: true,
		},
		{
			name: "i/o timeout message",
			err:  errors.New("dial tcp 10.0.0.1:4444: i/o timeout"),
			want: true,
		},
		{
			name: "not a timeout",
			err:  unix.EPIPE,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inspector.IsTimeout(tt.err); got != tt.want {
				t.Errorf("IsTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRecoverable(t *testing.T) {
	inspector := NewInspector()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "refused connection",
			err:  fmt.Errorf("connect tcp:localhost:1: %w", unix.ECONNREFUSED),
			want: true,
		},
		{
			name: "connect timeout",
			err:  fmt.Errorf("connect: %w", os.ErrDeadlineExceeded),
			want: true,
		},
		{
			name: "helper exit",
			err:  fmt.Errorf("%w: exit status 1", migerrors.ErrHelperExit),
			want: false,
		},
		{
			name: "peer gone mid stream",
			err:  unix.EPIPE,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(inspector, tt.err); got != tt.want {
				t.Errorf("IsRecoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}
