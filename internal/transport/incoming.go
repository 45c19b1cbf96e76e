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
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"
	"golang.org/x/sys/unix"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// TCPListener accepts incoming migration connections over TCP.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds addr.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: tcp:%s: %w", migerrors.ErrInvalidTarget, addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Accept waits for one peer. Ending ctx aborts the wait.
func (l *TCPListener) Accept(ctx context.Context) (io.ReadCloser, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = l.ln.SetDeadline(time.Now())
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: accept tcp:%s: %w", migerrors.ErrTransport, l.ln.Addr(), err)
	}
	logger.Debugf("tcp:%s: accepted %s", l.ln.Addr(), conn.RemoteAddr())
	return conn, nil
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// QUICListener accepts incoming migration streams over QUIC.
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC binds addr. A nil tlsConf generates a self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	if tlsConf == nil {
		var err error
		if tlsConf, err = ServerTLSConfig(); err != nil {
			return nil, fmt.Errorf("quic:%s: %w", addr, err)
		}
	}
	ln, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: quic:%s: %w", migerrors.ErrInvalidTarget, addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for one peer and its migration stream.
func (l *QUICListener) Accept(ctx context.Context) (io.ReadCloser, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: accept quic:%s: %w", migerrors.ErrTransport, l.ln.Addr(), err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicAbortCode, "no stream")
		return nil, fmt.Errorf("%w: accept quic stream from %s: %w", migerrors.ErrTransport, conn.RemoteAddr(), err)
	}
	logger.Debugf("quic:%s: accepted %s", l.ln.Addr(), conn.RemoteAddr())
	return &quicReader{conn: conn, stream: stream}, nil
}

// Addr returns the bound address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops listening.
func (l *QUICListener) Close() error {
	return l.ln.Close()
}

type quicReader struct {
	conn   quic.Connection
	stream quic.Stream
	once   sync.Once
}

func (r *quicReader) Read(p []byte) (int, error) {
	return r.stream.Read(p)
}

// Close finishes our side of the stream, which tells the sender everything
// arrived, then hangs up.
func (r *quicReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.stream.Close()
		if cerr := r.conn.CloseWithError(0, ""); err == nil {
			err = cerr
		}
	})
	return err
}

// execReaderGrace bounds how long Close waits for the helper to exit.
var execReaderGrace = 5 * time.Second

// ExecReader reads an incoming migration stream from a helper's stdout.
type ExecReader struct {
	name   string
	cmd    *exec.Cmd
	stdout *os.File

	once     sync.Once
	accepted bool
	closeErr error
}

// StartExecReader spawns command with "sh -c".
func StartExecReader(command string) (*ExecReader, error) {
	if command == "" {
		return nil, fmt.Errorf("%w: exec: empty command", migerrors.ErrInvalidTarget)
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("exec:%s: create pipe: %w", command, err)
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = w
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("%w: exec:%s: %w", migerrors.ErrInvalidTarget, command, err)
	}
	_ = w.Close()
	logger.Debugf("exec:%s: started helper pid %d", command, cmd.Process.Pid)

	return &ExecReader{name: "exec:" + command, cmd: cmd, stdout: r}, nil
}

// Accept returns the helper's stdout. It succeeds once.
func (e *ExecReader) Accept(ctx context.Context) (io.ReadCloser, error) {
	if e.accepted {
		return nil, fmt.Errorf("%w: %s: already accepted", migerrors.ErrTransport, e.name)
	}
	e.accepted = true
	return e, nil
}

func (e *ExecReader) Read(p []byte) (int, error) {
	return e.stdout.Read(p)
}

// Close closes the pipe and reaps the helper. A helper that exits with a
// failure status yields ErrHelperExit. One still running after
// execReaderGrace is killed.
func (e *ExecReader) Close() error {
	e.once.Do(func() {
		_ = e.stdout.Close()

		exited := make(chan error, 1)
		go func() { exited <- e.cmd.Wait() }()

		grace := time.NewTimer(execReaderGrace)
		defer grace.Stop()

		var err error
		select {
		case err = <-exited:
		case <-grace.C:
			logger.Warningf("%s: helper still running %v after end of stream, killing it", e.name, execReaderGrace)
			e.Kill()
			err = fmt.Errorf("did not exit after end of stream: %w", <-exited)
		}
		if err != nil {
			e.closeErr = fmt.Errorf("%w: %s: %w", migerrors.ErrHelperExit, e.name, err)
		}
	})
	return e.closeErr
}

// Kill stops the helper without waiting for it to finish.
func (e *ExecReader) Kill() {
	if err := unix.Kill(-e.cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = e.cmd.Process.Kill()
	}
}

// FDReader reads an incoming migration stream from a descriptor.
type FDReader struct {
	*os.File
	accepted bool
}

// OpenFDReader takes ownership of fd after checking that it is open for
// reading.
func OpenFDReader(fd int) (*FDReader, error) {
	if err := checkFD(fd, unix.O_RDONLY); err != nil {
		return nil, err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("%w: fd:%d: %w", migerrors.ErrInvalidTarget, fd, err)
	}
	return &FDReader{File: os.NewFile(uintptr(fd), fmt.Sprintf("fd:%d", fd))}, nil
}

// Accept returns the descriptor. It succeeds once.
func (f *FDReader) Accept(ctx context.Context) (io.ReadCloser, error) {
	if f.accepted {
		return nil, fmt.Errorf("%w: %s: already accepted", migerrors.ErrTransport, f.Name())
	}
	f.accepted = true
	return f.File, nil
}
