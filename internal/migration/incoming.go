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
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"

	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/transport"
)

// source produces the incoming stream.
type source interface {
	Accept(ctx context.Context) (io.ReadCloser, error)
	Close() error
}

// IncomingOptions configures the receiving side.
type IncomingOptions struct {
	// TLSConfig is the quic listener's configuration. A self-signed
	// certificate is generated when nil.
	TLSConfig *tls.Config
}

// Incoming receives one migration and restores it. It is a worker: Kill
// aborts the transfer and Wait returns the restore result.
type Incoming struct {
	tomb     tomb.Tomb
	target   Target
	src      source
	addr     net.Addr
	restorer Restorer
	bytes    atomic.Int64
}

var _ worker.Worker = (*Incoming)(nil)

// StartIncoming parses uri and starts receiving with the matching entry
// point. Bind, spawn and descriptor errors are returned synchronously.
func StartIncoming(ctx context.Context, uri string, r Restorer, opts IncomingOptions) (*Incoming, error) {
	t, err := parseListenTarget(uri)
	if err != nil {
		return nil, err
	}
	switch t.Scheme {
	case SchemeExec:
		return ExecStartIncoming(ctx, t.Address, r, opts)
	case SchemeTCP:
		return TCPStartIncoming(ctx, t.Address, r, opts)
	case SchemeQUIC:
		return QUICStartIncoming(ctx, t.Address, r, opts)
	default:
		fd, _ := parseFD(t.Address)
		return FDStartIncoming(ctx, fd, r, opts)
	}
}

// ExecStartIncoming spawns command and restores from its stdout.
func ExecStartIncoming(ctx context.Context, command string, r Restorer, opts IncomingOptions) (*Incoming, error) {
	t := Target{Scheme: SchemeExec, Address: command}
	if err := t.validate(true); err != nil {
		return nil, err
	}
	src, err := transport.StartExecReader(command)
	if err != nil {
		return nil, invalidTarget(err)
	}
	return startIncoming(ctx, t, src, nil, r), nil
}

// TCPStartIncoming listens on hostPort and restores from the first peer.
func TCPStartIncoming(ctx context.Context, hostPort string, r Restorer, opts IncomingOptions) (*Incoming, error) {
	t := Target{Scheme: SchemeTCP, Address: hostPort}
	if err := t.validate(true); err != nil {
		return nil, err
	}
	ln, err := transport.ListenTCP(hostPort)
	if err != nil {
		return nil, invalidTarget(err)
	}
	return startIncoming(ctx, t, ln, ln.Addr(), r), nil
}

// QUICStartIncoming listens on hostPort and restores from the first peer's
// stream.
func QUICStartIncoming(ctx context.Context, hostPort string, r Restorer, opts IncomingOptions) (*Incoming, error) {
	t := Target{Scheme: SchemeQUIC, Address: hostPort}
	if err := t.validate(true); err != nil {
		return nil, err
	}
	ln, err := transport.ListenQUIC(hostPort, opts.TLSConfig)
	if err != nil {
		return nil, invalidTarget(err)
	}
	return startIncoming(ctx, t, ln, ln.Addr(), r), nil
}

// FDStartIncoming restores from an already connected descriptor, taking
// ownership of it.
func FDStartIncoming(ctx context.Context, fd int, r Restorer, opts IncomingOptions) (*Incoming, error) {
	t := Target{Scheme: SchemeFD, Address: fmt.Sprint(fd)}
	src, err := transport.OpenFDReader(fd)
	if err != nil {
		return nil, invalidTarget(err)
	}
	return startIncoming(ctx, t, src, nil, r), nil
}

func startIncoming(ctx context.Context, t Target, src source, addr net.Addr, r Restorer) *Incoming {
	in := &Incoming{
		target:   t,
		src:      src,
		addr:     addr,
		restorer: r,
	}
	in.tomb.Go(func() error {
		return in.run(ctx)
	})
	return in
}

// Addr returns the bound address for socket schemes, or nil.
func (in *Incoming) Addr() net.Addr {
	return in.addr
}

// Target returns the address the migration is received on.
func (in *Incoming) Target() Target {
	return in.target
}

// BytesRead returns the number of bytes consumed so far.
func (in *Incoming) BytesRead() int64 {
	return in.bytes.Load()
}

// Kill aborts the migration.
func (in *Incoming) Kill() {
	in.tomb.Kill(nil)
}

// Wait returns the restore result once the worker has stopped.
func (in *Incoming) Wait() error {
	return in.tomb.Wait()
}

func (in *Incoming) run(parent context.Context) error {
	ctx := in.tomb.Context(parent)
	defer func() { _ = in.src.Close() }()

	rc, err := in.src.Accept(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return in.stopped()
		}
		return fmt.Errorf("accept on %s: %w", in.target, err)
	}
	logger.Infof("incoming migration on %s: connected", in.target)

	ch := newInputChannel(rc, &in.bytes)
	// Stays registered while the channel closes, so Kill still reaches a
	// helper that is being reaped.
	stop := context.AfterFunc(ctx, func() {
		in.killSource()
		_ = ch.close()
	})
	defer stop()

	rerr := in.restorer.Restore(ctx, ch)
	if rerr != nil || ctx.Err() != nil {
		in.killSource()
	}
	cerr := ch.close()

	if ctx.Err() != nil {
		return in.stopped()
	}
	if rerr != nil {
		logger.Errorf("incoming migration on %s failed after %d bytes: %v", in.target, in.BytesRead(), rerr)
		return fmt.Errorf("restore from %s: %w", in.target, rerr)
	}
	if cerr != nil && errors.Is(cerr, migerrors.ErrHelperExit) {
		return cerr
	}
	logger.Infof("incoming migration on %s: restored %d bytes", in.target, in.BytesRead())
	return nil
}

// killSource stops a helper process feeding the stream, if there is one.
func (in *Incoming) killSource() {
	if k, ok := in.src.(interface{ Kill() }); ok {
		k.Kill()
	}
}

// stopped reports a run ended by Kill or by the parent context.
func (in *Incoming) stopped() error {
	select {
	case <-in.tomb.Dying():
		return tomb.ErrDying
	default:
		return fmt.Errorf("incoming migration on %s: %w", in.target, migerrors.ErrCancelled)
	}
}
