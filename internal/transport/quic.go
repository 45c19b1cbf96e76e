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
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

const (
	quicKeepAlive = 2 * time.Second

	// quicAbortCode is sent when a migration stream is torn down before its end.
	quicAbortCode quic.ApplicationErrorCode = 1

	// quicStreamAbortCode resets the migration stream on abort.
	quicStreamAbortCode quic.StreamErrorCode = 1
)

func quicConfig() *quic.Config {
	return &quic.Config{KeepAlivePeriod: quicKeepAlive}
}

// QUIC is an outgoing backend over a single QUIC stream.
type QUIC struct {
	*sendQueue
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
	closeErr  error
}

// DialQUIC connects to addr and opens the migration stream. A nil tlsConf
// uses ClientTLSConfig.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config, opts Options) (*QUIC, error) {
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: quic:%s: %w", migerrors.ErrTransport, addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(quicAbortCode, "open stream")
		return nil, fmt.Errorf("%w: quic:%s: open stream: %w", migerrors.ErrTransport, addr, err)
	}
	logger.Debugf("quic:%s: connected from %s", addr, conn.LocalAddr())
	return &QUIC{
		sendQueue: newSendQueue("quic:"+addr, stream, opts.queueSize()),
		conn:      conn,
		stream:    stream,
	}, nil
}

// Close shuts the backend down. A graceful close finishes the stream and
// waits for the receiver to hang up, so that no unacknowledged data is lost
// when the connection goes away.
func (b *QUIC) Close(ctx context.Context, graceful bool) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx, graceful)
	})
	return b.closeErr
}

func (b *QUIC) close(ctx context.Context, graceful bool) error {
	err := b.shutdown(ctx, graceful)
	if !graceful || err != nil {
		b.stream.CancelWrite(quicStreamAbortCode)
		_ = b.conn.CloseWithError(quicAbortCode, "migration aborted")
		<-b.done
		return err
	}

	if cerr := b.stream.Close(); cerr != nil {
		err = fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, b.name, cerr)
	} else if derr := b.awaitPeer(ctx); derr != nil {
		err = derr
	}
	_ = b.conn.CloseWithError(0, "")
	<-b.done
	return err
}

// awaitPeer reads until the receiver finishes its side of the stream or
// closes the connection without an error code.
func (b *QUIC) awaitPeer(ctx context.Context) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = b.stream.SetReadDeadline(deadline)
	}
	_, err := io.Copy(io.Discard, b.stream)
	if err == nil {
		return nil
	}
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) && appErr.Remote && appErr.ErrorCode == 0 {
		return nil
	}
	var streamErr *quic.StreamError
	if errors.As(err, &streamErr) && streamErr.Remote && streamErr.ErrorCode == 0 {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %s: receiver did not finish: %w", migerrors.ErrCloseTimeout, b.name, err)
	}
	return fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, b.name, err)
}
