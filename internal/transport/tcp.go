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
	"net"
	"sync"
	"time"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

const tcpKeepAlive = 15 * time.Second

// TCP is an outgoing backend over a TCP connection.
type TCP struct {
	*sendQueue
	conn *net.TCPConn

	closeOnce sync.Once
	closeErr  error
}

// DialTCP connects to addr. The dial is bounded by ctx.
func DialTCP(ctx context.Context, addr string, opts Options) (*TCP, error) {
	d := net.Dialer{KeepAlive: tcpKeepAlive}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: tcp:%s: %w", migerrors.ErrTransport, addr, err)
	}
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: tcp:%s: unexpected connection type %T", migerrors.ErrTransport, addr, conn)
	}
	logger.Debugf("tcp:%s: connected from %s", addr, tc.LocalAddr())
	return &TCP{
		sendQueue: newSendQueue("tcp:"+addr, tc, opts.queueSize()),
		conn:      tc,
	}, nil
}

// LocalAddr returns the local end of the connection.
func (b *TCP) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

// Close shuts the backend down. A graceful close half-closes the connection
// once the queue is drained so the peer sees a clean end of stream.
func (b *TCP) Close(ctx context.Context, graceful bool) error {
	b.closeOnce.Do(func() {
		b.closeErr = b.close(ctx, graceful)
	})
	return b.closeErr
}

func (b *TCP) close(ctx context.Context, graceful bool) error {
	err := b.shutdown(ctx, graceful)
	if graceful && err == nil {
		if cerr := b.conn.CloseWrite(); cerr != nil {
			err = fmt.Errorf("%w: %s: %w", migerrors.ErrTransport, b.name, cerr)
		}
	}
	_ = b.conn.Close()
	<-b.done
	return err
}
