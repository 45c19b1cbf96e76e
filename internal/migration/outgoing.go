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
	"errors"
	"fmt"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/transport"
)

// StartOutgoing parses uri and starts a migration with the matching
// constructor.
func StartOutgoing(ctx context.Context, uri string, opts Options) (*FdMigrationState, error) {
	t, err := ParseTarget(uri)
	if err != nil {
		return nil, err
	}
	switch t.Scheme {
	case SchemeExec:
		return ExecStartOutgoing(ctx, t.Address, opts)
	case SchemeTCP:
		return TCPStartOutgoing(ctx, t.Address, opts)
	case SchemeQUIC:
		return QUICStartOutgoing(ctx, t.Address, opts)
	default:
		fd, _ := parseFD(t.Address)
		return FDStartOutgoing(ctx, fd, opts)
	}
}

// ExecStartOutgoing spawns command and migrates into its stdin. A command
// that cannot be started is reported synchronously.
func ExecStartOutgoing(ctx context.Context, command string, opts Options) (*FdMigrationState, error) {
	t := Target{Scheme: SchemeExec, Address: command}
	if err := t.validate(false); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	backend, err := transport.StartExec(command, transport.Options{QueueSize: opts.QueueSize})
	if err != nil {
		return nil, invalidTarget(err)
	}
	return start(ctx, t, opts, func(context.Context) (Backend, error) {
		return backend, nil
	})
}

// TCPStartOutgoing migrates to hostPort. The address is validated
// synchronously; the connection is made in the background.
func TCPStartOutgoing(ctx context.Context, hostPort string, opts Options) (*FdMigrationState, error) {
	t := Target{Scheme: SchemeTCP, Address: hostPort}
	if err := t.validate(false); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	topts := transport.Options{QueueSize: opts.QueueSize}
	return start(ctx, t, opts, func(ctx context.Context) (Backend, error) {
		b, err := transport.DialTCP(ctx, hostPort, topts)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// QUICStartOutgoing migrates to hostPort over a QUIC stream.
func QUICStartOutgoing(ctx context.Context, hostPort string, opts Options) (*FdMigrationState, error) {
	t := Target{Scheme: SchemeQUIC, Address: hostPort}
	if err := t.validate(false); err != nil {
		return nil, err
	}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	topts := transport.Options{QueueSize: opts.QueueSize}
	tlsConf := opts.TLSConfig
	return start(ctx, t, opts, func(ctx context.Context) (Backend, error) {
		b, err := transport.DialQUIC(ctx, hostPort, tlsConf, topts)
		if err != nil {
			return nil, err
		}
		return b, nil
	})
}

// FDStartOutgoing migrates into an already connected descriptor, taking
// ownership of it. An invalid descriptor is reported synchronously.
func FDStartOutgoing(ctx context.Context, fd int, opts Options) (*FdMigrationState, error) {
	t := Target{Scheme: SchemeFD, Address: fmt.Sprint(fd)}
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	backend, err := transport.OpenFD(fd, transport.Options{QueueSize: opts.QueueSize})
	if err != nil {
		return nil, invalidTarget(err)
	}
	return start(ctx, t, opts, func(context.Context) (Backend, error) {
		return backend, nil
	})
}

// start creates the migration and connects it in the background. Without
// Detach it waits for the connection to succeed or fail; if ctx ends first
// the migration is cancelled and still has to be released.
func start(ctx context.Context, t Target, opts Options, dial dialFunc) (*FdMigrationState, error) {
	m := newFdMigrationState(t, opts)
	logger.Debugf("migration %s: starting to %s (limit %d B/s, detach %v)", m.id, t, m.bandwidthLimit, m.detach)
	go m.connect(dial)

	if m.detach {
		return m, nil
	}
	select {
	case <-m.connectedCh:
		return m, nil
	case <-ctx.Done():
		m.Cancel()
		return m, fmt.Errorf("waiting for %s to connect: %w", t, ctx.Err())
	}
}

func invalidTarget(err error) error {
	if errors.Is(err, migerrors.ErrInvalidTarget) {
		return err
	}
	return fmt.Errorf("%w: %w", migerrors.ErrInvalidTarget, err)
}
