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
	"fmt"
	"net"
	"strconv"
	"strings"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

// Supported target schemes.
const (
	SchemeExec = "exec"
	SchemeTCP  = "tcp"
	SchemeFD   = "fd"
	SchemeQUIC = "quic"
)

// Target is a parsed migration URI such as "tcp:host:4444".
type Target struct {
	Scheme  string
	Address string
}

// String returns the URI form.
func (t Target) String() string {
	return t.Scheme + ":" + t.Address
}

// ParseTarget splits uri into its scheme and address and validates the
// address for that scheme. Errors wrap ErrInvalidTarget, and also
// ErrUnknownScheme for an unsupported scheme.
func ParseTarget(uri string) (Target, error) {
	scheme, address, ok := strings.Cut(uri, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q: missing scheme", migerrors.ErrInvalidTarget, uri)
	}
	t := Target{Scheme: scheme, Address: address}
	if err := t.validate(false); err != nil {
		return Target{}, err
	}
	return t, nil
}

// parseListenTarget is ParseTarget for the receiving side, where the host
// and port of a socket address may be left open.
func parseListenTarget(uri string) (Target, error) {
	scheme, address, ok := strings.Cut(uri, ":")
	if !ok {
		return Target{}, fmt.Errorf("%w: %q: missing scheme", migerrors.ErrInvalidTarget, uri)
	}
	t := Target{Scheme: scheme, Address: address}
	if err := t.validate(true); err != nil {
		return Target{}, err
	}
	return t, nil
}

func (t Target) validate(listen bool) error {
	switch t.Scheme {
	case SchemeExec:
		if strings.TrimSpace(t.Address) == "" {
			return fmt.Errorf("%w: %s: empty command", migerrors.ErrInvalidTarget, t)
		}
	case SchemeTCP, SchemeQUIC:
		return validateHostPort(t, listen)
	case SchemeFD:
		_, err := parseFD(t.Address)
		return err
	default:
		return fmt.Errorf("%w: %w: %q", migerrors.ErrInvalidTarget, migerrors.ErrUnknownScheme, t.Scheme)
	}
	return nil
}

func validateHostPort(t Target, listen bool) error {
	host, port, err := net.SplitHostPort(t.Address)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", migerrors.ErrInvalidTarget, t, err)
	}
	if host == "" && !listen {
		return fmt.Errorf("%w: %s: missing host", migerrors.ErrInvalidTarget, t)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 || (n == 0 && !listen) {
		return fmt.Errorf("%w: %s: invalid port %q", migerrors.ErrInvalidTarget, t, port)
	}
	return nil
}

func parseFD(s string) (int, error) {
	fd, err := strconv.Atoi(s)
	if err != nil || fd < 0 {
		return 0, fmt.Errorf("%w: fd:%s: not a descriptor number", migerrors.ErrInvalidTarget, s)
	}
	return fd, nil
}
