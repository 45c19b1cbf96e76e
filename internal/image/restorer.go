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

package image

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/migration"
)

// Restorer writes an incoming image to a file.
type Restorer struct {
	path     string
	received int64
}

var _ migration.Restorer = (*Restorer)(nil)

// NewRestorer returns a restorer that writes the image to path.
func NewRestorer(path string) *Restorer {
	return &Restorer{path: path}
}

// Received returns the payload bytes written so far.
func (r *Restorer) Received() int64 {
	return r.received
}

// Restore reads one image from in.
func (r *Restorer) Restore(ctx context.Context, in *migration.InputChannel) error {
	return r.restore(ctx, in)
}

func (r *Restorer) restore(ctx context.Context, in io.Reader) error {
	h, err := ReadHeader(in)
	if err != nil {
		return err
	}
	logger.Debugf("receiving %d byte image into %s", h.Size, r.path)

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.partial")
	if err != nil {
		return fmt.Errorf("failed to create temporary image: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	var lenBuf [lengthSize]byte
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			return fmt.Errorf("%w: stream ended after %d of %d bytes: %w", migerrors.ErrCorruptImage, r.received, h.Size, err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n == 0 {
			break
		}
		if n > MaxRecordSize {
			return fmt.Errorf("%w: record of %d bytes exceeds %d", migerrors.ErrCorruptImage, n, MaxRecordSize)
		}
		if r.received+int64(n) > h.Size {
			return fmt.Errorf("%w: more data than the %d bytes announced", migerrors.ErrCorruptImage, h.Size)
		}
		written, err := io.CopyN(tmp, in, int64(n))
		r.received += written
		if err != nil {
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("%w: record cut short after %d of %d bytes", migerrors.ErrCorruptImage, r.received, h.Size)
			}
			return fmt.Errorf("receiving image: %w", err)
		}
	}

	if r.received != h.Size {
		return fmt.Errorf("%w: got %d of %d bytes", migerrors.ErrCorruptImage, r.received, h.Size)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close image: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		_ = os.Remove(tmp.Name())
		committed = true
		return fmt.Errorf("failed to move image into place: %w", err)
	}
	committed = true
	logger.Infof("restored %d bytes into %s", r.received, r.path)
	return nil
}
