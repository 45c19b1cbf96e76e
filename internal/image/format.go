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
	"encoding/binary"
	"fmt"
	"io"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

const (
	// Magic identifies a migration image ("SMIG").
	Magic uint32 = 0x534d4947

	// Version is the stream format version.
	Version uint32 = 1

	headerSize = 16
	lengthSize = 4

	// DefaultRecordSize is the payload size of each record.
	DefaultRecordSize = 64 << 10

	// MaxRecordSize bounds a record on the receiving side.
	MaxRecordSize = 16 << 20
)

// Header is the start of a migration image.
type Header struct {
	Version uint32
	Size    int64
}

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	binary.BigEndian.PutUint32(b[0:4], Magic)
	binary.BigEndian.PutUint32(b[4:8], h.Version)
	binary.BigEndian.PutUint64(b[8:16], uint64(h.Size))
	return b
}

// ReadHeader reads and checks an image header.
func ReadHeader(r io.Reader) (Header, error) {
	var b [headerSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, fmt.Errorf("%w: reading header: %w", migerrors.ErrCorruptImage, err)
	}
	if magic := binary.BigEndian.Uint32(b[0:4]); magic != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#08x", migerrors.ErrCorruptImage, magic)
	}
	h := Header{
		Version: binary.BigEndian.Uint32(b[4:8]),
		Size:    int64(binary.BigEndian.Uint64(b[8:16])),
	}
	if h.Version != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", migerrors.ErrCorruptImage, h.Version)
	}
	if h.Size < 0 {
		return Header{}, fmt.Errorf("%w: negative size", migerrors.ErrCorruptImage)
	}
	return h, nil
}
