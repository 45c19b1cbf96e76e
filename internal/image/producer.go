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
	"os"

	"github.com/juju/loggo/v2"

	"github.com/sirseerhq/sirseer-migrate/internal/migration"
)

var logger = loggo.GetLogger("sirseer.migrate.image")

// recordsPerIterate bounds the work done in one Iterate call so the event
// loop stays responsive.
const recordsPerIterate = 16

// Producer streams size bytes from r as a migration image.
type Producer struct {
	r          io.Reader
	closer     io.Closer
	size       int64
	sent       int64
	recordSize int
	buf        []byte
}

var _ migration.Producer = (*Producer)(nil)

// NewProducer returns a producer for size bytes read from r.
func NewProducer(r io.Reader, size int64) *Producer {
	return &Producer{
		r:          r,
		size:       size,
		recordSize: DefaultRecordSize,
	}
}

// OpenProducer opens the file at path for streaming.
func OpenProducer(path string) (*Producer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat image: %w", err)
	}
	if !info.Mode().IsRegular() {
		_ = f.Close()
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}
	p := NewProducer(f, info.Size())
	p.closer = f
	return p, nil
}

// WithRecordSize sets the record payload size.
func (p *Producer) WithRecordSize(n int) *Producer {
	if n > 0 && n <= MaxRecordSize {
		p.recordSize = n
	}
	return p
}

// Size returns the image size.
func (p *Producer) Size() int64 {
	return p.size
}

// Sent returns the payload bytes handed to the channel so far.
func (p *Producer) Sent() int64 {
	return p.sent
}

// Close closes the underlying file, if the producer opened one.
func (p *Producer) Close() error {
	if p.closer == nil {
		return nil
	}
	err := p.closer.Close()
	p.closer = nil
	return err
}

// Begin writes the image header.
func (p *Producer) Begin(ch migration.Channel) error {
	_, err := ch.Write(Header{Version: Version, Size: p.size}.encode())
	return err
}

// Iterate writes records until the channel is rate limited. It reports done
// once the rest of the image fits in the downtime budget.
func (p *Producer) Iterate(ch migration.Channel) (bool, error) {
	for i := 0; i < recordsPerIterate; i++ {
		if p.converged(ch) {
			return true, nil
		}
		if ch.RateLimited() {
			return false, nil
		}
		if err := p.writeRecord(ch); err != nil {
			return false, err
		}
	}
	return p.converged(ch), nil
}

// Complete writes the rest of the image and the end marker.
func (p *Producer) Complete(ch migration.Channel) error {
	if rest := p.size - p.sent; rest > 0 {
		logger.Debugf("final pass: %d bytes left", rest)
	}
	for p.sent < p.size {
		if err := p.writeRecord(ch); err != nil {
			return err
		}
	}
	_, err := ch.Write(make([]byte, lengthSize))
	return err
}

func (p *Producer) converged(ch migration.Channel) bool {
	rest := p.size - p.sent
	if rest == 0 {
		return true
	}
	budget := ch.DowntimeBudget()
	return budget >= 0 && rest <= budget
}

func (p *Producer) writeRecord(ch migration.Channel) error {
	n := p.recordSize
	if rest := p.size - p.sent; rest < int64(n) {
		n = int(rest)
	}
	if cap(p.buf) < lengthSize+n {
		p.buf = make([]byte, lengthSize+p.recordSize)
	}
	rec := p.buf[:lengthSize+n]
	if _, err := io.ReadFull(p.r, rec[lengthSize:]); err != nil {
		return fmt.Errorf("reading image at offset %d: %w", p.sent, err)
	}
	binary.BigEndian.PutUint32(rec[:lengthSize], uint32(n))
	if _, err := ch.Write(rec); err != nil {
		return err
	}
	p.sent += int64(n)
	return nil
}
