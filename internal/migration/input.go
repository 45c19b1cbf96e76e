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
	"bufio"
	"io"
	"sync"
	"sync/atomic"
)

// InputChannel is the buffered stream a restorer reads incoming state from.
type InputChannel struct {
	r     *bufio.Reader
	c     io.Closer
	count *atomic.Int64

	once     sync.Once
	closeErr error
}

func newInputChannel(rc io.ReadCloser, count *atomic.Int64) *InputChannel {
	return &InputChannel{
		r:     bufio.NewReaderSize(rc, 64<<10),
		c:     rc,
		count: count,
	}
}

func (in *InputChannel) Read(p []byte) (int, error) {
	n, err := in.r.Read(p)
	in.count.Add(int64(n))
	return n, err
}

// ReadByte reads a single byte.
func (in *InputChannel) ReadByte() (byte, error) {
	b, err := in.r.ReadByte()
	if err == nil {
		in.count.Add(1)
	}
	return b, err
}

// BytesRead returns the number of bytes consumed so far.
func (in *InputChannel) BytesRead() int64 {
	return in.count.Load()
}

// close closes the underlying stream once and returns the first result.
func (in *InputChannel) close() error {
	in.once.Do(func() {
		in.closeErr = in.c.Close()
	})
	return in.closeErr
}
