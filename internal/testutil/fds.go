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

package testutil

import (
	"io"
	"os"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

// SocketPair returns a connected pair of stream sockets. The raw descriptor
// is handed to the code under test, which takes ownership of it; the peer is
// wrapped in a file closed at cleanup.
func SocketPair(t *testing.T) (int, *os.File) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("Failed to create socket pair: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "peer")
	t.Cleanup(func() {
		peer.Close()
	})
	return fds[0], peer
}

// Pipe returns the raw read and write descriptors of a pipe. The caller owns
// both.
func Pipe(t *testing.T) (r, w int) {
	t.Helper()

	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		t.Fatalf("Failed to create pipe: %v", err)
	}
	return p[0], p[1]
}

// Collector reads everything from r in the background.
type Collector struct {
	mu   sync.Mutex
	data []byte
	err  error
	done chan struct{}
}

// Collect starts reading r until EOF or error.
func Collect(r io.Reader) *Collector {
	c := &Collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		buf := make([]byte, 32<<10)
		for {
			n, err := r.Read(buf)
			c.mu.Lock()
			c.data = append(c.data, buf[:n]...)
			c.mu.Unlock()
			if err != nil {
				if err != io.EOF {
					c.mu.Lock()
					c.err = err
					c.mu.Unlock()
				}
				return
			}
		}
	}()
	return c
}

// Len returns the number of bytes read so far.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}

// Wait blocks until the reader hits end of stream and returns what it read.
func (c *Collector) Wait(t *testing.T) []byte {
	t.Helper()
	<-c.done
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		t.Fatalf("Collector read failed: %v", c.err)
	}
	return c.data
}
