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
	"io"
	"net"
	"os"
	"testing"
	"time"

	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/testutil"
)

func waitIncoming(t *testing.T, in *Incoming) error {
	t.Helper()
	result := make(chan error, 1)
	go func() { result <- in.Wait() }()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		in.Kill()
		t.Fatalf("incoming migration on %s did not finish", in.Target())
		return nil
	}
}

func TestExecIncoming(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    string
		wantErr error
	}{
		{name: "helper output restored", command: "printf 'guest state'", want: "guest state"},
		{name: "helper failure reported", command: "printf partial; exit 2", want: "partial", wantErr: migerrors.ErrHelperExit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.VerifyNoLeaks(t)

			restorer := &bufferRestorer{}
			in, err := StartIncoming(context.Background(), "exec:"+tt.command, restorer, IncomingOptions{})
			testutil.AssertNoError(t, err)
			if in.Addr() != nil {
				t.Errorf("Addr() = %v, want nil for exec", in.Addr())
			}

			err = waitIncoming(t, in)
			if tt.wantErr == nil {
				testutil.AssertNoError(t, err)
			} else {
				testutil.AssertErrorIs(t, err, tt.wantErr)
			}
			if got := string(restorer.bytes()); got != tt.want {
				t.Errorf("restored %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFDIncoming(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	r, w := testutil.Pipe(t)
	restorer := &bufferRestorer{}
	in, err := FDStartIncoming(context.Background(), r, restorer, IncomingOptions{})
	testutil.AssertNoError(t, err)

	want := testutil.Pattern(300<<10, 4)
	writer := os.NewFile(uintptr(w), "pipe")
	go func() {
		_, _ = writer.Write(want)
		_ = writer.Close()
	}()

	testutil.AssertNoError(t, waitIncoming(t, in))
	if got := restorer.bytes(); len(got) != len(want) {
		t.Errorf("restored %d bytes, want %d", len(got), len(want))
	}
}

func TestFDIncomingWriteOnly(t *testing.T) {
	r, w := testutil.Pipe(t)
	defer closeFD(r)
	defer closeFD(w)

	in, err := FDStartIncoming(context.Background(), w, &bufferRestorer{}, IncomingOptions{})
	if in != nil {
		t.Error("FDStartIncoming() accepted a write-only descriptor")
	}
	testutil.AssertErrorIs(t, err, migerrors.ErrInvalidTarget)
}

func TestIncomingRestoreFailure(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	restorer := &bufferRestorer{err: errors.New("bad magic")}
	in, err := TCPStartIncoming(context.Background(), "127.0.0.1:0", restorer, IncomingOptions{})
	testutil.AssertNoError(t, err)

	conn, err := net.Dial("tcp", in.Addr().String())
	testutil.AssertNoError(t, err)
	_, _ = conn.Write([]byte("junk"))
	testutil.AssertNoError(t, conn.Close())

	err = waitIncoming(t, in)
	testutil.AssertErrorContains(t, err, "bad magic")
	testutil.AssertErrorContains(t, err, "restore from tcp:")
}

// rejectingRestorer fails on the first bytes of the stream without
// draining it.
type rejectingRestorer struct{}

func (rejectingRestorer) Restore(ctx context.Context, in *InputChannel) error {
	header := make([]byte, 4)
	if _, err := io.ReadFull(in, header); err != nil {
		return err
	}
	return fmt.Errorf("bad magic %q", header)
}

func TestExecIncomingRestoreFailureStopsHelper(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	// The helper keeps its stdout open, so only killing it ends the stream.
	in, err := ExecStartIncoming(context.Background(), "printf junk; exec sleep 30", rejectingRestorer{}, IncomingOptions{})
	testutil.AssertNoError(t, err)

	start := time.Now()
	err = waitIncoming(t, in)
	testutil.AssertErrorContains(t, err, "bad magic")
	testutil.AssertErrorContains(t, err, "restore from exec:")
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Wait() took %v after a failed restore", elapsed)
	}
}

func TestExecIncomingKill(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	restorer := &bufferRestorer{}
	in, err := ExecStartIncoming(context.Background(), "printf partial; exec sleep 30", restorer, IncomingOptions{})
	testutil.AssertNoError(t, err)

	testutil.Eventually(t, waitTimeout, func() bool { return in.BytesRead() > 0 }, "helper output read")
	in.Kill()
	testutil.AssertErrorIs(t, waitIncoming(t, in), migerrors.ErrCancelled)
}

func TestIncomingKill(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
	}{
		{name: "while accepting"},
		{name: "while restoring", connect: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.VerifyNoLeaks(t)

			restorer := &bufferRestorer{}
			in, err := TCPStartIncoming(context.Background(), "127.0.0.1:0", restorer, IncomingOptions{})
			testutil.AssertNoError(t, err)

			if tt.connect {
				conn, err := net.Dial("tcp", in.Addr().String())
				testutil.AssertNoError(t, err)
				defer conn.Close()
				_, _ = conn.Write([]byte("partial"))
				testutil.Eventually(t, waitTimeout, func() bool {
					return in.BytesRead() > 0
				}, "nothing read from the sender")
			}

			in.Kill()
			testutil.AssertNoError(t, waitIncoming(t, in))
		})
	}
}

func TestIncomingContextCancelled(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	ctx, cancel := context.WithCancel(context.Background())
	in, err := TCPStartIncoming(ctx, "127.0.0.1:0", &bufferRestorer{}, IncomingOptions{})
	testutil.AssertNoError(t, err)

	cancel()
	testutil.AssertErrorIs(t, waitIncoming(t, in), migerrors.ErrCancelled)
}

func TestIncomingBindFailure(t *testing.T) {
	testutil.VerifyNoLeaks(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	testutil.AssertNoError(t, err)
	defer ln.Close()

	tests := []struct {
		name string
		uri  string
	}{
		{name: "address in use", uri: "tcp:" + ln.Addr().String()},
		{name: "unknown scheme", uri: "unix:/tmp/sock"},
		{name: "malformed address", uri: "tcp:4444"},
		{name: "empty command", uri: "exec:"},
		{name: "closed descriptor", uri: "fd:987654"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, err := StartIncoming(context.Background(), tt.uri, &bufferRestorer{}, IncomingOptions{})
			if in != nil {
				t.Errorf("StartIncoming(%q) started a receiver", tt.uri)
			}
			testutil.AssertErrorIs(t, err, migerrors.ErrInvalidTarget)
		})
	}
}
