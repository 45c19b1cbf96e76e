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

// Package transport implements the byte transports a migration runs over.
//
// Outgoing backends (FD, Exec, TCP and QUIC) never block their caller. Each
// one owns a bounded send queue drained by a single writer goroutine: Write
// accepts as many bytes as fit and reports errors.ErrWouldBlock for the rest,
// and the registered Notify callback fires once space frees up or the
// transport fails. Close either drains or discards what is queued, lets an
// in-flight OS write finish, and closes the descriptor exactly once.
//
// Incoming sources (TCPListener, QUICListener, ExecReader and FDReader)
// produce a single io.ReadCloser carrying the migration stream.
//
// Example usage:
//
//	b, err := transport.DialTCP(ctx, "dest:4444", transport.Options{})
//	if err != nil {
//	    return err
//	}
//	b.Notify(func() { loop.Post(resume) })
//	n, err := b.Write(chunk)
//	if errors.Is(err, errors.ErrWouldBlock) {
//	    // wait for the Notify callback
//	}
//	err = b.Close(ctx, true)
package transport
