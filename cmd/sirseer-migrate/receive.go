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

package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sirseerhq/sirseer-migrate/internal/image"
	"github.com/sirseerhq/sirseer-migrate/internal/migration"
	"github.com/sirseerhq/sirseer-migrate/internal/output"
)

type receiveOptions struct {
	events string
}

func newReceiveCommand(g *globalOptions) *cobra.Command {
	o := &receiveOptions{}

	cmd := &cobra.Command{
		Use:   "receive <uri> <output>",
		Short: "Receive a migrated guest image",
		Long: `Wait for a migration on the given URI and restore the image into output.

Supported sources:
  tcp:host:port        listen and accept one sender
  quic:host:port       listen over QUIC with a self-signed certificate
  exec:<command>       read the stream from a shell command's output
  fd:<number>          read from an inherited file descriptor

The output file is only replaced once the whole image has arrived.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(cmd.Context(), g, o, args[0], args[1], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&o.events, "events", "", "Write NDJSON events to this file (- for stdout)")
	return cmd
}

func runReceive(ctx context.Context, g *globalOptions, o *receiveOptions, uri, outputPath string, stdout, stderr io.Writer) error {
	if _, err := g.loadConfig(uri); err != nil {
		return err
	}

	events, err := openEvents(o.events, stdout)
	if err != nil {
		return err
	}
	defer events.Close()

	restorer := image.NewRestorer(outputPath)
	in, err := migration.StartIncoming(ctx, uri, restorer, migration.IncomingOptions{})
	if err != nil {
		return err
	}
	if addr := in.Addr(); addr != nil {
		fmt.Fprintf(stderr, "Waiting for migration on %s:%s\n", in.Target().Scheme, addr)
	} else {
		fmt.Fprintf(stderr, "Receiving migration from %s\n", in.Target())
	}

	began := time.Now()
	err = in.Wait()

	ev := output.Event{
		Type:   output.EventReceived,
		Target: in.Target().String(),
		State:  "completed",
		Bytes:  in.BytesRead(),
	}
	if err != nil {
		ev.State = "error"
		ev.Error = err.Error()
	}
	if eerr := events.Emit(ev); eerr != nil {
		logger.Warningf("writing received event: %v", eerr)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(stderr, "Received %s into %s in %s\n",
		humanize.IBytes(uint64(restorer.Received())), outputPath, time.Since(began).Round(time.Millisecond))
	return nil
}
