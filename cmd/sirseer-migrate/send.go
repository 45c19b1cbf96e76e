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
	"github.com/juju/worker/v4"
	"github.com/spf13/cobra"

	"github.com/sirseerhq/sirseer-migrate/internal/control"
	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
	"github.com/sirseerhq/sirseer-migrate/internal/eventloop"
	"github.com/sirseerhq/sirseer-migrate/internal/guest"
	"github.com/sirseerhq/sirseer-migrate/internal/image"
	"github.com/sirseerhq/sirseer-migrate/internal/metadata"
	"github.com/sirseerhq/sirseer-migrate/internal/migration"
	"github.com/sirseerhq/sirseer-migrate/internal/output"
	"github.com/sirseerhq/sirseer-migrate/internal/state"
	"github.com/sirseerhq/sirseer-migrate/internal/transport"
)

const progressInterval = time.Second

type sendOptions struct {
	bandwidth  *byteSize
	recordSize *byteSize
	downtime   string
	detach     bool
	retries    int
	events     string
	recordDir  string
	pausePID   int
}

func newSendCommand(g *globalOptions) *cobra.Command {
	o := &sendOptions{
		bandwidth:  newBandwidthFlag(),
		recordSize: newSizeFlag(),
	}

	cmd := &cobra.Command{
		Use:   "send <image> <uri>",
		Short: "Migrate a guest image to a destination",
		Long: `Stream a guest image to the destination URI.

Supported targets:
  tcp:host:port        connect to a listening receiver
  quic:host:port       connect over QUIC (self-signed receivers are accepted)
  exec:<command>       pipe the stream into a shell command
  fd:<number>          write to an inherited file descriptor

The bandwidth cap defaults to 32MiB/s; use --bandwidth 0 for no cap.
The outcome is recorded and can be shown later with "status".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), g, o, args[0], args[1], cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().Var(o.bandwidth, "bandwidth", "Bandwidth cap in bytes per second, e.g. 100MiB (0 = unlimited)")
	cmd.Flags().StringVar(&o.downtime, "downtime", "", "Maximum downtime for the final pass, e.g. 30ms or 0.5")
	cmd.Flags().BoolVar(&o.detach, "detach", false, "Start transferring without waiting for the connection")
	cmd.Flags().IntVar(&o.retries, "retries", -1, "Connection retries (default from config)")
	cmd.Flags().StringVar(&o.events, "events", "", "Write NDJSON events to this file (- for stdout)")
	cmd.Flags().StringVar(&o.recordDir, "record-dir", "", "Directory for migration records (default from config)")
	cmd.Flags().IntVar(&o.pausePID, "pause-pid", 0, "Pause this process group for the final pass")
	cmd.Flags().Var(o.recordSize, "record-size", "Image record size (default 64KiB)")

	return cmd
}

func runSend(ctx context.Context, g *globalOptions, o *sendOptions, imagePath, uri string, stdout, stderr io.Writer) error {
	if _, err := migration.ParseTarget(uri); err != nil {
		return err
	}

	cfg, err := g.loadConfig(uri)
	if err != nil {
		return err
	}
	if o.bandwidth.isSet() {
		cfg.Migration.MaxBandwidth = o.bandwidth.text
	}
	if o.downtime != "" {
		cfg.Migration.MaxDowntime = o.downtime
	}
	if o.retries >= 0 {
		cfg.Migration.ConnectRetries = o.retries
	}
	if o.recordDir != "" {
		cfg.State.RecordDir = o.recordDir
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	settings, err := cfg.Resolve()
	if err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	events, err := openEvents(o.events, stdout)
	if err != nil {
		return err
	}
	defer events.Close()

	var vm migration.Guest
	if o.pausePID > 0 {
		p, err := guest.NewProcess(o.pausePID)
		if err != nil {
			return err
		}
		vm = p
	}

	loop := eventloop.New(nil)
	defer func() {
		if err := worker.Stop(loop); err != nil {
			logger.Warningf("stopping event loop: %v", err)
		}
	}()

	recordSize := int(o.recordSize.value)
	ctrl, err := control.New(control.Config{
		Options: migration.Options{
			Loop:              loop,
			ThrottleWindow:    settings.ThrottleWindow,
			UnfreezeThreshold: settings.UnfreezeThreshold,
			QueueSize:         settings.QueueSize,
			ConnectTimeout:    settings.ConnectTimeout,
			CloseTimeout:      settings.CloseTimeout,
			TLSConfig:         transport.ClientTLSConfig(),
			Version:           version,
		},
		NewProducer: func() (migration.Producer, error) {
			p, err := image.OpenProducer(imagePath)
			if err != nil {
				return nil, err
			}
			if recordSize > 0 {
				p = p.WithRecordSize(recordSize)
			}
			return p, nil
		},
		Guest:   vm,
		Events:  events,
		Retries: settings.ConnectRetries,
	})
	if err != nil {
		return err
	}
	if err := ctrl.SetSpeed(cfg.Migration.MaxBandwidth); err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	if err := ctrl.SetDowntime(cfg.Migration.MaxDowntime); err != nil {
		return fmt.Errorf("%w: %w", errInvalidConfig, err)
	}

	var m *migration.FdMigrationState
	if settings.ConnectRetries > 0 && !o.detach {
		m, err = ctrl.MigrateWithRetry(ctx, uri)
	} else {
		m, err = ctrl.Migrate(ctx, uri, o.detach)
	}
	if m == nil {
		return err
	}
	if err != nil {
		logger.Warningf("migration %s: %v", m.ID(), err)
	}

	waitMigration(ctx, ctrl, m, events)

	releaseCtx, cancel := context.WithTimeout(context.Background(), settings.ReleaseTimeout)
	defer cancel()
	st, err := ctrl.Release(releaseCtx)

	if md := m.Metadata(); md != nil {
		saveRecord(cfg.State.RecordDir, uri, md, ctrl.Attempts())
		printSummary(stderr, md)
	}

	switch {
	case err != nil:
		return err
	case st == migration.StateCancelled:
		return fmt.Errorf("%w: migration to %s", migerrors.ErrCancelled, uri)
	}
	return nil
}

// waitMigration reports progress until m ends, and cancels it if ctx ends
// first.
func waitMigration(ctx context.Context, ctrl *control.Controller, m *migration.FdMigrationState, events output.EventWriter) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.Done():
			return
		case <-ctx.Done():
			logger.Infof("migration %s: interrupted, cancelling", m.ID())
			ctrl.Cancel()
			return
		case <-ticker.C:
			info, ok := ctrl.Info()
			if !ok || info.State != migration.StateActive {
				continue
			}
			if err := events.Emit(output.Event{
				Type:        output.EventProgress,
				MigrationID: info.ID,
				Target:      info.Target,
				State:       info.State.String(),
				Bytes:       info.BytesTransferred,
				Pending:     info.Pending,
				Throttled:   info.Throttled,
			}); err != nil {
				logger.Warningf("writing progress event: %v", err)
			}
		}
	}
}

func saveRecord(dir, uri string, md *metadata.TransferMetadata, attempts int) {
	if attempts < 1 {
		attempts = 1
	}
	record := &state.MigrationRecord{
		Migration: *md,
		Attempts:  attempts,
	}
	if err := state.SaveRecord(record, state.GetRecordFilePath(dir, uri)); err != nil {
		logger.Warningf("saving migration record: %v", err)
	}
	if err := metadata.SaveMetadata(md, dir); err != nil {
		logger.Warningf("saving migration metadata: %v", err)
	}
}

func printSummary(w io.Writer, md *metadata.TransferMetadata) {
	r := md.Results
	fmt.Fprintf(w, "Migration %s to %s %s: %s in %s",
		md.MigrationID, md.Target, r.State, humanize.IBytes(uint64(r.BytesTransferred)), r.Duration)
	if r.AverageThroughput > 0 {
		fmt.Fprintf(w, " (%s/s)", humanize.IBytes(uint64(r.AverageThroughput)))
	}
	fmt.Fprintln(w)
}

func openEvents(path string, stdout io.Writer) (output.EventWriter, error) {
	switch path {
	case "":
		return output.Discard, nil
	case "-":
		return output.NewWriter(stdout), nil
	}
	w, err := output.NewFileWriter(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create events file: %w", err)
	}
	return w, nil
}
