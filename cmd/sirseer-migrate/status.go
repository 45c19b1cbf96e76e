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
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/sirseerhq/sirseer-migrate/internal/metadata"
	"github.com/sirseerhq/sirseer-migrate/internal/state"
)

type statusOptions struct {
	recordDir string
	json      bool
}

func newStatusCommand(g *globalOptions) *cobra.Command {
	o := &statusOptions{}

	cmd := &cobra.Command{
		Use:   "status <uri>",
		Short: "Show the last migration to a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(g, o, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&o.recordDir, "record-dir", "", "Directory for migration records (default from config)")
	cmd.Flags().BoolVar(&o.json, "json", false, "Print the migration metadata as JSON")
	return cmd
}

func runStatus(g *globalOptions, o *statusOptions, uri string, w io.Writer) error {
	cfg, err := g.loadConfig(uri)
	if err != nil {
		return err
	}
	dir := cfg.State.RecordDir
	if o.recordDir != "" {
		dir = o.recordDir
	}

	md, attempts, err := loadStatus(dir, uri)
	if err != nil {
		return err
	}

	if o.json {
		return metadata.WriteMetadataToWriter(md, w)
	}

	r := md.Results
	fmt.Fprintf(w, "Target:       %s\n", md.Target)
	fmt.Fprintf(w, "Migration:    %s\n", md.MigrationID)
	fmt.Fprintf(w, "State:        %s\n", r.State)
	fmt.Fprintf(w, "Transferred:  %s in %s\n", humanize.IBytes(uint64(r.BytesTransferred)), r.Duration)
	if md.Parameters.BandwidthLimit > 0 {
		fmt.Fprintf(w, "Bandwidth:    %s/s (throttled %d times)\n", humanize.IBytes(uint64(md.Parameters.BandwidthLimit)), r.Throttled)
	} else {
		fmt.Fprintf(w, "Bandwidth:    unlimited\n")
	}
	if attempts > 0 {
		fmt.Fprintf(w, "Attempts:     %d\n", attempts)
	}
	if !r.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Finished:     %s\n", humanize.Time(r.CompletedAt))
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:        %s\n", r.Error)
	}
	return nil
}

// loadStatus reads the migration record for uri. Without one it falls back
// to the newest metadata file for uri, which carries no attempt count.
func loadStatus(dir, uri string) (*metadata.TransferMetadata, int, error) {
	record, err := state.LoadRecord(state.GetRecordFilePath(dir, uri))
	if err == nil {
		return &record.Migration, record.Attempts, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, 0, err
	}

	md, err := metadata.LoadLatestMetadata(dir, uri)
	if err != nil {
		return nil, 0, err
	}
	if md == nil {
		return nil, 0, fmt.Errorf("no migration to %s recorded in %s", uri, dir)
	}
	logger.Debugf("no record for %s, using metadata of migration %s", uri, md.MigrationID)
	return md, 0, nil
}
