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
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/juju/loggo/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/sirseerhq/sirseer-migrate/internal/config"
	migerrors "github.com/sirseerhq/sirseer-migrate/internal/errors"
)

var version = "dev"

var logger = loggo.GetLogger("sirseer.migrate.cli")

var errInvalidConfig = errors.New("invalid configuration")

// globalOptions are the flags shared by every command.
type globalOptions struct {
	configPath string
	logSpec    string
}

// loadConfig loads the configuration for target and applies the logging
// settings.
func (g *globalOptions) loadConfig(target string) (*config.Config, error) {
	cfg, err := config.LoadConfigForTarget(g.configPath, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errInvalidConfig, err)
	}
	if g.logSpec != "" {
		cfg.Logging.Level = g.logSpec
	}
	if err := loggo.ConfigureLoggers(cfg.Logging.Level); err != nil {
		return nil, fmt.Errorf("%w: logging: %w", errInvalidConfig, err)
	}
	return cfg, nil
}

func newRootCommand() *cobra.Command {
	g := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "sirseer-migrate",
		Short: "Live-migrate guest state between hosts",
		Long: `SirSeer Migrate streams guest state to a destination without blocking
the sender, under a bandwidth cap, and restores it on the receiving side.

Targets are URIs: tcp:host:port, quic:host:port, exec:<shell command> or
fd:<number>.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Config file (default: .sirseer-migrate.yaml or ~/.sirseer/migrate.yaml)")
	rootCmd.PersistentFlags().StringVar(&g.logSpec, "log", "", "Logging configuration, e.g. \"<root>=INFO\"")

	rootCmd.AddCommand(newSendCommand(g))
	rootCmd.AddCommand(newReceiveCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))
	return rootCmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(mapErrorToExitCode(err))
	}
}

// mapErrorToExitCode maps internal errors to appropriate exit codes
func mapErrorToExitCode(err error) int {
	if err == nil {
		return 0
	}

	if errors.Is(err, migerrors.ErrCancelled) {
		return 4
	}

	if errors.Is(err, errInvalidConfig) ||
		errors.Is(err, migerrors.ErrInvalidTarget) ||
		errors.Is(err, migerrors.ErrInProgress) {
		return 2
	}

	if errors.Is(err, migerrors.ErrTransport) ||
		errors.Is(err, migerrors.ErrHelperExit) ||
		errors.Is(err, migerrors.ErrCloseTimeout) ||
		errors.Is(err, migerrors.ErrCorruptImage) {
		return 3
	}

	return 1
}
