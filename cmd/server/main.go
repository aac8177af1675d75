// main.go - Quorumnet relay binary.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/quorumnet/core/compat"
	"github.com/katzenpost/quorumnet/server"
	"github.com/katzenpost/quorumnet/server/config"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	GenOnly    bool
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Quorumnet relay",
		Long: `The Quorumnet relay forwards onion routed packets between peers found in a
shared distributed hash table, and optionally takes part in the threshold
signing quorum.

Every epoch the relay generates fresh hop keys, publishes a signed relay
descriptor to the directory, and rotates its replay filter.  Quorum members
additionally recompute the quorum membership from the reputation feed, run
distributed key generation or resharing when the membership changes, and
answer signing requests with FROST signature shares.

All quorum traffic between members travels over onion circuits built from
the directory, so members never learn each other's network addresses.

The relay is designed to run as a long-lived daemon process.  The optional
management interface exposes status, membership and signing over HTTP.`,
		Example: `  # Start the relay with the default configuration file
  server

  # Start the relay with a custom configuration file
  server --config /etc/quorumnet/relay.toml

  # Generate the identity key and exit
  server -f /etc/quorumnet/relay.toml --generate-only`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "quorumnet.toml",
		"path to the relay configuration file (TOML format)")
	cmd.Flags().BoolVarP(&cfg.GenOnly, "generate-only", "g", false,
		"generate the identity key and exit without starting the relay")

	return cmd
}

func main() {
	rootCmd := newRootCommand()
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(cfg Config) error {
	// Set the umask to something "paranoid".
	compat.Umask(0077)

	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	serverCfg, err := config.LoadFile(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
	}
	if cfg.GenOnly {
		serverCfg.Debug.GenerateOnly = true
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(serverCfg)
	if err != nil {
		if errors.Is(err, server.ErrGenerateOnly) {
			return nil
		}
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	// Halt the relay gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	// Rotate the log on every SIGHUP.
	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}
