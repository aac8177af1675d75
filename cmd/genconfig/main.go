// SPDX-FileCopyrightText: Copyright (C) 2022  Yawning Angel, David Stainton, Masala
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/quorumnet/core/genconfig"
)

func newRootCommand() *cobra.Command {
	cfg := new(genconfig.Config)

	cmd := &cobra.Command{
		Use:   "genconfig",
		Short: "Generate a Quorumnet test network",
		Long: `Generates the configuration of a local Quorumnet test network: one
directory per relay holding its relay.toml and identity key, a prometheus
scrape configuration, and a docker compose file that runs a Redis directory
next to the relays.

Identity keys already present in the output directory are reused, so the
command can be run again to change the configuration without changing node
ids.`,
		Example: `  # Five relays, four quorum candidates, 3 member quorum with threshold 2
  genconfig -o ./testnet

  # A post quantum network of ten relays
  genconfig -n 10 -c 7 -k 5 -t 3 --kem XWING -o ./pq_net`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.LogWriter = cmd.ErrOrStderr()
			n, err := genconfig.Generate(cfg)
			if err != nil {
				return err
			}
			return n.WriteFiles()
		},
	}

	cmd.Flags().IntVarP(&cfg.NrRelays, "relays", "n", 5, "number of relays")
	cmd.Flags().IntVarP(&cfg.NrCandidates, "candidates", "c", 4, "number of quorum candidates")
	cmd.Flags().IntVarP(&cfg.QuorumSize, "quorum", "k", 3, "quorum size")
	cmd.Flags().IntVarP(&cfg.Threshold, "threshold", "t", 2, "signing threshold")
	cmd.Flags().StringVar(&cfg.NIKE, "nike", "x25519", "per hop NIKE")
	cmd.Flags().StringVar(&cfg.KEM, "kem", "", "optional per hop KEM")
	cmd.Flags().StringVarP(&cfg.BaseDir, "base-dir", "b", "/conf", "path the output directory is mounted at")
	cmd.Flags().StringVarP(&cfg.OutDir, "out", "o", "", "output directory")
	cmd.Flags().StringVar(&cfg.BindAddr, "addr", "127.0.0.1", "address relays bind to")
	cmd.Flags().IntVarP(&cfg.BasePort, "port", "P", 30000, "first relay port")
	cmd.Flags().StringVar(&cfg.RedisAddress, "redis", "127.0.0.1:6379", "address of the Redis directory")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "DEBUG", "relay log level")
	cmd.Flags().StringVarP(&cfg.DockerImage, "docker-image", "d", "quorumnet/relay", "docker image for compose")
	cmd.Flags().StringVar(&cfg.BinSuffix, "bin-suffix", "", "suffix for binaries in the compose file")
	cmd.MarkFlagRequired("out")

	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}
