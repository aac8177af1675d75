// SPDX-FileCopyrightText: Copyright (C) 2025  David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	nikepem "github.com/katzenpost/hpqc/nike/pem"
	nikeschemes "github.com/katzenpost/hpqc/nike/schemes"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	"github.com/spf13/cobra"

	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/utils"
)

var (
	errBothKeysExist = errors.New("both keys already exist")
	errOneKeyExists  = errors.New("one of the keys already exists")
)

// Config holds the command line configuration
type Config struct {
	KeyType    string
	SchemeName string
	OutName    string
}

func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "genkeypair",
		Short: "Generate PEM encoded key pairs",
		Long: `Generates a key pair and writes both halves as PEM files.

Key types:
  identity  a relay identity key, identity.private.pem and identity.public.pem
  nike      a NIKE key pair, <out>.nike_private.pem and <out>.nike_public.pem
  kem       a KEM key pair, <out>.kem_private.pem and <out>.kem_public.pem

For identity keys, --out is the relay DataDir and the relay's node id is
printed, so that operators can share it before the relay first starts.`,
		Example: `  # Pre-generate a relay identity in its data directory
  genkeypair --type identity --out /var/lib/quorumnet

  # Generate an X25519 key pair
  genkeypair --type nike --scheme x25519 --out hop

  # Generate an ML-KEM-768 key pair
  genkeypair -t kem -s MLKEM768 -o hop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, cfg)
		},
	}

	cmd.Flags().StringVarP(&cfg.KeyType, "type", "t", "identity", "key type, one of: identity, nike, kem")
	cmd.Flags().StringVarP(&cfg.SchemeName, "scheme", "s", "x25519", "name of the nike or kem scheme")
	cmd.Flags().StringVarP(&cfg.OutName, "out", "o", "out", "output key pair name, or directory for identity keys")

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

func run(cmd *cobra.Command, cfg Config) error {
	if cfg.OutName == "" {
		return errors.New("out cannot be empty")
	}
	switch cfg.KeyType {
	case "identity":
		return generateIdentity(cmd, cfg.OutName)
	case "nike":
		return generateNikeKeypair(cmd, cfg.SchemeName, cfg.OutName)
	case "kem":
		return generateKemKeypair(cmd, cfg.SchemeName, cfg.OutName)
	default:
		return fmt.Errorf("key type must be identity, nike or kem, not '%s'", cfg.KeyType)
	}
}

func checkKeyFilesExist(cmd *cobra.Command, privout, pubout string) error {
	cmd.Printf("Writing keypair to %s and %s\n", pubout, privout)

	switch {
	case utils.BothExists(privout, pubout):
		return errBothKeysExist
	case utils.BothNotExists(privout, pubout):
		return nil
	default:
		return errOneKeyExists
	}
}

func generateIdentity(cmd *cobra.Command, dir string) error {
	if err := utils.EnsureDir(dir); err != nil {
		return err
	}
	pubout := filepath.Join(dir, "identity.public.pem")
	privout := filepath.Join(dir, "identity.private.pem")
	if err := checkKeyFilesExist(cmd, privout, pubout); err != nil {
		return err
	}

	pubkey, privkey, err := pki.IdentityScheme.GenerateKey()
	if err != nil {
		return err
	}
	if err = signpem.PublicKeyToFile(pubout, pubkey); err != nil {
		return err
	}
	if err = signpem.PrivateKeyToFile(privout, privkey); err != nil {
		return err
	}

	raw, err := pubkey.MarshalBinary()
	if err != nil {
		return err
	}
	cmd.Printf("Node id: %s\n", pki.IDFromIdentityKey(raw))
	return nil
}

func generateNikeKeypair(cmd *cobra.Command, schemeName, outName string) error {
	scheme := nikeschemes.ByName(schemeName)
	if scheme == nil {
		return fmt.Errorf("unknown nike scheme '%s'", schemeName)
	}
	pubout := fmt.Sprintf("%s.nike_public.pem", outName)
	privout := fmt.Sprintf("%s.nike_private.pem", outName)
	if err := checkKeyFilesExist(cmd, privout, pubout); err != nil {
		return err
	}

	pubkey, privkey, err := scheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err = nikepem.PublicKeyToFile(pubout, pubkey, scheme); err != nil {
		return err
	}
	return nikepem.PrivateKeyToFile(privout, privkey, scheme)
}

func generateKemKeypair(cmd *cobra.Command, schemeName, outName string) error {
	scheme := kemschemes.ByName(schemeName)
	if scheme == nil {
		return fmt.Errorf("unknown kem scheme '%s'", schemeName)
	}
	pubout := fmt.Sprintf("%s.kem_public.pem", outName)
	privout := fmt.Sprintf("%s.kem_private.pem", outName)
	if err := checkKeyFilesExist(cmd, privout, pubout); err != nil {
		return err
	}

	pubkey, privkey, err := scheme.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err = kempem.PublicKeyToFile(pubout, pubkey); err != nil {
		return err
	}
	return kempem.PrivateKeyToFile(privout, privkey)
}
