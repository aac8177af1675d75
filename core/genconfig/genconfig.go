// SPDX-FileCopyrightText: Copyright (C) 2022  Yawning Angel, David Stainton, Masala
// SPDX-License-Identifier: AGPL-3.0-only

// Package genconfig generates the configuration of a local Quorumnet test
// network.
package genconfig

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"

	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/utils"
	"github.com/katzenpost/quorumnet/server/config"
)

const (
	identityPublicKeyFile  = "identity.public.pem"
	identityPrivateKeyFile = "identity.private.pem"
	relayConfigFile        = "relay.toml"
	relayLogFile           = "relay.log"
	relayNameFormat        = "relay%d"
	writingLogFormat       = "writing %s"

	metricsPortOffset    = 1000
	managementPortOffset = 2000
)

// Config is the shape of the generated network.
type Config struct {
	// NrRelays is the number of relays.
	NrRelays int

	// NrCandidates is the number of relays that are quorum candidates.
	NrCandidates int

	// QuorumSize and Threshold configure the quorum.
	QuorumSize int
	Threshold  int

	// NIKE and KEM select the packet suite.
	NIKE string
	KEM  string

	// BaseDir is where OutDir is mounted when the network runs, and so the
	// prefix of every DataDir.
	BaseDir string

	// OutDir is where the files are written.
	OutDir string

	BindAddr     string
	BasePort     int
	RedisAddress string
	LogLevel     string

	// DockerImage and BinSuffix are used by the compose file.
	DockerImage string
	BinSuffix   string

	// LogWriter receives progress output, defaults to os.Stderr.
	LogWriter io.Writer
}

func (cfg *Config) validate() error {
	switch {
	case cfg.NrRelays < sphinx.NrHops+1:
		return fmt.Errorf("genconfig: need at least %d relays", sphinx.NrHops+1)
	case cfg.NrCandidates < cfg.QuorumSize || cfg.NrCandidates > cfg.NrRelays:
		return fmt.Errorf("genconfig: %d candidates can not fill a quorum of %d from %d relays", cfg.NrCandidates, cfg.QuorumSize, cfg.NrRelays)
	case cfg.Threshold < 2 || cfg.Threshold > cfg.QuorumSize:
		return fmt.Errorf("genconfig: threshold %d is invalid for a quorum of %d", cfg.Threshold, cfg.QuorumSize)
	case cfg.BaseDir == "" || cfg.OutDir == "":
		return errors.New("genconfig: BaseDir and OutDir must be set")
	case !filepath.IsAbs(cfg.BaseDir):
		return fmt.Errorf("genconfig: BaseDir '%v' is not an absolute path", cfg.BaseDir)
	case cfg.BasePort <= 0 || cfg.BasePort+managementPortOffset+cfg.NrRelays > 65535:
		return fmt.Errorf("genconfig: BasePort %d is invalid", cfg.BasePort)
	}
	return nil
}

// Network is a generated network.
type Network struct {
	cfg *Config
	log *log.Logger

	relays  []*config.Config
	nodeIDs []sphinx.NodeID
}

// Relays returns the relay configurations.
func (n *Network) Relays() []*config.Config {
	return n.relays
}

// NodeIDs returns the relay node ids, in the same order as Relays.
func (n *Network) NodeIDs() []sphinx.NodeID {
	return n.nodeIDs
}

// Generate builds the relay configurations and makes sure every relay has
// an identity key in OutDir.  Existing identity keys are kept.
func Generate(cfg *Config) (*Network, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	w := cfg.LogWriter
	if w == nil {
		w = os.Stderr
	}
	n := &Network{
		cfg: cfg,
		log: log.New(w, "", 0),
	}
	if err := utils.EnsureDir(cfg.OutDir); err != nil {
		return nil, err
	}

	reputation := make(map[string]float64, cfg.NrCandidates)
	for i := 0; i < cfg.NrCandidates; i++ {
		reputation[fmt.Sprintf(relayNameFormat, i+1)] = 1.0
	}
	for i := 0; i < cfg.NrRelays; i++ {
		rCfg := n.relayConfig(i, reputation)
		if err := rCfg.FixupAndValidate(); err != nil {
			return nil, fmt.Errorf("genconfig: %s: %w", rCfg.Server.Identifier, err)
		}
		id, err := n.identity(rCfg.Server.Identifier)
		if err != nil {
			return nil, err
		}
		n.relays = append(n.relays, rCfg)
		n.nodeIDs = append(n.nodeIDs, id)
	}
	return n, nil
}

func (n *Network) relayConfig(i int, reputation map[string]float64) *config.Config {
	name := fmt.Sprintf(relayNameFormat, i+1)
	return &config.Config{
		Server: &config.Server{
			Identifier:     name,
			Addresses:      []string{fmt.Sprintf("%s:%d", n.cfg.BindAddr, n.cfg.BasePort+i)},
			DataDir:        filepath.Join(n.cfg.BaseDir, name),
			IsQuorumMember: i < n.cfg.NrCandidates,
		},
		Logging: &config.Logging{
			File:  relayLogFile,
			Level: n.cfg.LogLevel,
		},
		Sphinx: &config.Sphinx{
			NIKE: n.cfg.NIKE,
			KEM:  n.cfg.KEM,
		},
		DHT: &config.DHT{
			Backend:      config.BackendRedis,
			RedisAddress: n.cfg.RedisAddress,
		},
		Quorum: &config.Quorum{
			Size:       n.cfg.QuorumSize,
			Threshold:  n.cfg.Threshold,
			Reputation: reputation,
		},
		Management: &config.Management{
			Enable:  true,
			Address: fmt.Sprintf("%s:%d", n.cfg.BindAddr, n.cfg.BasePort+managementPortOffset+i),
		},
		Metrics: &config.Metrics{
			Address: fmt.Sprintf("%s:%d", n.cfg.BindAddr, n.cfg.BasePort+metricsPortOffset+i),
		},
		Debug: &config.Debug{},
	}
}

func (n *Network) identity(name string) (sphinx.NodeID, error) {
	dir := filepath.Join(n.cfg.OutDir, name)
	if err := utils.EnsureDir(dir); err != nil {
		return sphinx.NodeID{}, err
	}
	priv := filepath.Join(dir, identityPrivateKeyFile)
	public := filepath.Join(dir, identityPublicKeyFile)

	var pubKey sign.PublicKey
	var err error
	switch {
	case utils.BothExists(priv, public):
		if pubKey, err = signpem.FromPublicPEMFile(public, pki.IdentityScheme); err != nil {
			return sphinx.NodeID{}, err
		}
	case utils.BothNotExists(priv, public):
		var privKey sign.PrivateKey
		if pubKey, privKey, err = pki.IdentityScheme.GenerateKey(); err != nil {
			return sphinx.NodeID{}, err
		}
		n.log.Printf(writingLogFormat, priv)
		if err = signpem.PrivateKeyToFile(priv, privKey); err != nil {
			return sphinx.NodeID{}, err
		}
		n.log.Printf(writingLogFormat, public)
		if err = signpem.PublicKeyToFile(public, pubKey); err != nil {
			return sphinx.NodeID{}, err
		}
	default:
		return sphinx.NodeID{}, fmt.Errorf("genconfig: only one of '%v' and '%v' exists", priv, public)
	}

	raw, err := pubKey.MarshalBinary()
	if err != nil {
		return sphinx.NodeID{}, err
	}
	return pki.IDFromIdentityKey(raw), nil
}

// WriteFiles writes every relay configuration, the prometheus scrape
// configuration and the compose file to OutDir.
func (n *Network) WriteFiles() error {
	for _, rCfg := range n.relays {
		if err := n.saveCfg(rCfg); err != nil {
			return err
		}
	}
	if err := n.genPrometheus(); err != nil {
		return err
	}
	return n.genDockerCompose()
}

func (n *Network) saveCfg(rCfg *config.Config) error {
	fileName := filepath.Join(n.cfg.OutDir, rCfg.Server.Identifier, relayConfigFile)
	n.log.Printf(writingLogFormat, fileName)
	f, err := os.Create(fileName)
	if err != nil {
		return fmt.Errorf("os.Create(%s) failed: %s", fileName, err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(rCfg)
}

func write(f io.Writer, str string, args ...interface{}) error {
	_, err := fmt.Fprintf(f, str, args...)
	return err
}

func (n *Network) create(name string) (*os.File, error) {
	dest := filepath.Join(n.cfg.OutDir, name)
	n.log.Printf(writingLogFormat, dest)
	return os.Create(dest)
}

func (n *Network) genPrometheus() error {
	f, err := n.create("prometheus.yml")
	if err != nil {
		return err
	}
	defer f.Close()

	if err = write(f, `
scrape_configs:
- job_name: quorumnet
  scrape_interval: 1s
  static_configs:
  - targets:
`); err != nil {
		return err
	}
	for _, rCfg := range n.relays {
		if err = write(f, "    - %s\n", rCfg.Metrics.Address); err != nil {
			return err
		}
	}
	return nil
}

func (n *Network) genDockerCompose() error {
	f, err := n.create("docker-compose.yml")
	if err != nil {
		return err
	}
	defer f.Close()

	_, redisPort, err := net.SplitHostPort(n.cfg.RedisAddress)
	if err != nil {
		return err
	}
	if err = write(f, `
services:

  redis:
    restart: "no"
    image: docker.io/library/redis:7
    command: redis-server --port %s --save ""
    network_mode: host
`, redisPort); err != nil {
		return err
	}

	for _, rCfg := range n.relays {
		name := rCfg.Server.Identifier
		if err = write(f, `
  %s:
    restart: "no"
    image: %s
    volumes:
      - ./:%s
    command: %s/server%s -f %s/%s/%s
    network_mode: host
    depends_on:
      - redis
`, name, n.cfg.DockerImage, n.cfg.BaseDir, n.cfg.BaseDir, n.cfg.BinSuffix, n.cfg.BaseDir, name, relayConfigFile); err != nil {
			return err
		}
	}

	return write(f, `
  metrics:
    restart: "no"
    image: docker.io/prom/prometheus
    volumes:
      - ./:%s
    command: --config.file="%s/prometheus.yml"
    network_mode: host
`, n.cfg.BaseDir, n.cfg.BaseDir)
}
