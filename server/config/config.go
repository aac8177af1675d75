// config.go - Relay configuration.
// Copyright (C) 2017  Yawning Angel and David Stainton.
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

// Package config provides the relay configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/sphinx"
)

const (
	defaultLogLevel                  = "NOTICE"
	defaultNIKE                      = "x25519"
	defaultRedisPrefix               = "quorumnet:"
	defaultRecordTTL                 = 3 * 60 * 60 // 3 hours, in seconds.
	defaultQuorumSize                = 5
	defaultMarginPercent             = 10
	defaultMaxChurn                  = 1
	defaultRoundTimeout              = 30 * 1000  // 30 sec.
	defaultSigningTimeout            = 120 * 1000 // 2 min.
	defaultMaxConsecutiveCoordinator = 3
	defaultManagementAddress         = "127.0.0.1:8625"
	defaultReplayFilterSize          = 28
	defaultStateDB                   = "state.db"

	// BackendMemory is the process local DHT backend, for testing.
	BackendMemory = "memory"

	// BackendRedis is the Redis DHT backend.
	BackendRedis = "redis"
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the relay server configuration.
type Server struct {
	// Identifier is the human readable identifier for the node (eg: FQDN).
	Identifier string

	// Addresses are the QUIC listener addresses that the relay will
	// advertise in its descriptor.  The first one is bound.
	Addresses []string

	// DataDir is the absolute path to the server's state files.
	DataDir string

	// IsQuorumMember specifies if the relay is a threshold quorum candidate.
	IsQuorumMember bool
}

func (sCfg *Server) validate() error {
	if sCfg.Identifier == "" {
		return errors.New("config: Server: Identifier is not set")
	}
	if len(sCfg.Addresses) == 0 {
		return errors.New("config: Server: Addresses is not set")
	}
	for _, v := range sCfg.Addresses {
		_, p, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: %v", v, err)
		}
		if _, err := strconv.ParseUint(p, 10, 16); err != nil {
			return fmt.Errorf("config: Server: Address '%v' is invalid: Must contain Port", v)
		}
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	return nil
}

// Logging is the relay logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	if lvl == "" {
		lvl = defaultLogLevel
	}
	if !log.IsValidLevel(lvl) {
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl // Force uppercase.
	return nil
}

// Sphinx is the packet format configuration.  Every relay in a network
// must use identical values.
type Sphinx struct {
	// NIKE is the per hop key exchange ("x25519" or "x448").
	NIKE string

	// KEM is the optional post quantum KEM combined with the NIKE
	// ("MLKEM768" or "XWING").
	KEM string

	// PacketLength is the fixed packet size in bytes.
	PacketLength int
}

func (sCfg *Sphinx) applyDefaults() {
	if sCfg.NIKE == "" {
		sCfg.NIKE = defaultNIKE
	}
	if sCfg.PacketLength == 0 {
		sCfg.PacketLength = sphinx.PacketLength
	}
}

// Geometry returns the packet geometry described by the section.
func (sCfg *Sphinx) Geometry() (*sphinx.Geometry, error) {
	suite, err := sphinx.NewSuite(sCfg.NIKE, sCfg.KEM)
	if err != nil {
		return nil, err
	}
	return sphinx.NewGeometry(suite, sCfg.PacketLength)
}

func (sCfg *Sphinx) validate() error {
	if _, err := sCfg.Geometry(); err != nil {
		return fmt.Errorf("config: Sphinx: %v", err)
	}
	return nil
}

// DHT is the relay directory backend configuration.
type DHT struct {
	// Backend is the DHT backend, "memory" or "redis".
	Backend string

	// RedisAddress is the host:port of the Redis server.
	RedisAddress string

	// RedisDB is the Redis logical database.
	RedisDB int

	// KeyPrefix namespaces every key stored by the relay.
	KeyPrefix string

	// RecordTTL is the lifetime of a published record in seconds.
	RecordTTL int
}

func (dCfg *DHT) applyDefaults() {
	if dCfg.Backend == "" {
		dCfg.Backend = BackendMemory
	}
	if dCfg.KeyPrefix == "" {
		dCfg.KeyPrefix = defaultRedisPrefix
	}
	if dCfg.RecordTTL == 0 {
		dCfg.RecordTTL = defaultRecordTTL
	}
}

func (dCfg *DHT) validate() error {
	switch dCfg.Backend {
	case BackendMemory:
	case BackendRedis:
		if _, _, err := net.SplitHostPort(dCfg.RedisAddress); err != nil {
			return fmt.Errorf("config: DHT: RedisAddress '%v' is invalid: %v", dCfg.RedisAddress, err)
		}
	default:
		return fmt.Errorf("config: DHT: Backend '%v' is invalid", dCfg.Backend)
	}
	if dCfg.RecordTTL < 0 {
		return fmt.Errorf("config: DHT: RecordTTL '%v' is invalid", dCfg.RecordTTL)
	}
	return nil
}

// Quorum is the threshold signing quorum configuration.
type Quorum struct {
	// Threshold is the number of members required to sign.
	Threshold int

	// Size is the target number of quorum members (K).
	Size int

	// MarginPercent is the score margin, in percent, by which a candidate
	// must exceed the lowest ranked member to displace it.
	MarginPercent float64

	// MaxChurn is the maximum number of members added per epoch.
	MaxChurn int

	// RoundTimeout is the per round ceremony timeout in milliseconds.
	RoundTimeout int

	// SigningTimeout is the overall signing request deadline in
	// milliseconds.
	SigningTimeout int

	// MaxConsecutiveCoordinator is the number of consecutive signing
	// sessions a member may coordinate before the role rotates.
	MaxConsecutiveCoordinator int

	// Reputation is the static reputation score of each candidate relay,
	// keyed by relay Identifier.
	Reputation map[string]float64
}

func (qCfg *Quorum) applyDefaults() {
	if qCfg.Size == 0 {
		qCfg.Size = defaultQuorumSize
	}
	if qCfg.Threshold == 0 {
		qCfg.Threshold = qCfg.Size/2 + 1
	}
	if qCfg.MarginPercent == 0 {
		qCfg.MarginPercent = defaultMarginPercent
	}
	if qCfg.MaxChurn == 0 {
		qCfg.MaxChurn = defaultMaxChurn
	}
	if qCfg.RoundTimeout == 0 {
		qCfg.RoundTimeout = defaultRoundTimeout
	}
	if qCfg.SigningTimeout == 0 {
		qCfg.SigningTimeout = defaultSigningTimeout
	}
	if qCfg.MaxConsecutiveCoordinator == 0 {
		qCfg.MaxConsecutiveCoordinator = defaultMaxConsecutiveCoordinator
	}
}

func (qCfg *Quorum) validate() error {
	if qCfg.Size < 2 {
		return fmt.Errorf("config: Quorum: Size '%v' is invalid", qCfg.Size)
	}
	if qCfg.Threshold < 2 || qCfg.Threshold > qCfg.Size {
		return fmt.Errorf("config: Quorum: Threshold '%v' is invalid", qCfg.Threshold)
	}
	if qCfg.MarginPercent < 0 {
		return fmt.Errorf("config: Quorum: MarginPercent '%v' is invalid", qCfg.MarginPercent)
	}
	if qCfg.MaxChurn < 0 {
		return fmt.Errorf("config: Quorum: MaxChurn '%v' is invalid", qCfg.MaxChurn)
	}
	if qCfg.RoundTimeout < 0 || qCfg.SigningTimeout < 0 {
		return errors.New("config: Quorum: timeouts must be positive")
	}
	if qCfg.SigningTimeout < qCfg.RoundTimeout {
		return fmt.Errorf("config: Quorum: SigningTimeout '%v' is shorter than RoundTimeout", qCfg.SigningTimeout)
	}
	if qCfg.MaxConsecutiveCoordinator < 1 {
		return fmt.Errorf("config: Quorum: MaxConsecutiveCoordinator '%v' is invalid", qCfg.MaxConsecutiveCoordinator)
	}
	return nil
}

// RoundTimeoutDuration returns RoundTimeout as a time.Duration.
func (qCfg *Quorum) RoundTimeoutDuration() time.Duration {
	return time.Duration(qCfg.RoundTimeout) * time.Millisecond
}

// SigningTimeoutDuration returns SigningTimeout as a time.Duration.
func (qCfg *Quorum) SigningTimeoutDuration() time.Duration {
	return time.Duration(qCfg.SigningTimeout) * time.Millisecond
}

// Management is the management HTTP interface configuration.
type Management struct {
	// Enable enables the management interface.
	Enable bool

	// Address is the host:port the interface listens on.
	Address string
}

func (mCfg *Management) applyDefaults() {
	if mCfg.Address == "" {
		mCfg.Address = defaultManagementAddress
	}
}

func (mCfg *Management) validate() error {
	if !mCfg.Enable {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Management: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Metrics is the standalone prometheus endpoint configuration.
type Metrics struct {
	// Address is the host:port to bind the metrics endpoint to.  If
	// empty, metrics are only exposed through the management interface.
	Address string

	// PyroscopeAddress, if set, is the Pyroscope server profiles are
	// pushed to.  Requires a relay built with the pyroscope tag.
	PyroscopeAddress string

	// PyroscopeApplicationName defaults to "quorumnet.relay".
	PyroscopeApplicationName string
}

func (mCfg *Metrics) validate() error {
	if mCfg.PyroscopeAddress != "" {
		if u, err := url.Parse(mCfg.PyroscopeAddress); err != nil || u.Host == "" {
			return fmt.Errorf("config: Metrics: PyroscopeAddress '%v' is not a URL", mCfg.PyroscopeAddress)
		}
	}
	if mCfg.Address == "" {
		return nil
	}
	if _, err := netip.ParseAddrPort(mCfg.Address); err != nil {
		return fmt.Errorf("config: Metrics: Address '%v' is invalid: %v", mCfg.Address, err)
	}
	return nil
}

// Debug is the relay debug configuration.
type Debug struct {
	// NumCryptoWorkers specifies the number of worker instances to use for
	// inbound packet processing.
	NumCryptoWorkers int

	// ReplayFilterSize is the replay filter size as a power of 2 in bits.
	ReplayFilterSize int

	// StaticEpoch, if non-zero, disables key rotation and pins every
	// epoch dependent operation to the given epoch.
	StaticEpoch uint64

	// GenerateOnly halts and cleans up the server right after long term
	// key generation.
	GenerateOnly bool
}

func (dCfg *Debug) applyDefaults() {
	if dCfg.NumCryptoWorkers <= 0 {
		dCfg.NumCryptoWorkers = runtime.NumCPU()
	}
	if dCfg.ReplayFilterSize <= 0 {
		dCfg.ReplayFilterSize = defaultReplayFilterSize
	}
}

// Config is the top level relay configuration.
type Config struct {
	Server     *Server
	Logging    *Logging
	Sphinx     *Sphinx
	DHT        *DHT
	Quorum     *Quorum
	Management *Management
	Metrics    *Metrics

	Debug *Debug
}

// StatePath returns the path of the checkpoint database.
func (cfg *Config) StatePath() string {
	return filepath.Join(cfg.Server.DataDir, defaultStateDB)
}

// FixupAndValidate applies defaults to config entries and validates the
// supplied configuration.  Most people should call one of the Load variants
// instead.
func (cfg *Config) FixupAndValidate() error {
	// The Server section is mandatory, everything else is optional.
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		l := defaultLogging
		cfg.Logging = &l
	}
	if cfg.Sphinx == nil {
		cfg.Sphinx = &Sphinx{}
	}
	if cfg.DHT == nil {
		cfg.DHT = &DHT{}
	}
	if cfg.Quorum == nil {
		cfg.Quorum = &Quorum{}
	}
	if cfg.Management == nil {
		cfg.Management = &Management{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}
	if cfg.Debug == nil {
		cfg.Debug = &Debug{}
	}
	cfg.Sphinx.applyDefaults()
	cfg.DHT.applyDefaults()
	cfg.Quorum.applyDefaults()
	cfg.Management.applyDefaults()
	cfg.Debug.applyDefaults()

	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	if err := cfg.Sphinx.validate(); err != nil {
		return err
	}
	if err := cfg.DHT.validate(); err != nil {
		return err
	}
	if err := cfg.Quorum.validate(); err != nil {
		return err
	}
	if err := cfg.Management.validate(); err != nil {
		return err
	}
	return cfg.Metrics.validate()
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	if b == nil {
		return nil, errors.New("No nil buffer as config file")
	}

	cfg := new(Config)
	if _, err := toml.Decode(string(b), cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFile loads, parses and validates the provided file and returns the
// Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
