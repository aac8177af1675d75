// server.go - Quorumnet relay server.
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

// Package server provides the Quorumnet relay server.
package server

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/hpqc/sign"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	"github.com/redis/go-redis/v9"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/client"
	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/state"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/core/utils"
	"github.com/katzenpost/quorumnet/quorum"
	"github.com/katzenpost/quorumnet/quorum/dkg"
	"github.com/katzenpost/quorumnet/quorum/membership"
	"github.com/katzenpost/quorumnet/server/config"
	"github.com/katzenpost/quorumnet/server/internal/cryptoworker"
	"github.com/katzenpost/quorumnet/server/internal/incoming"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/management"
	"github.com/katzenpost/quorumnet/server/internal/mixkey"
	"github.com/katzenpost/quorumnet/server/internal/outgoing"
	"github.com/katzenpost/quorumnet/server/internal/packet"
	"github.com/katzenpost/quorumnet/server/internal/profiling"
	"github.com/katzenpost/quorumnet/server/internal/replay"
)

const (
	identityPrivateKeyFile = "identity.private.pem"
	identityPublicKeyFile  = "identity.public.pem"

	inboundQueueSize = 1024
	restoreTimeout   = time.Minute
)

// ErrGenerateOnly is the error returned when the server initialization
// terminates due to the `GenerateOnly` debug config option.
var ErrGenerateOnly = errors.New("server: GenerateOnly set")

// Server is a Quorumnet relay instance.
type Server struct {
	cfg   *config.Config
	geo   *sphinx.Geometry
	clock epochtime.Clock

	identityKey       sign.PrivateKey
	identityPublicKey sign.PublicKey
	nodeID            sphinx.NodeID

	logBackend *log.Backend
	log        *logging.Logger

	inboundPackets chan *packet.Packet

	store         *state.BoltStore
	dht           dht.DHT
	directory     *dht.Directory
	transport     transport.Transport
	mixKeys       *mixkey.Keys
	replay        *replay.Manager
	cryptoWorkers []*cryptoworker.Worker
	listener      *incoming.Listener
	connector     *outgoing.Connector
	client        *client.Manager
	quorum        *quorum.Coordinator
	periodic      *periodicTimer
	management    *management.Server
	metrics       *management.Server
	profiler      profiling.Stopper

	membership atomic.Pointer[membership.Set]

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	if err := utils.EnsureDir(s.cfg.Server.DataDir); err != nil {
		return fmt.Errorf("server: %v", err)
	}
	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// initIdentity loads the identity key pair, generating and persisting one
// on first start.
func (s *Server) initIdentity() error {
	privFile := filepath.Join(s.cfg.Server.DataDir, identityPrivateKeyFile)
	pubFile := filepath.Join(s.cfg.Server.DataDir, identityPublicKeyFile)

	var err error
	switch {
	case utils.BothExists(privFile, pubFile):
		if s.identityKey, err = signpem.FromPrivatePEMFile(privFile, pki.IdentityScheme); err != nil {
			return err
		}
		if s.identityPublicKey, err = signpem.FromPublicPEMFile(pubFile, pki.IdentityScheme); err != nil {
			return err
		}
	case utils.BothNotExists(privFile, pubFile):
		if s.identityPublicKey, s.identityKey, err = pki.IdentityScheme.GenerateKey(); err != nil {
			return err
		}
		if err = signpem.PrivateKeyToFile(privFile, s.identityKey); err != nil {
			return err
		}
		if err = signpem.PublicKeyToFile(pubFile, s.identityPublicKey); err != nil {
			return err
		}
	default:
		return fmt.Errorf("server: only one of '%v' and '%v' exists", privFile, pubFile)
	}

	raw, err := s.identityPublicKey.MarshalBinary()
	if err != nil {
		return err
	}
	s.nodeID = pki.IDFromIdentityKey(raw)
	return nil
}

func (s *Server) initDHT() {
	switch s.cfg.DHT.Backend {
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr: s.cfg.DHT.RedisAddress,
			DB:   s.cfg.DHT.RedisDB,
		})
		ttl := time.Duration(s.cfg.DHT.RecordTTL) * time.Second
		s.dht = dht.NewRedisDHT(rdb, s.cfg.DHT.KeyPrefix, ttl)
	default:
		s.log.Warning("Using the process local DHT, this relay can not reach any other.")
		s.dht = dht.NewMemoryDHT()
	}
	s.directory = dht.NewDirectory(s.dht)
}

func (s *Server) initQuorum() error {
	qCfg := s.cfg.Quorum
	var err error
	s.quorum, err = quorum.New(&quorum.Config{
		Identity:          s.identityKey,
		IdentityPublicKey: s.identityPublicKey,
		Transport: quorum.TransportFunc(func(ctx context.Context, to sphinx.NodeID, payload []byte) error {
			return s.client.SendTo(ctx, to, sphinx.MessageQuorum, payload)
		}),
		LogBackend:                s.logBackend,
		Store:                     s.store,
		Clock:                     s.clock,
		Threshold:                 qCfg.Threshold,
		RoundTimeout:              qCfg.RoundTimeoutDuration(),
		SigningTimeout:            qCfg.SigningTimeoutDuration(),
		MaxConsecutiveCoordinator: qCfg.MaxConsecutiveCoordinator,
		Hooks: quorum.Hooks{
			CeremonyStarted:   func(k dkg.Kind) { instrument.Ceremony(k.String(), "started") },
			CeremonyCompleted: func(k dkg.Kind) { instrument.Ceremony(k.String(), "completed") },
			CeremonyAborted:   func(k dkg.Kind) { instrument.Ceremony(k.String(), "aborted") },
			SignatureProduced: func() { instrument.Signature("coordinated") },
		},
	})
	if err != nil {
		return err
	}
	if err = s.client.OnDeliver(sphinx.MessageQuorum, s.quorum.HandleMessage); err != nil {
		return err
	}
	return s.restoreMembership()
}

func (s *Server) reshadowCryptoWorkers() {
	s.log.Debugf("Calling all crypto workers to re-shadow the mix keys.")
	for _, w := range s.cryptoWorkers {
		w.UpdateMixKeys()
	}
}

// epoch returns the current epoch, or the pinned one if StaticEpoch is set.
func (s *Server) epoch() uint64 {
	if e := s.cfg.Debug.StaticEpoch; e != 0 {
		return e
	}
	e, _, _ := epochtime.NowFrom(s.clock)
	return e
}

// IdentityKey returns the running server's identity public key.
func (s *Server) IdentityKey() sign.PublicKey {
	return s.identityPublicKey
}

// NodeID returns the running server's node identifier.
func (s *Server) NodeID() sphinx.NodeID {
	return s.nodeID
}

// Client returns the server's circuit manager, which applications use to
// send and receive messages over the network.
func (s *Server) Client() *client.Manager {
	return s.client
}

// Quorum returns the server's threshold coordinator, or nil if the relay
// is not a quorum candidate.
func (s *Server) Quorum() *quorum.Coordinator {
	return s.quorum
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	if err := s.logBackend.Rotate(); err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
	}
	s.log.Notice("Log rotated.")
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

func (s *Server) halt() {
	// WARNING: The ordering of operations here is deliberate, and should not
	// be altered without a deep understanding of how all the components fit
	// together.

	s.log.Noticef("Starting graceful shutdown.")

	// Stop the 1 Hz periodic utility timer, and with it any membership
	// refresh in progress.
	if s.periodic != nil {
		s.periodic.halt()
		s.periodic = nil
	}

	// Stop the management and metrics interfaces.
	if s.management != nil {
		s.management.Halt()
		s.management = nil
	}
	if s.metrics != nil {
		s.metrics.Halt()
		s.metrics = nil
	}
	if s.profiler != nil {
		if err := s.profiler.Stop(); err != nil {
			s.log.Warningf("Failed to stop profiling: %v", err)
		}
		s.profiler = nil
	}

	// Stop the listener, no more packets enter the inbound queue.
	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}

	// Stop the threshold coordinator before the circuits it sends over.
	if s.quorum != nil {
		s.quorum.Halt()
		s.quorum = nil
	}
	if s.client != nil {
		s.client.Halt()
		// Don't nil this out till after the crypto workers are torn down.
	}

	// Stop the Sphinx workers.
	for i, w := range s.cryptoWorkers {
		if w != nil {
			w.Halt()
			s.cryptoWorkers[i] = nil
		}
	}
	s.client = nil // The dispatcher calls into the client.

	// Close all outgoing connections.
	if s.connector != nil {
		s.connector.Halt()
		s.connector = nil
	}

	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.log.Warningf("Failed to close transport: %v", err)
		}
		s.transport = nil
	}
	if s.dht != nil {
		if err := s.dht.Close(); err != nil {
			s.log.Warningf("Failed to close DHT: %v", err)
		}
		s.dht = nil
	}

	// Flush and close the mix keys.
	if s.mixKeys != nil {
		s.mixKeys.Halt()
		s.mixKeys = nil
	}

	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warningf("Failed to close state store: %v", err)
		}
		s.store = nil
	}

	// Clean up the top level components.
	if s.inboundPackets != nil {
		for len(s.inboundPackets) > 0 {
			(<-s.inboundPackets).Dispose()
		}
	}
	close(s.fatalErrCh)

	s.log.Noticef("Shutdown complete.")
	close(s.haltedCh)
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.clock = epochtime.WallClock
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	s.log.Notice("Quorumnet is still pre-alpha.  DO NOT DEPEND ON IT FOR STRONG SECURITY OR ANONYMITY.")
	if s.cfg.Debug.StaticEpoch != 0 {
		s.log.Warningf("StaticEpoch is set, hop keys will never rotate.")
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}
	s.log.Noticef("Server identifier is: '%v'", s.cfg.Server.Identifier)

	var err error
	if s.geo, err = s.cfg.Sphinx.Geometry(); err != nil {
		s.log.Errorf("Invalid packet geometry: %v", err)
		return nil, err
	}
	s.log.Noticef("Packet geometry: %v", s.geo)

	// Initialize the server identity key.
	if err = s.initIdentity(); err != nil {
		s.log.Errorf("Failed to initialize identity: %v", err)
		return nil, err
	}
	s.log.Noticef("Server node id is: %v", s.nodeID)

	if s.cfg.Debug.GenerateOnly {
		return nil, ErrGenerateOnly
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		// Something failed in bringing the server up, past the point where
		// files are open etc, clean up the partially constructed instance.
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			// Graceful termination.
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	if s.profiler, err = profiling.Start(&profiling.Config{
		ServerAddress:   s.cfg.Metrics.PyroscopeAddress,
		ApplicationName: s.cfg.Metrics.PyroscopeApplicationName,
		Identifier:      s.cfg.Server.Identifier,
		QuorumMember:    s.cfg.Server.IsQuorumMember,
	}, s.logBackend.GetLogger("profiling")); err != nil {
		s.log.Errorf("Failed to start profiling: %v", err)
		return nil, err
	}
	instrument.Init()

	if s.store, err = state.OpenBoltStore(s.cfg.StatePath()); err != nil {
		s.log.Errorf("Failed to open state store: %v", err)
		return nil, err
	}

	// Load and or generate mix keys.
	epoch := s.epoch()
	if s.mixKeys, err = mixkey.NewKeys(s.logBackend.GetLogger("mixkeys"), s.cfg.Server.DataDir, s.geo.Suite(), epoch); err != nil {
		s.log.Errorf("Failed to initialize mix keys: %v", err)
		return nil, err
	}
	if s.replay, err = replay.NewManager(s.logBackend.GetLogger("replay"), s.cfg.Debug.ReplayFilterSize, epoch); err != nil {
		s.log.Errorf("Failed to initialize replay filter: %v", err)
		return nil, err
	}

	s.initDHT()
	if s.transport, err = transport.NewQUIC(s.cfg.Server.Addresses[0], s.geo.PacketLength, s.logBackend.GetLogger("transport")); err != nil {
		s.log.Errorf("Failed to bind transport: %v", err)
		return nil, err
	}

	// Bring up the circuit manager, and the threshold coordinator that
	// sends over it.
	s.client, err = client.New(&client.Config{
		Geometry:   s.geo,
		Directory:  s.directory,
		Sender:     s.transport,
		LogBackend: s.logBackend,
		Store:      s.store,
		Clock:      s.clock,
		Self:       s.nodeID,
		OnRotate:   func(_, _ *client.Circuit) { instrument.CircuitRotated() },
	})
	if err != nil {
		s.log.Errorf("Failed to initialize circuit manager: %v", err)
		return nil, err
	}
	if s.cfg.Server.IsQuorumMember {
		if err = s.initQuorum(); err != nil {
			s.log.Errorf("Failed to initialize threshold coordinator: %v", err)
			return nil, err
		}
	}

	// Initialize and start the Sphinx workers, and the outgoing connection
	// manager they forward through.
	g := &serverGlue{s: s}
	s.inboundPackets = make(chan *packet.Packet, inboundQueueSize)
	s.connector = outgoing.New(g)
	s.cryptoWorkers = make([]*cryptoworker.Worker, 0, s.cfg.Debug.NumCryptoWorkers)
	for i := 0; i < s.cfg.Debug.NumCryptoWorkers; i++ {
		w := cryptoworker.New(g, i, s.inboundPackets)
		s.cryptoWorkers = append(s.cryptoWorkers, w)
	}

	// Bring the listener online.
	s.listener = incoming.New(g, s.inboundPackets)

	// Circuits are restored once the relay can carry traffic.
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	n, err := s.client.Restore(ctx)
	cancel()
	if err != nil {
		s.log.Warningf("Failed to restore circuits: %v", err)
	} else if n > 0 {
		s.log.Noticef("Restored %d circuits.", n)
	}

	if s.cfg.Management.Enable {
		s.management, err = management.New(&management.Config{
			Address:    s.cfg.Management.Address,
			Backend:    s,
			Metrics:    instrument.Handler(),
			LogBackend: s.logBackend,
		})
		if err != nil {
			s.log.Errorf("Failed to initialize management interface: %v", err)
			return nil, err
		}
	}
	if s.cfg.Metrics.Address != "" {
		s.metrics, err = management.New(&management.Config{
			Address:    s.cfg.Metrics.Address,
			Metrics:    instrument.Handler(),
			LogBackend: s.logBackend,
		})
		if err != nil {
			s.log.Errorf("Failed to initialize metrics endpoint: %v", err)
			return nil, err
		}
	}

	// Start the periodic 1 Hz utility timer, which publishes the descriptor
	// and maintains the quorum.
	s.periodic = newPeriodicTimer(s)

	isOk = true
	return s, nil
}
