// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package cryptoworker

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/server/config"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/mixkey"
	"github.com/katzenpost/quorumnet/server/internal/packet"
	"github.com/katzenpost/quorumnet/server/internal/replay"
)

const testEpoch = 100

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

type chanSink chan *packet.Packet

func (c chanSink) Halt()                           {}
func (c chanSink) DispatchPacket(p *packet.Packet) { c <- p }
func (c chanSink) OnPacket(p *packet.Packet)       { c <- p }

type testGlue struct {
	cfg       *config.Config
	backend   *log.Backend
	geo       *sphinx.Geometry
	clock     epochtime.Clock
	keys      *mixkey.Keys
	windows   *replay.Manager
	forwarded chanSink
	delivered chanSink
}

func (g *testGlue) Config() *config.Config         { return g.cfg }
func (g *testGlue) LogBackend() *log.Backend       { return g.backend }
func (g *testGlue) Geometry() *sphinx.Geometry     { return g.geo }
func (g *testGlue) Clock() epochtime.Clock         { return g.clock }
func (g *testGlue) MixKeys() glue.MixKeys          { return g.keys }
func (g *testGlue) ReplayWindows() *replay.Manager { return g.windows }
func (g *testGlue) Directory() *dht.Directory      { return nil }
func (g *testGlue) Transport() transport.Transport { return nil }
func (g *testGlue) Connector() glue.Connector      { return g.forwarded }
func (g *testGlue) Dispatcher() glue.Dispatcher    { return g.delivered }

func newTestGlue(t *testing.T) *testGlue {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	geo, err := sphinx.NewGeometry(suite, sphinx.PacketLength)
	require.NoError(err)

	g := &testGlue{
		cfg:       &config.Config{Debug: &config.Debug{}},
		backend:   backend,
		geo:       geo,
		clock:     fixedClock(epochtime.StartOf(testEpoch).Add(10 * time.Minute)),
		forwarded: make(chanSink, 4),
		delivered: make(chanSink, 4),
	}
	g.keys, err = mixkey.NewKeys(backend.GetLogger("mixkeys"), t.TempDir(), suite, testEpoch)
	require.NoError(err)
	g.windows, err = replay.NewManager(backend.GetLogger("replay"), 16, testEpoch)
	require.NoError(err)
	return g
}

func (g *testGlue) localRelay(t *testing.T) *sphinx.RelayInfo {
	k, ok := g.keys.Get(testEpoch)
	require.True(t, ok)
	defer k.Deref()
	return &sphinx.RelayInfo{
		ID:   sphinx.NodeID(hash.Sum256(k.PublicKeys().NIKE.Bytes())),
		Keys: k.PublicKeys(),
	}
}

type remoteRelay struct {
	info *sphinx.RelayInfo
	priv *sphinx.RelayPrivateKeys
}

func newRemoteRelay(t *testing.T, g *testGlue) *remoteRelay {
	pub, priv, err := g.geo.Suite().GenerateRelayKeys()
	require.NoError(t, err)
	return &remoteRelay{
		info: &sphinx.RelayInfo{ID: sphinx.NodeID(hash.Sum256(pub.NIKE.Bytes())), Keys: pub},
		priv: priv,
	}
}

func recv(t *testing.T, ch chanSink) *packet.Packet {
	select {
	case pkt := <-ch:
		return pkt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
		return nil
	}
}

func requireNothing(t *testing.T, ch chanSink) {
	select {
	case pkt := <-ch:
		t.Fatalf("unexpected packet %v", pkt)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCryptoWorkerForward(t *testing.T) {
	require := require.New(t)
	g := newTestGlue(t)
	defer g.keys.Halt()

	inCh := make(chan *packet.Packet)
	w := New(g, 0, inCh)
	defer w.Halt()

	b, c := newRemoteRelay(t, g), newRemoteRelay(t, g)
	raw, err := g.geo.NewPacket([]*sphinx.RelayInfo{g.localRelay(t), b.info, c.info}, sphinx.MessageData, []byte("hello"))
	require.NoError(err)

	pkt, err := packet.New(raw, len(raw))
	require.NoError(err)
	inCh <- pkt
	out := recv(t, g.forwarded)
	require.Equal(b.info.ID, out.NextHop)
	require.Len(out.Out, sphinx.PacketLength)

	// The replayed packet is dropped silently.
	pkt, err = packet.New(raw, len(raw))
	require.NoError(err)
	inCh <- pkt
	requireNothing(t, g.forwarded)

	// So is garbage.
	pkt, err = packet.New(make([]byte, sphinx.PacketLength), sphinx.PacketLength)
	require.NoError(err)
	inCh <- pkt
	requireNothing(t, g.forwarded)
	requireNothing(t, g.delivered)
}

func TestCryptoWorkerDeliver(t *testing.T) {
	require := require.New(t)
	g := newTestGlue(t)
	defer g.keys.Halt()

	inCh := make(chan *packet.Packet)
	w := New(g, 0, inCh)
	defer w.Halt()

	a, b := newRemoteRelay(t, g), newRemoteRelay(t, g)
	raw, err := g.geo.NewPacket([]*sphinx.RelayInfo{a.info, b.info, g.localRelay(t)}, sphinx.MessageQuorum, []byte("hello"))
	require.NoError(err)
	for _, r := range []*remoteRelay{a, b} {
		res, err := g.geo.Unwrap(r.priv, raw, nil)
		require.NoError(err)
		raw = res.Packet
	}

	pkt, err := packet.New(raw, len(raw))
	require.NoError(err)
	inCh <- pkt
	out := recv(t, g.delivered)
	require.True(out.MustTerminate)
	require.Equal(sphinx.MessageQuorum, out.MessageType)
	require.Equal([]byte("hello"), out.Message)
}

func TestCryptoWorkerDropReasonNotLogged(t *testing.T) {
	require := require.New(t)
	g := newTestGlue(t)
	defer g.keys.Halt()

	buf := new(bytes.Buffer)
	var err error
	g.backend, err = log.NewWriter(buf, "DEBUG")
	require.NoError(err)

	inCh := make(chan *packet.Packet)
	w := New(g, 0, inCh)

	b, c := newRemoteRelay(t, g), newRemoteRelay(t, g)
	raw, err := g.geo.NewPacket([]*sphinx.RelayInfo{g.localRelay(t), b.info, c.info}, sphinx.MessageData, []byte("hello"))
	require.NoError(err)
	for _, r := range [][]byte{raw, raw, make([]byte, sphinx.PacketLength)} {
		pkt, err := packet.New(r, len(r))
		require.NoError(err)
		inCh <- pkt
	}
	recv(t, g.forwarded)
	requireNothing(t, g.forwarded)
	w.Halt()

	// A replay and garbage are logged identically, without the reason.
	dropped := regexp.MustCompile(`(?m)Dropping packet: \d+$`).FindAllString(buf.String(), -1)
	require.Len(dropped, 2)
	for _, reason := range []error{sphinx.ErrReplay, sphinx.ErrNoMatch, sphinx.ErrAuth, errNoKey} {
		require.NotContains(buf.String(), reason.Error())
	}
}

func TestCandidateEpochs(t *testing.T) {
	require := require.New(t)
	g := newTestGlue(t)
	defer g.keys.Halt()

	w := &Worker{glue: g}
	require.Equal([]uint64{testEpoch}, w.candidateEpochs())

	g.clock = fixedClock(epochtime.StartOf(testEpoch).Add(KeyGracePeriod / 2))
	require.Equal([]uint64{testEpoch, testEpoch - 1}, w.candidateEpochs())

	g.cfg.Debug.StaticEpoch = 7
	require.Equal([]uint64{7}, w.candidateEpochs())
}
