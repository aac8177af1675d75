// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package outgoing

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

type testGlue struct {
	glue.Glue

	backend *log.Backend
	dir     *dht.Directory
	tr      transport.Transport
}

func (g *testGlue) LogBackend() *log.Backend       { return g.backend }
func (g *testGlue) Clock() epochtime.Clock         { return epochtime.WallClock }
func (g *testGlue) Directory() *dht.Directory      { return g.dir }
func (g *testGlue) Transport() transport.Transport { return g.tr }

func publishPeer(t *testing.T, dir *dht.Directory, addr string) sphinx.NodeID {
	require := require.New(t)

	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	hopPub, _, err := suite.GenerateRelayKeys()
	require.NoError(err)
	idPub, idPriv, err := pki.IdentityScheme.GenerateKey()
	require.NoError(err)

	desc := &pki.RelayDescriptor{
		Name:      "peer",
		Suite:     suite.String(),
		NIKEKey:   hopPub.NIKE.Bytes(),
		Addresses: []string{addr},
	}
	desc.IdentityKey, err = idPub.MarshalBinary()
	require.NoError(err)
	require.NoError(dir.Publish(context.Background(), idPriv, desc))
	return desc.ID()
}

func forwardPacket(t *testing.T, next sphinx.NodeID, fill byte) *packet.Packet {
	raw := make([]byte, sphinx.PacketLength)
	pkt, err := packet.New(raw, len(raw))
	require.NoError(t, err)
	pkt.Set(&sphinx.Result{NextHop: next, Packet: bytes.Repeat([]byte{fill}, sphinx.PacketLength)})
	return pkt
}

func TestConnector(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	hub := transport.NewHub()
	local := hub.Listen("127.0.0.1:4000", sphinx.PacketLength)
	peer := hub.Listen("127.0.0.1:4001", sphinx.PacketLength)
	defer local.Close()
	defer peer.Close()

	dir := dht.NewDirectory(dht.NewMemoryDHT())
	peerID := publishPeer(t, dir, "127.0.0.1:4001")

	co := New(&testGlue{backend: backend, dir: dir, tr: local})
	defer co.Halt()

	co.DispatchPacket(forwardPacket(t, peerID, 0x42))
	select {
	case got := <-peer.Packets():
		require.Equal(bytes.Repeat([]byte{0x42}, sphinx.PacketLength), got)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for forwarded packet")
	}

	// An unknown next hop is dropped.
	co.DispatchPacket(forwardPacket(t, sphinx.NodeID{0xff}, 0x43))
	select {
	case got := <-peer.Packets():
		t.Fatalf("unexpected packet: %x", got[:8])
	case <-time.After(200 * time.Millisecond):
	}

	co.RLock()
	require.Len(co.conns, 2)
	co.RUnlock()
}
