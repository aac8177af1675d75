// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

type testGlue struct {
	glue.Glue

	backend *log.Backend
	geo     *sphinx.Geometry
	tr      transport.Transport
}

func (g *testGlue) LogBackend() *log.Backend       { return g.backend }
func (g *testGlue) Geometry() *sphinx.Geometry     { return g.geo }
func (g *testGlue) Transport() transport.Transport { return g.tr }

func TestListener(t *testing.T) {
	require := require.New(t)

	backend, err := log.New("", "DEBUG", true)
	require.NoError(err)
	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	geo, err := sphinx.NewGeometry(suite, sphinx.PacketLength)
	require.NoError(err)

	hub := transport.NewHub()
	local := hub.Listen("local", sphinx.PacketLength)
	remote := hub.Listen("remote", sphinx.PacketLength)
	defer remote.Close()

	ch := make(chan *packet.Packet, 1)
	l := New(&testGlue{backend: backend, geo: geo, tr: local}, ch)

	raw := bytes.Repeat([]byte{0x17}, sphinx.PacketLength)
	require.NoError(remote.Send(context.Background(), "local", raw))
	select {
	case pkt := <-ch:
		require.Equal(raw, pkt.Raw)
		require.False(pkt.RecvAt.IsZero())
		pkt.Dispose()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	// Closing the transport stops the listener.
	require.NoError(local.Close())
	done := make(chan struct{})
	go func() {
		l.Halt()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not halt")
	}
}
