// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/server/config"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/packet"
	"github.com/katzenpost/quorumnet/server/internal/replay"
)

type serverGlue struct {
	s *Server
}

func (g *serverGlue) Config() *config.Config         { return g.s.cfg }
func (g *serverGlue) LogBackend() *log.Backend       { return g.s.logBackend }
func (g *serverGlue) Geometry() *sphinx.Geometry     { return g.s.geo }
func (g *serverGlue) Clock() epochtime.Clock         { return g.s.clock }
func (g *serverGlue) MixKeys() glue.MixKeys          { return g.s.mixKeys }
func (g *serverGlue) ReplayWindows() *replay.Manager { return g.s.replay }
func (g *serverGlue) Directory() *dht.Directory      { return g.s.directory }
func (g *serverGlue) Transport() transport.Transport { return g.s.transport }
func (g *serverGlue) Connector() glue.Connector      { return g.s.connector }
func (g *serverGlue) Dispatcher() glue.Dispatcher    { return g }

// OnPacket hands a packet that terminates here to the circuit manager.
func (g *serverGlue) OnPacket(pkt *packet.Packet) {
	defer pkt.Dispose()

	// The message aliases the pooled packet buffer.
	msg := make([]byte, len(pkt.Message))
	copy(msg, pkt.Message)
	g.s.client.Deliver(pkt.MessageType, msg)
}
