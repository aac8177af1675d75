// glue.go - Glue interface definitions.
// Copyright (C) 2018  Yawning Angel.
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

// Package glue implements the glue structure that ties all the internal
// subpackages together.
package glue

import (
	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/transport"
	"github.com/katzenpost/quorumnet/server/config"
	"github.com/katzenpost/quorumnet/server/internal/mixkey"
	"github.com/katzenpost/quorumnet/server/internal/packet"
	"github.com/katzenpost/quorumnet/server/internal/replay"
)

// Glue is the structure that binds the internal components together.
type Glue interface {
	Config() *config.Config
	LogBackend() *log.Backend
	Geometry() *sphinx.Geometry
	Clock() epochtime.Clock

	MixKeys() MixKeys
	ReplayWindows() *replay.Manager
	Directory() *dht.Directory
	Transport() transport.Transport
	Connector() Connector
	Dispatcher() Dispatcher
}

// MixKeys is the relay's set of per-epoch hop keys.
type MixKeys interface {
	Halt()
	Generate(uint64) (bool, error)
	Prune(uint64) bool
	Get(uint64) (*mixkey.MixKey, bool)
	Shadow(map[uint64]*mixkey.MixKey)
}

// Connector forwards packets to their next hop.
type Connector interface {
	Halt()
	DispatchPacket(*packet.Packet)
}

// Dispatcher hands packets that terminate at this relay to the local
// handler registered for their message type.
type Dispatcher interface {
	OnPacket(*packet.Packet)
}
