// connector.go - Outbound packet forwarder.
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

// Package outgoing implements the outbound side of the packet pipeline.
package outgoing

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

const (
	// peerQueueSize is the number of packets buffered per next hop.
	peerQueueSize = 64

	// peerIdleTimeout is how long an idle peer is kept before its worker
	// is reaped.
	peerIdleTimeout = 2 * time.Minute
)

// Connector forwards packets to the next hop named in their routing block.
// Each next hop gets its own queue and worker, so a slow peer only delays
// its own packets.
type Connector struct {
	sync.RWMutex
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	conns map[sphinx.NodeID]*outgoingConn
}

// Halt stops the connector and every peer worker.
func (co *Connector) Halt() {
	co.Worker.Halt()

	co.Lock()
	defer co.Unlock()
	for id, c := range co.conns {
		c.Halt()
		delete(co.conns, id)
	}
}

// DispatchPacket queues pkt for its next hop.  The connector takes
// ownership of pkt.
func (co *Connector) DispatchPacket(pkt *packet.Packet) {
	if pkt == nil || !pkt.MustForward {
		instrument.PacketsDropped()
		if pkt != nil {
			co.log.Debugf("Dropping packet: %v", pkt.ID)
			pkt.Dispose()
		}
		return
	}

	c := co.getConn(pkt.NextHop)
	c.dispatchPacket(pkt)
}

func (co *Connector) getConn(id sphinx.NodeID) *outgoingConn {
	co.RLock()
	c, ok := co.conns[id]
	co.RUnlock()
	if ok {
		return c
	}

	co.Lock()
	defer co.Unlock()
	if c, ok = co.conns[id]; ok {
		return c
	}
	co.log.Debugf("Spawning connection to: '%v'.", id)
	c = newOutgoingConn(co, id)
	co.conns[id] = c
	return c
}

func (co *Connector) worker() {
	resweepInterval := epochtime.Period / 8
	ticker := time.NewTicker(resweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-co.HaltCh():
			co.log.Debugf("Terminating gracefully.")
			return
		case <-ticker.C:
		}
		co.reapIdle()
	}
}

func (co *Connector) reapIdle() {
	co.Lock()
	defer co.Unlock()
	for id, c := range co.conns {
		if c.isIdle(peerIdleTimeout) {
			co.log.Debugf("Reaping idle connection to: '%v'.", id)
			c.Halt()
			delete(co.conns, id)
		}
	}
}

// New creates and starts a Connector.
func New(glue glue.Glue) *Connector {
	co := &Connector{
		glue:  glue,
		log:   glue.LogBackend().GetLogger("connector"),
		conns: make(map[sphinx.NodeID]*outgoingConn),
	}
	co.Go(co.worker)
	return co
}
