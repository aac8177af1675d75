// listener.go - Inbound packet listener.
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

// Package incoming implements the inbound side of the packet pipeline.
package incoming

import (
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/server/internal/glue"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

// Listener moves packets from the transport onto the inbound queue that
// feeds the crypto workers.
type Listener struct {
	worker.Worker

	glue glue.Glue
	log  *logging.Logger

	incomingCh chan<- *packet.Packet
}

func (l *Listener) worker() {
	t := l.glue.Transport()
	packetLength := l.glue.Geometry().PacketLength

	l.log.Noticef("Listening on: %v", t.Addr())
	defer l.log.Noticef("Stopping listening on: %v", t.Addr())

	for {
		var raw []byte
		var ok bool
		select {
		case <-l.HaltCh():
			return
		case raw, ok = <-t.Packets():
			if !ok {
				return
			}
		}
		instrument.PacketsReceived()

		pkt, err := packet.New(raw, packetLength)
		if err != nil {
			l.log.Debug("Dropping packet.")
			instrument.PacketsDropped()
			continue
		}
		pkt.RecvAt = time.Now()

		// The queue is bounded, so a relay under overload sheds packets
		// here rather than buffering without limit.
		select {
		case l.incomingCh <- pkt:
		default:
			l.log.Debugf("Dropping packet: %v", pkt.ID)
			instrument.PacketsDropped()
			pkt.Dispose()
		}
		instrument.IngressQueue(len(l.incomingCh))
	}
}

// New creates and starts a Listener that feeds incomingCh.
func New(glue glue.Glue, incomingCh chan<- *packet.Packet) *Listener {
	l := &Listener{
		glue:       glue,
		log:        glue.LogBackend().GetLogger("listener"),
		incomingCh: incomingCh,
	}
	l.Go(l.worker)
	return l
}
