// outgoing_conn.go - Per next hop forwarding worker.
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

package outgoing

import (
	"context"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/worker"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/packet"
)

const (
	sendTimeout    = 10 * time.Second
	resolveBackoff = 5 * time.Second
)

type outgoingConn struct {
	worker.Worker

	co  *Connector
	log *logging.Logger
	dst sphinx.NodeID

	ch       chan *packet.Packet
	lastUsed atomic.Int64

	// Owned by the worker.
	addr       string
	addrEpoch  uint64
	retryAfter time.Time
}

func (c *outgoingConn) isIdle(timeout time.Duration) bool {
	return len(c.ch) == 0 && time.Since(time.Unix(0, c.lastUsed.Load())) > timeout
}

func (c *outgoingConn) dispatchPacket(pkt *packet.Packet) {
	c.lastUsed.Store(time.Now().UnixNano())
	select {
	case c.ch <- pkt:
	default:
		c.log.Debugf("Dropping packet: %v", pkt.ID)
		instrument.PacketsDropped()
		pkt.Dispose()
	}
}

// resolve returns the next hop's address, refreshing it from the
// directory once per epoch.  Failed lookups are not retried until the
// backoff expires.
func (c *outgoingConn) resolve(ctx context.Context) (string, bool) {
	epoch, _, _ := epochtime.NowFrom(c.co.glue.Clock())
	if c.addr != "" && c.addrEpoch == epoch {
		return c.addr, true
	}
	if time.Now().Before(c.retryAfter) {
		return c.addr, c.addr != ""
	}

	desc, err := c.co.glue.Directory().Lookup(ctx, c.dst)
	if err != nil {
		c.log.Debugf("Failed to resolve next hop: %v", err)
		c.retryAfter = time.Now().Add(resolveBackoff)
		return c.addr, c.addr != ""
	}
	c.addr = desc.Addresses[0]
	c.addrEpoch = epoch
	return c.addr, true
}

func (c *outgoingConn) send(pkt *packet.Packet) {
	defer pkt.Dispose()

	ctx, cancel := context.WithTimeout(c.Context(), sendTimeout)
	defer cancel()

	addr, ok := c.resolve(ctx)
	if !ok {
		c.log.Debugf("Dropping packet: %v", pkt.ID)
		instrument.PacketsDropped()
		return
	}

	err := c.co.glue.Transport().Send(ctx, addr, pkt.Out)
	if err != nil && retry.IsRetryable(err) {
		err = c.co.glue.Transport().Send(ctx, addr, pkt.Out)
	}
	if err != nil {
		c.log.Debugf("Dropping packet: %v", pkt.ID)
		instrument.PacketsDropped()
		// Force a fresh lookup, the relay may have moved.
		c.addrEpoch = 0
		return
	}
	instrument.PacketsForwarded()
}

func (c *outgoingConn) worker() {
	for {
		select {
		case <-c.HaltCh():
			for {
				select {
				case pkt := <-c.ch:
					pkt.Dispose()
				default:
					return
				}
			}
		case pkt := <-c.ch:
			c.send(pkt)
		}
	}
}

func newOutgoingConn(co *Connector, dst sphinx.NodeID) *outgoingConn {
	c := &outgoingConn{
		co:  co,
		log: co.log,
		dst: dst,
		ch:  make(chan *packet.Packet, peerQueueSize),
	}
	c.lastUsed.Store(time.Now().UnixNano())
	c.Go(c.worker)
	return c
}
