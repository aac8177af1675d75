// packet.go - Relay side packet structure.
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

// Package packet implements the relay side packet structure.
package packet

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

var (
	pktPool = sync.Pool{
		New: func() interface{} {
			return new(Packet)
		},
	}
	rawPools sync.Map // int -> *sync.Pool
	pktID    uint64
)

// Packet is a packet moving through the relay pipeline.
type Packet struct {
	Raw []byte

	ID     uint64
	RecvAt time.Time

	// Set once the packet has been unwrapped.
	NextHop sphinx.NodeID
	Out     []byte

	MustForward   bool
	MustTerminate bool

	MessageType sphinx.MessageType
	Message     []byte
}

// Set records the outcome of unwrapping the packet.
func (pkt *Packet) Set(res *sphinx.Result) {
	if res.Deliver {
		pkt.MustTerminate = true
		pkt.MessageType = res.Type
		pkt.Message = res.Message
		return
	}
	pkt.MustForward = true
	pkt.NextHop = res.NextHop
	pkt.Out = res.Packet
}

// String returns a summary of the packet suitable for debugging.  It never
// includes packet contents.
func (pkt *Packet) String() string {
	return fmt.Sprintf("%v (forward: %v, terminate: %v)", pkt.ID, pkt.MustForward, pkt.MustTerminate)
}

// Dispose clears the packet structure and returns it to the allocation pool.
func (pkt *Packet) Dispose() {
	pkt.disposeRaw()

	pkt.ID = 0
	pkt.RecvAt = time.Time{}
	pkt.NextHop = sphinx.NodeID{}
	pkt.Out = nil
	pkt.MustForward = false
	pkt.MustTerminate = false
	pkt.MessageType = 0
	pkt.Message = nil

	pktPool.Put(pkt)
}

func rawPool(n int) *sync.Pool {
	if p, ok := rawPools.Load(n); ok {
		return p.(*sync.Pool)
	}
	p, _ := rawPools.LoadOrStore(n, &sync.Pool{
		New: func() interface{} {
			return make([]byte, n)
		},
	})
	return p.(*sync.Pool)
}

func (pkt *Packet) disposeRaw() {
	if n := len(pkt.Raw); n > 0 {
		clear(pkt.Raw)
		rawPool(n).Put(pkt.Raw) // nolint: megacheck
	}
	pkt.Raw = nil
}

// New allocates a new Packet holding a copy of raw, which must be exactly
// packetLength bytes.
func New(raw []byte, packetLength int) (*Packet, error) {
	id := atomic.AddUint64(&pktID, 1)
	return NewWithID(raw, id, packetLength)
}

// NewWithID allocates a new Packet, with the specified raw payload and ID.
func NewWithID(raw []byte, id uint64, packetLength int) (*Packet, error) {
	if len(raw) != packetLength {
		return nil, fmt.Errorf("invalid packet size: %v", len(raw))
	}

	pkt := pktPool.Get().(*Packet)
	pkt.ID = id
	pkt.Raw = rawPool(packetLength).Get().([]byte)

	// Sanity check, just in case the pool allocator is doing something dumb.
	if len(pkt.Raw) != packetLength {
		panic("BUG: Pool allocated rawPkt has incorrect size")
	}
	copy(pkt.Raw, raw)
	return pkt, nil
}
