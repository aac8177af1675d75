// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"errors"

	"github.com/katzenpost/quorumnet/core/sphinx/internal/crypto"
)

// ErrInvalidPath is returned when a path does not have exactly NrHops hops.
var ErrInvalidPath = errors.New("sphinx: invalid path length")

const (
	flagDeliver = 0x00
	flagForward = 0x01
)

// RelayInfo is the public information a sender needs about one hop.
type RelayInfo struct {
	ID   NodeID
	Keys *RelayPublicKeys
}

// NewPacket builds a packet that carries msg along path, to be delivered
// at the final hop as a message of type t.  The result is always exactly
// g.PacketLength bytes.
func (g *Geometry) NewPacket(path []*RelayInfo, t MessageType, msg []byte) ([]byte, error) {
	if len(path) != g.NrHops {
		return nil, ErrInvalidPath
	}
	frame, err := g.encodeFrame(t, msg)
	if err != nil {
		return nil, err
	}

	var hdr Header
	hdr.Version = Version

	keys := make([]*crypto.HopKeys, g.NrHops)
	defer func() {
		for _, k := range keys {
			if k != nil {
				k.Reset()
			}
		}
	}()
	for i, hop := range path {
		slot, secret, err := g.suite.encapsulate(hop.Keys)
		if err != nil {
			return nil, err
		}
		hdr.Slots[i] = slot
		keys[i] = crypto.DeriveHopKeys(secret)
		clear(secret)
	}

	// Each hop's keystream covers its own routing block and every block
	// after it.
	streams := make([][]byte, g.NrHops)
	for i := range streams {
		streams[i] = make([]byte, (g.NrHops-i)*RoutingBlockLength)
		crypto.XORKeyStream(&keys[i].StreamKey, streams[i])
	}

	// seenBy returns the routing blocks i.. as hop i receives them.
	plain := make([][]byte, g.NrHops)
	seenBy := func(i int) []byte {
		b := make([]byte, 0, (g.NrHops-i)*RoutingBlockLength)
		for k := i; k < g.NrHops; k++ {
			b = append(b, plain[k]...)
		}
		for m := i; m < g.NrHops; m++ {
			off := (m - i) * RoutingBlockLength
			xorBytes(b[off:], b[off:], streams[m])
		}
		return b
	}

	// Routing blocks and the MAC chain are built innermost first, since
	// every block embeds the MAC that the next hop will check.
	macs := make([][MACLength]byte, g.NrHops)
	for i := g.NrHops - 1; i >= 0; i-- {
		block := make([]byte, RoutingBlockLength)
		if i < g.NrHops-1 {
			block[0] = flagForward
			copy(block[1:], path[i+1].ID[:])
			copy(block[1+NodeIDLength:], macs[i+1][:])
		}
		plain[i] = block

		fields := [][]byte{hdr.Version[:]}
		fields = append(fields, hdr.Slots[i:]...)
		fields = append(fields, seenBy(i))
		macs[i] = crypto.MAC(&keys[i].MACKey, fields...)
	}

	wire := seenBy(0)
	for i := 0; i < g.NrHops; i++ {
		hdr.Blocks[i] = wire[i*RoutingBlockLength : (i+1)*RoutingBlockLength]
	}
	hdr.MAC = macs[0][:]

	// The payload is sealed innermost first, each layer bound to the
	// header MAC its hop will see.
	payload := frame
	for i := g.NrHops - 1; i >= 0; i-- {
		payload = crypto.EncryptLayer(keys[i], payload, macs[i][:])
	}
	return g.Encode(&hdr, payload)
}

func xorBytes(dst, a, b []byte) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
}
