// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"fmt"
	"strings"

	"github.com/katzenpost/quorumnet/core/sphinx/internal/crypto"
)

const (
	// PacketLength is the default fixed size of every packet on the wire.
	PacketLength = 8192

	// NrHops is the fixed path length.
	NrHops = 3

	// NodeIDLength is the length of a relay identifier.
	NodeIDLength = 32

	// MACLength is the length of the header MAC.
	MACLength = crypto.MACLength

	// RoutingBlockLength is the length of one routing block:
	// flag || next node id || next MAC.
	RoutingBlockLength = 1 + NodeIDLength + MACLength

	versionLength = 2

	// payloadFrameOverhead is the message type byte plus the 16 bit length.
	payloadFrameOverhead = 3
)

// Version is the packet format version, and the first bytes of every packet.
var Version = [versionLength]byte{0x00, 0x01}

// NodeID identifies a relay.  It is the BLAKE2b-256 digest of the relay's
// identity key.
type NodeID [NodeIDLength]byte

// String returns a short hex form of the id, suitable for logs.
func (id NodeID) String() string {
	return fmt.Sprintf("%x", id[:8])
}

// Geometry describes the byte layout of a packet for a given Suite.
// Every field offset is fixed, which makes decoding O(1).
type Geometry struct {
	// PacketLength is the total packet size.
	PacketLength int

	// NrHops is the number of hops, and the number of slots and routing
	// blocks in the header.
	NrHops int

	// SlotLength is the length of one key exchange slot.
	SlotLength int

	// HeaderLength is the length of the header including the MAC.
	HeaderLength int

	// PayloadLength is the length of the payload region, which always
	// holds an AEAD ciphertext of PayloadLength - Overhead*hop bytes
	// followed by random filler.
	PayloadLength int

	// UserPayloadLength is the largest message that fits in a packet.
	UserPayloadLength int

	suite *Suite
}

// NewGeometry computes the packet layout for the suite and packet size.
func NewGeometry(suite *Suite, packetLength int) (*Geometry, error) {
	g := &Geometry{
		PacketLength: packetLength,
		NrHops:       NrHops,
		SlotLength:   suite.SlotLength(),
		suite:        suite,
	}
	g.HeaderLength = versionLength + g.NrHops*(g.SlotLength+RoutingBlockLength) + MACLength
	g.PayloadLength = g.PacketLength - g.HeaderLength
	g.UserPayloadLength = g.PayloadLength - g.NrHops*crypto.Overhead - payloadFrameOverhead
	if g.UserPayloadLength <= 0 {
		return nil, fmt.Errorf("sphinx: packet length %d too small for suite %v", packetLength, suite)
	}
	if g.UserPayloadLength > 0xffff {
		g.UserPayloadLength = 0xffff
	}
	return g, nil
}

// Suite returns the key exchange suite the geometry was built for.
func (g *Geometry) Suite() *Suite {
	return g.suite
}

func (g *Geometry) slotOffset(i int) int {
	return versionLength + i*g.SlotLength
}

func (g *Geometry) blockOffset(i int) int {
	return versionLength + g.NrHops*g.SlotLength + i*RoutingBlockLength
}

func (g *Geometry) macOffset() int {
	return g.HeaderLength - MACLength
}

// layerLength is the AEAD ciphertext length in the payload region as seen
// by the hop at index hop.
func (g *Geometry) layerLength(hop int) int {
	return g.PayloadLength - hop*crypto.Overhead
}

func (g *Geometry) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "suite: %v\n", g.suite)
	fmt.Fprintf(&b, "packet length: %d\n", g.PacketLength)
	fmt.Fprintf(&b, "hops: %d\n", g.NrHops)
	fmt.Fprintf(&b, "slot length: %d\n", g.SlotLength)
	fmt.Fprintf(&b, "header length: %d\n", g.HeaderLength)
	fmt.Fprintf(&b, "payload length: %d\n", g.PayloadLength)
	fmt.Fprintf(&b, "user payload length: %d", g.UserPayloadLength)
	return b.String()
}
