// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
)

// ErrMalformed is returned for packets or packet fields that are
// structurally invalid.  It is raised before any cryptographic work.
var ErrMalformed = errors.New("sphinx: malformed packet")

// Header is the structured form of a packet header.  The slices alias the
// buffer they were decoded from.
type Header struct {
	Version [versionLength]byte
	Slots   [NrHops][]byte
	Blocks  [NrHops][]byte
	MAC     []byte
}

// Encode serializes a header and payload into a packet of exactly
// g.PacketLength bytes.  A payload shorter than g.PayloadLength is padded
// with random bytes.
func (g *Geometry) Encode(hdr *Header, payload []byte) ([]byte, error) {
	for i := 0; i < g.NrHops; i++ {
		if len(hdr.Slots[i]) != g.SlotLength {
			return nil, fmt.Errorf("%w: slot %d is %d bytes", ErrMalformed, i, len(hdr.Slots[i]))
		}
		if len(hdr.Blocks[i]) != RoutingBlockLength {
			return nil, fmt.Errorf("%w: routing block %d is %d bytes", ErrMalformed, i, len(hdr.Blocks[i]))
		}
	}
	if len(hdr.MAC) != MACLength {
		return nil, fmt.Errorf("%w: header MAC is %d bytes", ErrMalformed, len(hdr.MAC))
	}
	if len(payload) > g.PayloadLength {
		return nil, fmt.Errorf("%w: payload is %d bytes, max %d", ErrMalformed, len(payload), g.PayloadLength)
	}

	raw := make([]byte, g.PacketLength)
	copy(raw, hdr.Version[:])
	for i := 0; i < g.NrHops; i++ {
		copy(raw[g.slotOffset(i):], hdr.Slots[i])
		copy(raw[g.blockOffset(i):], hdr.Blocks[i])
	}
	copy(raw[g.macOffset():], hdr.MAC)
	n := copy(raw[g.HeaderLength:], payload)
	if err := randomize(raw[g.HeaderLength+n:]); err != nil {
		return nil, err
	}
	return raw, nil
}

// Decode parses a packet into its header and payload region.  Field
// offsets are fixed, so the only possible failure is a wrong total length.
// The returned header and payload alias raw.
func (g *Geometry) Decode(raw []byte) (*Header, []byte, error) {
	if len(raw) != g.PacketLength {
		return nil, nil, fmt.Errorf("%w: packet is %d bytes, expected %d", ErrMalformed, len(raw), g.PacketLength)
	}

	hdr := new(Header)
	copy(hdr.Version[:], raw)
	for i := 0; i < g.NrHops; i++ {
		off := g.slotOffset(i)
		hdr.Slots[i] = raw[off : off+g.SlotLength]
		off = g.blockOffset(i)
		hdr.Blocks[i] = raw[off : off+RoutingBlockLength]
	}
	hdr.MAC = raw[g.macOffset():g.HeaderLength]
	return hdr, raw[g.HeaderLength:], nil
}

func randomize(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return fmt.Errorf("sphinx: failed to read entropy: %w", err)
	}
	return nil
}
