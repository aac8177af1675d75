// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"crypto/subtle"
	"errors"
	"io"

	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/quorumnet/core/sphinx/internal/crypto"
)

var (
	// ErrNoMatch is returned when no key exchange slot in a packet belongs
	// to the local relay, or the packet was corrupted.
	ErrNoMatch = errors.New("sphinx: no matching hop")

	// ErrAuth is returned when the payload layer fails authentication.
	ErrAuth = errors.New("sphinx: authentication failed")

	// ErrReplay is returned when the packet's replay tag was seen before.
	ErrReplay = errors.New("sphinx: replayed packet")
)

// TagLength is the length of a packet replay tag.
const TagLength = crypto.TagLength

// ReplayFilter records replay tags.  TestAndSet returns true iff the tag
// was already present, and must be atomic with respect to concurrent
// callers.
type ReplayFilter interface {
	TestAndSet(tag []byte) bool
}

// Result is the outcome of unwrapping one layer of a packet.
type Result struct {
	// ReplayTag is the per-hop tag derived from the shared secret.
	ReplayTag [TagLength]byte

	// Deliver is set when the packet terminates at this relay.
	Deliver bool

	// NextHop and Packet are set when the packet is to be forwarded.
	NextHop NodeID
	Packet  []byte

	// Type and Message are set when the packet is delivered locally.
	Type    MessageType
	Message []byte
}

// Unwrap processes a packet received by a relay holding keys.  It performs
// trial decryption against every key exchange slot, checks the replay tag
// against filter (if not nil), peels one payload layer and either returns
// the delivered message or the re-randomized packet for the next hop.
//
// raw is not modified.  Every failure must be treated identically by the
// caller: the packet is dropped without any signal to the network.
func (g *Geometry) Unwrap(keys *RelayPrivateKeys, raw []byte, filter ReplayFilter) (*Result, error) {
	hdr, payload, err := g.Decode(raw)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(hdr.Version[:], Version[:]) != 1 {
		return nil, ErrMalformed
	}

	hop, k := g.trialDecrypt(keys, raw, hdr)
	if k == nil {
		return nil, ErrNoMatch
	}
	defer k.Reset()

	res := &Result{ReplayTag: k.ReplayTag}
	if filter != nil && filter.TestAndSet(k.ReplayTag[:]) {
		return nil, ErrReplay
	}

	out := make([]byte, len(raw))
	copy(out, raw)

	// Strip this hop's keystream from the remaining routing blocks.
	blocks := out[g.blockOffset(hop):g.blockOffset(g.NrHops)]
	crypto.XORKeyStream(&k.StreamKey, blocks)
	block := blocks[:RoutingBlockLength]

	inner, err := crypto.DecryptLayer(k, payload[:g.layerLength(hop)], hdr.MAC)
	if err != nil {
		return nil, ErrAuth
	}

	var zero [RoutingBlockLength]byte
	isSentinel := subtle.ConstantTimeCompare(block, zero[:]) == 1
	isLast := hop == g.NrHops-1
	switch {
	case isSentinel && isLast:
		t, msg, err := decodeFrame(inner)
		if err != nil {
			return nil, err
		}
		res.Deliver = true
		res.Type = t
		res.Message = msg
		return res, nil
	case isSentinel || isLast || block[0] != flagForward:
		return nil, ErrMalformed
	}

	copy(res.NextHop[:], block[1:1+NodeIDLength])
	copy(out[g.macOffset():g.HeaderLength], block[1+NodeIDLength:])

	// Re-randomize everything this hop consumed so that the outgoing packet
	// carries no leftover structure.
	if _, err := io.ReadFull(rand.Reader, out[g.slotOffset(hop):g.slotOffset(hop+1)]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand.Reader, block); err != nil {
		return nil, err
	}
	region := out[g.HeaderLength:]
	n := copy(region, inner)
	if _, err := io.ReadFull(rand.Reader, region[n:]); err != nil {
		return nil, err
	}
	res.Packet = out
	return res, nil
}

// trialDecrypt tries every slot and returns the index and keys of the one
// whose MAC matches.  The same work is done for every slot regardless of
// where, or whether, a match is found.
func (g *Geometry) trialDecrypt(keys *RelayPrivateKeys, raw []byte, hdr *Header) (int, *crypto.HopKeys) {
	match := -1
	var matched *crypto.HopKeys

	for i := 0; i < g.NrHops; i++ {
		secret, err := g.suite.decapsulate(keys, hdr.Slots[i])
		if err != nil {
			// Keep the per-slot cost uniform on rejection.
			secret = make([]byte, crypto.KeyLength)
			if _, err := io.ReadFull(rand.Reader, secret); err != nil {
				panic("sphinx: BUG: failed to read entropy: " + err.Error())
			}
		}
		k := crypto.DeriveHopKeys(secret)
		clear(secret)

		mac := crypto.MAC(&k.MACKey,
			raw[:versionLength],
			raw[g.slotOffset(i):g.slotOffset(g.NrHops)],
			raw[g.blockOffset(i):g.blockOffset(g.NrHops)],
		)
		if crypto.MACEqual(mac[:], hdr.MAC) && match < 0 {
			match = i
			matched = k
			continue
		}
		k.Reset()
	}
	return match, matched
}
