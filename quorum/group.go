// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package quorum

import (
	"errors"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/dkg"
	"github.com/katzenpost/quorumnet/quorum/frost"
	"github.com/katzenpost/quorumnet/quorum/roast"
)

var (
	// ErrNoGroup is returned when no group key has been generated yet.
	ErrNoGroup = errors.New("quorum: no group key")

	// ErrHalted is returned when the coordinator is shut down.
	ErrHalted = errors.New("quorum: halted")

	// ErrCeremonyAborted is returned, possibly wrapped, by a ceremony that
	// terminates without a result.
	ErrCeremonyAborted = dkg.ErrCeremonyAborted

	// ErrGroupKeyMismatch is returned when participants derive different
	// group keys.
	ErrGroupKeyMismatch = dkg.ErrGroupKeyMismatch

	// ErrReshareInsufficient is returned when too few members continue
	// into the new set to reshare the existing key.
	ErrReshareInsufficient = dkg.ErrReshareInsufficient
)

// CeremonyTimeoutError is returned when a ceremony round times out.
type CeremonyTimeoutError = dkg.CeremonyTimeoutError

// QuorumUnavailableError is returned when a threshold signature cannot be
// produced by the responsive members.
type QuorumUnavailableError = roast.QuorumUnavailableError

// Group is the local node's membership in a threshold group.
type Group struct {
	Threshold int
	Parties   []sphinx.NodeID
	Share     *frost.KeyShare
}

type groupWire struct {
	Threshold int             `cbor:"1,keyasint"`
	Parties   []sphinx.NodeID `cbor:"2,keyasint"`
	Share     []byte          `cbor:"3,keyasint"`
}

// GroupKey returns the encoded group public key.
func (g *Group) GroupKey() []byte {
	return g.Share.GroupKeyBytes()
}

// Members returns the parties that hold a share, in identifier order.
// A party dropped from the ceremony that generated the key has none.
func (g *Group) Members() []sphinx.NodeID {
	out := make([]sphinx.NodeID, 0, len(g.Share.PublicShares))
	for _, id := range g.Share.Participants() {
		if int(id) <= len(g.Parties) {
			out = append(out, g.Parties[id-1])
		}
	}
	return out
}

func (g *Group) partyID(id sphinx.NodeID) (frost.ID, bool) {
	fid, ok := dkg.PartyID(g.Parties, id)
	if !ok {
		return 0, false
	}
	if _, ok = g.Share.PublicShares[fid]; !ok {
		return 0, false
	}
	return fid, true
}

func (g *Group) node(fid frost.ID) (sphinx.NodeID, bool) {
	if fid < 1 || int(fid) > len(g.Parties) {
		return sphinx.NodeID{}, false
	}
	return g.Parties[fid-1], true
}

func (g *Group) oldPublicShares() map[frost.ID][]byte {
	out := make(map[frost.ID][]byte, len(g.Share.PublicShares))
	for id, p := range g.Share.PublicShares {
		out[id] = p.Bytes()
	}
	return out
}

// MarshalBinary serializes the group, including the secret share.
func (g *Group) MarshalBinary() ([]byte, error) {
	share, err := g.Share.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(&groupWire{
		Threshold: g.Threshold,
		Parties:   g.Parties,
		Share:     share,
	})
}

// UnmarshalBinary deserializes a group.
func (g *Group) UnmarshalBinary(b []byte) error {
	w := new(groupWire)
	if err := cbor.Unmarshal(b, w); err != nil {
		return err
	}
	share := new(frost.KeyShare)
	if err := share.UnmarshalBinary(w.Share); err != nil {
		return err
	}
	g.Threshold = w.Threshold
	g.Parties = w.Parties
	g.Share = share
	return nil
}

// Verify returns true iff sig is a valid signature of msg under the group
// key groupKey.
func Verify(msg, sig, groupKey []byte) bool {
	return frost.Verify(groupKey, msg, sig)
}
