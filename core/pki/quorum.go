// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package pki

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// QuorumDescriptorVersion is the current quorum descriptor format version.
const QuorumDescriptorVersion = "v0"

// ErrWrongGroupKey is returned when a quorum descriptor names a group key
// other than the one it was verified against.
var ErrWrongGroupKey = errors.New("pki: quorum descriptor group key mismatch")

// QuorumDescriptorID is the node id under which the quorum descriptor is
// published.  It does not collide with any relay identity.
var QuorumDescriptorID = sphinx.NodeID(hash.Sum256([]byte("quorumnet-v0 quorum descriptor")))

// QuorumDescriptor announces the threshold quorum for an epoch.  It is
// signed by the quorum itself, under the group key.
type QuorumDescriptor struct {
	Version string `cbor:"1,keyasint"`

	Epoch     uint64          `cbor:"2,keyasint"`
	GroupKey  []byte          `cbor:"3,keyasint"`
	Threshold int             `cbor:"4,keyasint"`
	Members   []sphinx.NodeID `cbor:"5,keyasint"`
}

// Marshal serializes the descriptor with deterministic CBOR.  The result
// is the message the quorum signs.
func (d *QuorumDescriptor) Marshal() ([]byte, error) {
	d.Version = QuorumDescriptorVersion
	return ccbor.Marshal(d)
}

// VerifyQuorumDescriptor parses blob and checks that sig is a valid
// signature over it by groupKey.  Threshold signatures are plain Ed25519
// signatures, so the identity scheme verifies them.
func VerifyQuorumDescriptor(groupKey, blob, sig []byte) (*QuorumDescriptor, error) {
	pubKey, err := IdentityScheme.UnmarshalBinaryPublicKey(groupKey)
	if err != nil {
		return nil, err
	}
	if !IdentityScheme.Verify(pubKey, blob, sig, nil) {
		return nil, ErrInvalidSignature
	}
	d := new(QuorumDescriptor)
	if err = cbor.Unmarshal(blob, d); err != nil {
		return nil, err
	}
	if d.Version != QuorumDescriptorVersion {
		return nil, fmt.Errorf("pki: quorum descriptor version '%v' is not supported", d.Version)
	}
	if !bytes.Equal(d.GroupKey, groupKey) {
		return nil, ErrWrongGroupKey
	}
	if d.Threshold < 1 || d.Threshold > len(d.Members) {
		return nil, fmt.Errorf("pki: quorum descriptor threshold %d of %d is invalid", d.Threshold, len(d.Members))
	}
	return d, nil
}
