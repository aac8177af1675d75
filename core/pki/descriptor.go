// descriptor.go - Relay descriptor.
// Copyright (C) 2017  David Stainton, Yawning Angel.
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

// Package pki provides the relay descriptor and its signed serialization.
// Descriptors are published to the DHT and are untrusted until verified.
package pki

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/sign"
	"github.com/katzenpost/hpqc/sign/ed25519"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// DescriptorVersion is the current descriptor format version.
const DescriptorVersion = "v0"

var (
	// ErrInvalidSignature is returned when a descriptor signature does not
	// verify against the descriptor's own identity key.
	ErrInvalidSignature = errors.New("pki: descriptor has an invalid signature")

	// ErrWrongIdentity is returned when a descriptor was fetched under a
	// key that does not match its identity.
	ErrWrongIdentity = errors.New("pki: descriptor identity mismatch")

	ccbor cbor.EncMode
)

// IdentityScheme is the signature scheme used for relay identity keys.
var IdentityScheme sign.Scheme = ed25519.Scheme()

// RelayDescriptor describes a relay.
type RelayDescriptor struct {
	Version string

	// Name is the human readable relay identifier.
	Name string

	// Epoch is the epoch in which the descriptor was created.
	Epoch uint64

	// IdentityKey is the relay's identity (signing) public key.
	IdentityKey []byte

	// Suite names the hop key exchange, e.g. "x25519+MLKEM768".
	Suite string

	// NIKEKey and KEMKey are the relay's hop public keys.  KEMKey is empty
	// for NIKE only suites.
	NIKEKey []byte
	KEMKey  []byte

	// Addresses are the relay's QUIC listener addresses.
	Addresses []string

	// QuorumMember is set if the relay is a threshold quorum candidate.
	QuorumMember bool
}

// ID returns the relay's node identifier.
func (d *RelayDescriptor) ID() sphinx.NodeID {
	return IDFromIdentityKey(d.IdentityKey)
}

// IDFromIdentityKey derives a node identifier from serialized identity key
// bytes.
func IDFromIdentityKey(k []byte) sphinx.NodeID {
	return sphinx.NodeID(hash.Sum256(k))
}

// RelayInfo parses the hop keys for use by the packet builder.
func (d *RelayDescriptor) RelayInfo(suite *sphinx.Suite) (*sphinx.RelayInfo, error) {
	if d.Suite != suite.String() {
		return nil, fmt.Errorf("pki: relay '%v' uses suite '%v', expected '%v'", d.Name, d.Suite, suite)
	}
	keys := new(sphinx.RelayPublicKeys)
	var err error
	if keys.NIKE, err = suite.NIKE.UnmarshalBinaryPublicKey(d.NIKEKey); err != nil {
		return nil, fmt.Errorf("pki: relay '%v' has invalid NIKE key: %w", d.Name, err)
	}
	if suite.KEM != nil {
		if keys.KEM, err = suite.KEM.UnmarshalBinaryPublicKey(d.KEMKey); err != nil {
			return nil, fmt.Errorf("pki: relay '%v' has invalid KEM key: %w", d.Name, err)
		}
	}
	return &sphinx.RelayInfo{ID: d.ID(), Keys: keys}, nil
}

// Marshal serializes the descriptor with deterministic CBOR.
func (d *RelayDescriptor) Marshal() ([]byte, error) {
	d.Version = DescriptorVersion
	return ccbor.Marshal(d)
}

// Unmarshal deserializes a descriptor.
func (d *RelayDescriptor) Unmarshal(data []byte) error {
	return cbor.Unmarshal(data, d)
}

// Sign serializes and signs the descriptor with the relay identity key,
// returning the serialized descriptor and the signature.
func (d *RelayDescriptor) Sign(privKey sign.PrivateKey) ([]byte, []byte, error) {
	blob, err := d.Marshal()
	if err != nil {
		return nil, nil, err
	}
	return blob, privKey.Scheme().Sign(privKey, blob, nil), nil
}

// VerifyDescriptor parses blob and checks that sig is a valid signature by
// the identity key embedded in it, and that the identity matches the node
// id the descriptor was looked up under.
func VerifyDescriptor(id sphinx.NodeID, blob, sig []byte) (*RelayDescriptor, error) {
	d := new(RelayDescriptor)
	if err := d.Unmarshal(blob); err != nil {
		return nil, err
	}
	if d.ID() != id {
		return nil, ErrWrongIdentity
	}
	pubKey, err := IdentityScheme.UnmarshalBinaryPublicKey(d.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !IdentityScheme.Verify(pubKey, blob, sig, nil) {
		return nil, ErrInvalidSignature
	}
	if err := IsDescriptorWellFormed(d); err != nil {
		return nil, err
	}
	return d, nil
}

// IsDescriptorWellFormed validates the descriptor's fields.
func IsDescriptorWellFormed(d *RelayDescriptor) error {
	if d.Version != DescriptorVersion {
		return fmt.Errorf("Descriptor version '%v' is not supported", d.Version)
	}
	if d.Name == "" {
		return fmt.Errorf("Descriptor missing Name")
	}
	if d.IdentityKey == nil {
		return fmt.Errorf("Descriptor missing IdentityKey")
	}
	if d.NIKEKey == nil {
		return fmt.Errorf("Descriptor missing NIKEKey")
	}
	if len(d.Addresses) == 0 {
		return fmt.Errorf("Descriptor missing Addresses")
	}
	for _, v := range d.Addresses {
		h, p, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("Descriptor contains invalid address '%v': %v", v, err)
		}
		if len(h) == 0 {
			return fmt.Errorf("Descriptor contains invalid address '%v'", v)
		}
		if port, err := strconv.ParseUint(p, 10, 16); err != nil || port == 0 {
			return fmt.Errorf("Descriptor contains invalid address '%v'", v)
		}
	}
	return nil
}

func init() {
	var err error
	ccbor, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}
