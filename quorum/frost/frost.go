// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package frost implements FROST threshold Schnorr signatures over
// edwards25519.  Aggregated signatures are plain Ed25519 signatures under
// the group key.
package frost

import (
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"filippo.io/edwards25519"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
)

const (
	contextString = "quorumnet-v0 FROST-ED25519-SHA512 "

	// PointLength is the length of an encoded group element.
	PointLength = 32

	// ScalarLength is the length of an encoded scalar.
	ScalarLength = 32
)

var (
	// ErrInvalidPoint is returned for an encoding that is not a valid,
	// non-identity group element.
	ErrInvalidPoint = errors.New("frost: invalid point")

	// ErrInvalidScalar is returned for a non-canonical scalar encoding.
	ErrInvalidScalar = errors.New("frost: invalid scalar")

	// ErrInvalidSignerSet is returned for an empty signer set, or one that
	// repeats an identifier.
	ErrInvalidSignerSet = errors.New("frost: invalid signer set")
)

// ID is a participant identifier.  Identifiers start at 1; 0 is the
// secret's evaluation point and is never a valid participant.
type ID uint16

// Scalar returns the identifier as a field element.
func (id ID) Scalar() *edwards25519.Scalar {
	var b [ScalarLength]byte
	binary.LittleEndian.PutUint16(b[:2], uint16(id))
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b[:])
	if err != nil {
		panic("BUG: frost: identifier is not canonical: " + err.Error())
	}
	return s
}

func (id ID) bytes() []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(id))
	return b[:]
}

// RandomScalar returns a uniformly random scalar.
func RandomScalar() (*edwards25519.Scalar, error) {
	var b [64]byte
	if _, err := io.ReadFull(rand.Reader, b[:]); err != nil {
		return nil, err
	}
	return edwards25519.NewScalar().SetUniformBytes(b[:])
}

// HashToScalar hashes parts under a domain separation tag.
func HashToScalar(tag string, parts ...[]byte) *edwards25519.Scalar {
	h := sha512.New()
	h.Write([]byte(contextString))
	h.Write([]byte(tag))
	for _, p := range parts {
		h.Write(p)
	}
	s, err := edwards25519.NewScalar().SetUniformBytes(h.Sum(nil))
	if err != nil {
		panic("BUG: frost: SetUniformBytes: " + err.Error())
	}
	return s
}

// ParsePoint decodes a group element, rejecting the identity.
func ParsePoint(b []byte) (*edwards25519.Point, error) {
	p, err := new(edwards25519.Point).SetBytes(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	if p.Equal(edwards25519.NewIdentityPoint()) == 1 {
		return nil, ErrInvalidPoint
	}
	return p, nil
}

// ParseScalar decodes a canonical scalar.
func ParseScalar(b []byte) (*edwards25519.Scalar, error) {
	s, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, ErrInvalidScalar
	}
	return s, nil
}

func checkSet(set []ID) error {
	if len(set) == 0 {
		return ErrInvalidSignerSet
	}
	seen := make(map[ID]bool, len(set))
	for _, id := range set {
		if id == 0 || seen[id] {
			return ErrInvalidSignerSet
		}
		seen[id] = true
	}
	return nil
}

// Lagrange returns the Lagrange coefficient of id for interpolation at
// zero over set.
func Lagrange(id ID, set []ID) (*edwards25519.Scalar, error) {
	if err := checkSet(set); err != nil {
		return nil, err
	}
	one := ID(1).Scalar()
	num := edwards25519.NewScalar().Set(one)
	den := edwards25519.NewScalar().Set(one)
	xi := id.Scalar()

	found := false
	for _, j := range set {
		if j == id {
			found = true
			continue
		}
		xj := j.Scalar()
		num.Multiply(num, xj)
		den.Multiply(den, edwards25519.NewScalar().Subtract(xj, xi))
	}
	if !found {
		return nil, fmt.Errorf("frost: %d is not in the signer set", id)
	}
	return num.Multiply(num, den.Invert(den)), nil
}

// SortIDs sorts a set of identifiers in place and returns it.
func SortIDs(ids []ID) []ID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// KeyShare is one participant's share of a group signing key.
type KeyShare struct {
	ID        ID
	Threshold int

	// Secret is the participant's secret share.
	Secret *edwards25519.Scalar

	// GroupKey is the group public key.
	GroupKey *edwards25519.Point

	// PublicShares holds every participant's public share, used to check
	// signature shares.
	PublicShares map[ID]*edwards25519.Point
}

// GroupKeyBytes returns the encoded group public key, which is also an
// Ed25519 public key.
func (k *KeyShare) GroupKeyBytes() []byte {
	return k.GroupKey.Bytes()
}

// Participants returns the sorted participant identifiers.
func (k *KeyShare) Participants() []ID {
	ids := make([]ID, 0, len(k.PublicShares))
	for id := range k.PublicShares {
		ids = append(ids, id)
	}
	return SortIDs(ids)
}

// Reset clears the secret share.
func (k *KeyShare) Reset() {
	if k.Secret != nil {
		k.Secret.Set(edwards25519.NewScalar())
	}
}

type keyShareWire struct {
	ID           ID            `cbor:"1,keyasint"`
	Threshold    int           `cbor:"2,keyasint"`
	Secret       []byte        `cbor:"3,keyasint"`
	GroupKey     []byte        `cbor:"4,keyasint"`
	PublicShares map[ID][]byte `cbor:"5,keyasint"`
}

// MarshalBinary serializes the key share, including the secret.
func (k *KeyShare) MarshalBinary() ([]byte, error) {
	w := &keyShareWire{
		ID:           k.ID,
		Threshold:    k.Threshold,
		Secret:       k.Secret.Bytes(),
		GroupKey:     k.GroupKey.Bytes(),
		PublicShares: make(map[ID][]byte, len(k.PublicShares)),
	}
	for id, p := range k.PublicShares {
		w.PublicShares[id] = p.Bytes()
	}
	return cbor.Marshal(w)
}

// UnmarshalBinary deserializes a key share.
func (k *KeyShare) UnmarshalBinary(b []byte) error {
	w := new(keyShareWire)
	if err := cbor.Unmarshal(b, w); err != nil {
		return err
	}
	var err error
	if k.Secret, err = ParseScalar(w.Secret); err != nil {
		return err
	}
	if k.GroupKey, err = ParsePoint(w.GroupKey); err != nil {
		return err
	}
	k.PublicShares = make(map[ID]*edwards25519.Point, len(w.PublicShares))
	for id, b := range w.PublicShares {
		if k.PublicShares[id], err = ParsePoint(b); err != nil {
			return err
		}
	}
	k.ID = w.ID
	k.Threshold = w.Threshold
	return nil
}
