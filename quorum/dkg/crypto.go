// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dkg

import (
	"crypto/sha256"
	"errors"
	"io"

	"filippo.io/edwards25519"
	"github.com/katzenpost/chacha20poly1305"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/rand"
	"golang.org/x/crypto/hkdf"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

const labelShareKey = "quorumnet-v0 dkg share key"

var errShareRejected = errors.New("dkg: share rejected")

func encScheme() nike.Scheme {
	return x25519.Scheme(rand.Reader)
}

// proveConstant is a Schnorr proof of knowledge of a0, binding the
// ceremony and the dealer.
func proveConstant(id CeremonyID, dealer sphinx.NodeID, a0 *edwards25519.Scalar, c0 *edwards25519.Point) ([]byte, []byte, error) {
	k, err := frost.RandomScalar()
	if err != nil {
		return nil, nil, err
	}
	r := new(edwards25519.Point).ScalarBaseMult(k)
	c := frost.HashToScalar("pok", id[:], dealer[:], c0.Bytes(), r.Bytes())
	z := edwards25519.NewScalar().MultiplyAdd(a0, c, k)
	k.Set(edwards25519.NewScalar())
	return r.Bytes(), z.Bytes(), nil
}

func verifyConstant(id CeremonyID, dealer sphinx.NodeID, c0 *edwards25519.Point, rb, zb []byte) bool {
	r, err := frost.ParsePoint(rb)
	if err != nil {
		return false
	}
	z, err := frost.ParseScalar(zb)
	if err != nil {
		return false
	}
	c := frost.HashToScalar("pok", id[:], dealer[:], c0.Bytes(), r.Bytes())

	// z*G == R + c*C0
	rhs := new(edwards25519.Point).ScalarMult(c, c0)
	rhs.Add(rhs, r)
	return new(edwards25519.Point).ScalarBaseMult(z).Equal(rhs) == 1
}

func shareAEAD(priv nike.PrivateKey, pub nike.PublicKey, id CeremonyID, from, to sphinx.NodeID) (aead *chacha20poly1305.ChaCha20Poly1305, ad []byte, err error) {
	// Degenerate points make the x25519 implementation panic.
	defer func() {
		if r := recover(); r != nil {
			aead, ad, err = nil, nil, errShareRejected
		}
	}()

	ss := encScheme().DeriveSecret(priv, pub)
	defer clear(ss)

	ad = make([]byte, 0, CeremonyIDLength+2*sphinx.NodeIDLength)
	ad = append(ad, id[:]...)
	ad = append(ad, from[:]...)
	ad = append(ad, to[:]...)

	var key [32]byte
	info := append([]byte(labelShareKey), ad...)
	if _, err = io.ReadFull(hkdf.New(sha256.New, ss, nil, info), key[:]); err != nil {
		panic("BUG: dkg: hkdf short read: " + err.Error())
	}
	defer clear(key[:])
	if aead, err = chacha20poly1305.New(key[:]); err != nil {
		return nil, nil, err
	}
	return aead, ad, nil
}

// sealShare encrypts a share to a recipient.  The key is unique to the
// ceremony and the ordered pair, so the nonce is fixed.
func sealShare(priv nike.PrivateKey, pub nike.PublicKey, id CeremonyID, from, to sphinx.NodeID, share *edwards25519.Scalar) ([]byte, error) {
	aead, ad, err := shareAEAD(priv, pub, id, from, to)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Seal(nil, nonce[:], share.Bytes(), ad), nil
}

func openShare(priv nike.PrivateKey, pub nike.PublicKey, id CeremonyID, from, to sphinx.NodeID, ct []byte) (*edwards25519.Scalar, error) {
	aead, ad, err := shareAEAD(priv, pub, id, from, to)
	if err != nil {
		return nil, err
	}
	defer aead.Reset()
	var nonce [chacha20poly1305.NonceSize]byte
	pt, err := aead.Open(nil, nonce[:], ct, ad)
	if err != nil {
		return nil, errShareRejected
	}
	defer clear(pt)
	return frost.ParseScalar(pt)
}
