// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto provides the per-hop cryptographic primitives used by the
// packet format: key derivation, the header MAC, the routing block stream
// cipher and the payload AEAD.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"io"

	"github.com/katzenpost/chacha20poly1305"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeyLength is the length of every symmetric sub-key.
	KeyLength = 32

	// NonceLength is the length of the derived payload AEAD nonce.
	NonceLength = chacha20poly1305.NonceSize

	// MACLength is the length of a header MAC.
	MACLength = blake2b.Size256

	// TagLength is the length of a replay tag.
	TagLength = 32

	// Overhead is the per-layer payload AEAD expansion.
	Overhead = chacha20poly1305.Overhead
)

// Domain separation labels.  Every derivation purpose has its own label
// and changing any of them breaks interoperability.
const (
	LabelHybrid    = "quorumnet-v0 hybrid combiner"
	LabelEncKey    = "quorumnet-v0 hop encryption key"
	LabelMACKey    = "quorumnet-v0 hop mac key"
	LabelStreamKey = "quorumnet-v0 hop stream key"
	LabelNonce     = "quorumnet-v0 hop nonce"
	LabelReplayTag = "quorumnet-v0 hop replay tag"
)

// ErrAuth is returned when a payload layer fails authentication.
var ErrAuth = errors.New("crypto: authentication failed")

// HopKeys are the keys derived from a single hop's shared secret.  They are
// never serialized.
type HopKeys struct {
	EncKey    [KeyLength]byte
	MACKey    [KeyLength]byte
	StreamKey [KeyLength]byte
	Nonce     [NonceLength]byte
	ReplayTag [TagLength]byte
}

// Reset clears the key material.
func (k *HopKeys) Reset() {
	clear(k.EncKey[:])
	clear(k.MACKey[:])
	clear(k.StreamKey[:])
	clear(k.Nonce[:])
	clear(k.ReplayTag[:])
}

// CombineSecrets folds the key exchange outputs of a hop into a single
// shared secret.  The transcript binds the public values so that a hybrid
// secret is only ever used through this one derivation.
func CombineSecrets(secrets, transcript [][]byte) []byte {
	var ikm []byte
	for _, s := range secrets {
		ikm = append(ikm, s...)
	}
	var info []byte
	info = append(info, LabelHybrid...)
	for _, t := range transcript {
		info = append(info, t...)
	}
	out := make([]byte, KeyLength)
	r := hkdf.New(sha256.New, ikm, nil, info)
	if _, err := io.ReadFull(r, out); err != nil {
		panic("crypto: BUG: hkdf short read: " + err.Error())
	}
	clear(ikm)
	return out
}

// DeriveHopKeys derives the per-hop sub-keys from a shared secret.
func DeriveHopKeys(secret []byte) *HopKeys {
	prk := hkdf.Extract(sha256.New, secret, nil)
	defer clear(prk)

	k := new(HopKeys)
	expand(prk, LabelEncKey, k.EncKey[:])
	expand(prk, LabelMACKey, k.MACKey[:])
	expand(prk, LabelStreamKey, k.StreamKey[:])
	expand(prk, LabelNonce, k.Nonce[:])
	expand(prk, LabelReplayTag, k.ReplayTag[:])
	return k
}

func expand(prk []byte, label string, dst []byte) {
	r := hkdf.Expand(sha256.New, prk, []byte(label))
	if _, err := io.ReadFull(r, dst); err != nil {
		panic("crypto: BUG: hkdf short read: " + err.Error())
	}
}

// MAC computes the keyed BLAKE2b-256 header MAC over the concatenation of
// the provided fields.
func MAC(key *[KeyLength]byte, fields ...[]byte) [MACLength]byte {
	h, err := blake2b.New256(key[:])
	if err != nil {
		panic("crypto: BUG: blake2b.New256: " + err.Error())
	}
	for _, f := range fields {
		h.Write(f)
	}
	var out [MACLength]byte
	copy(out[:], h.Sum(nil))
	return out
}

// MACEqual compares two MACs in constant time.
func MACEqual(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// XORKeyStream XORs dst with the hop's routing block keystream.
func XORKeyStream(key *[KeyLength]byte, dst []byte) {
	var nonce [chacha20.NonceSize]byte
	s, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	if err != nil {
		panic("crypto: BUG: chacha20: " + err.Error())
	}
	s.XORKeyStream(dst, dst)
}

// EncryptLayer seals one payload layer with the hop's encryption key and
// derived nonce.
func EncryptLayer(k *HopKeys, plaintext, ad []byte) []byte {
	aead, err := chacha20poly1305.New(k.EncKey[:])
	if err != nil {
		panic("crypto: BUG: chacha20poly1305.New: " + err.Error())
	}
	defer aead.Reset()
	return aead.Seal(nil, k.Nonce[:], plaintext, ad)
}

// DecryptLayer opens one payload layer.
func DecryptLayer(k *HopKeys, ciphertext, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(k.EncKey[:])
	if err != nil {
		panic("crypto: BUG: chacha20poly1305.New: " + err.Error())
	}
	defer aead.Reset()
	pt, err := aead.Open(nil, k.Nonce[:], ciphertext, ad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
