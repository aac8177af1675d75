// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/kem/mlkem768"
	"github.com/katzenpost/hpqc/kem/xwing"
	"github.com/katzenpost/hpqc/nike"
	"github.com/katzenpost/hpqc/nike/x25519"
	"github.com/katzenpost/hpqc/nike/x448"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/quorumnet/core/sphinx/internal/crypto"
)

var errSlotRejected = errors.New("sphinx: key exchange slot rejected")

// NIKEByName returns the supported NIKE scheme with the given name, or nil.
func NIKEByName(name string) nike.Scheme {
	switch strings.ToLower(name) {
	case "x25519":
		return x25519.Scheme(rand.Reader)
	case "x448":
		return x448.Scheme(rand.Reader)
	default:
		return nil
	}
}

// KEMByName returns the supported KEM scheme with the given name, or nil.
func KEMByName(name string) kem.Scheme {
	switch strings.ToUpper(name) {
	case "MLKEM768":
		return mlkem768.Scheme()
	case "XWING":
		return xwing.Scheme()
	default:
		return nil
	}
}

// Suite is the pluggable key exchange used for each hop.  A NIKE is always
// present, and an optional KEM turns every hop into a hybrid exchange whose
// two secrets are combined in a single derivation.
type Suite struct {
	NIKE nike.Scheme
	KEM  kem.Scheme
}

// NewSuite returns the Suite for the named primitives.  An empty kemName
// selects a NIKE only suite.
func NewSuite(nikeName, kemName string) (*Suite, error) {
	s := &Suite{NIKE: NIKEByName(nikeName)}
	if s.NIKE == nil {
		return nil, fmt.Errorf("sphinx: unsupported NIKE scheme '%v'", nikeName)
	}
	if kemName != "" {
		if s.KEM = KEMByName(kemName); s.KEM == nil {
			return nil, fmt.Errorf("sphinx: unsupported KEM scheme '%v'", kemName)
		}
	}
	return s, nil
}

// String returns the suite name, e.g. "x25519+MLKEM768".
func (s *Suite) String() string {
	if s.KEM == nil {
		return s.NIKE.Name()
	}
	return s.NIKE.Name() + "+" + s.KEM.Name()
}

// SlotLength is the size of one key exchange slot in the header.
func (s *Suite) SlotLength() int {
	n := s.NIKE.PublicKeySize()
	if s.KEM != nil {
		n += s.KEM.CiphertextSize()
	}
	return n
}

// RelayPublicKeys are the hop keys a relay publishes in its descriptor.
type RelayPublicKeys struct {
	NIKE nike.PublicKey
	KEM  kem.PublicKey
}

// RelayPrivateKeys are a relay's private hop keys.
type RelayPrivateKeys struct {
	NIKE nike.PrivateKey
	KEM  kem.PrivateKey
}

// Reset clears the private key material.
func (k *RelayPrivateKeys) Reset() {
	if k.NIKE != nil {
		k.NIKE.Reset()
	}
}

// GenerateRelayKeys generates a fresh set of relay hop keys.
func (s *Suite) GenerateRelayKeys() (*RelayPublicKeys, *RelayPrivateKeys, error) {
	pub := new(RelayPublicKeys)
	priv := new(RelayPrivateKeys)

	var err error
	if pub.NIKE, priv.NIKE, err = s.NIKE.GenerateKeyPair(); err != nil {
		return nil, nil, err
	}
	if s.KEM != nil {
		if pub.KEM, priv.KEM, err = s.KEM.GenerateKeyPair(); err != nil {
			return nil, nil, err
		}
	}
	return pub, priv, nil
}

// encapsulate performs the sender side of a hop key exchange, returning the
// header slot and the combined shared secret.
func (s *Suite) encapsulate(relay *RelayPublicKeys) ([]byte, []byte, error) {
	if relay == nil || relay.NIKE == nil || (s.KEM != nil && relay.KEM == nil) {
		return nil, nil, errors.New("sphinx: relay is missing hop keys")
	}

	ephPub, ephPriv, err := s.NIKE.GenerateKeyPair()
	if err != nil {
		return nil, nil, err
	}
	defer ephPriv.Reset()

	slot := make([]byte, 0, s.SlotLength())
	slot = append(slot, ephPub.Bytes()...)
	secrets := [][]byte{s.NIKE.DeriveSecret(ephPriv, relay.NIKE)}

	if s.KEM != nil {
		ct, ss, err := s.KEM.Encapsulate(relay.KEM)
		if err != nil {
			return nil, nil, err
		}
		slot = append(slot, ct...)
		secrets = append(secrets, ss)
	}

	secret := crypto.CombineSecrets(secrets, [][]byte{slot})
	for _, v := range secrets {
		clear(v)
	}
	return slot, secret, nil
}

// decapsulate performs the relay side of a hop key exchange on a candidate
// slot.  Any failure disqualifies the slot.
func (s *Suite) decapsulate(relay *RelayPrivateKeys, slot []byte) (secret []byte, err error) {
	// Some NIKE implementations panic on degenerate points, and a slot may
	// contain arbitrary attacker supplied bytes.
	defer func() {
		if r := recover(); r != nil {
			secret, err = nil, errSlotRejected
		}
	}()

	nikeLen := s.NIKE.PublicKeySize()
	if len(slot) != s.SlotLength() {
		return nil, errSlotRejected
	}
	ephPub, err := s.NIKE.UnmarshalBinaryPublicKey(slot[:nikeLen])
	if err != nil {
		return nil, errSlotRejected
	}
	secrets := [][]byte{s.NIKE.DeriveSecret(relay.NIKE, ephPub)}

	if s.KEM != nil {
		ss, err := s.KEM.Decapsulate(relay.KEM, slot[nikeLen:])
		if err != nil {
			return nil, errSlotRejected
		}
		secrets = append(secrets, ss)
	}

	secret = crypto.CombineSecrets(secrets, [][]byte{slot})
	for _, v := range secrets {
		clear(v)
	}
	return secret, nil
}
