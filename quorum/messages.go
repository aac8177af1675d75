// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package quorum

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
	"github.com/katzenpost/quorumnet/quorum/roast"
)

const envelopeLabel = "quorumnet-v0 quorum envelope"

// ErrMalformedEnvelope is returned for a message that does not parse or
// whose signature does not verify.
var ErrMalformedEnvelope = errors.New("quorum: malformed envelope")

type kind uint8

const (
	kindInvite kind = iota + 1
	kindCeremony
	kindSignRequest
	kindCommitRequest
	kindCommitment
	kindShareRequest
	kindShare
	kindSignResult
)

func (k kind) String() string {
	switch k {
	case kindInvite:
		return "invite"
	case kindCeremony:
		return "ceremony"
	case kindSignRequest:
		return "sign-request"
	case kindCommitRequest:
		return "commit-request"
	case kindCommitment:
		return "commitment"
	case kindShareRequest:
		return "share-request"
	case kindShare:
		return "share"
	case kindSignResult:
		return "sign-result"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// RequestID identifies one signing attempt.
type RequestID [16]byte

func (r RequestID) String() string {
	return hex.EncodeToString(r[:])
}

func newRequestID() (RequestID, error) {
	var r RequestID
	_, err := io.ReadFull(rand.Reader, r[:])
	return r, err
}

// envelope is the signed outer message.  It carries the sender's identity
// key, so it can be authenticated without a directory lookup: the node ID
// is the hash of that key.
type envelope struct {
	Kind        kind          `cbor:"1,keyasint"`
	From        sphinx.NodeID `cbor:"2,keyasint"`
	IdentityKey []byte        `cbor:"3,keyasint"`
	Body        []byte        `cbor:"4,keyasint"`
	Signature   []byte        `cbor:"5,keyasint,omitempty"`
}

func (e *envelope) signedBytes() ([]byte, error) {
	unsigned := *e
	unsigned.Signature = nil
	b, err := cbor.Marshal(&unsigned)
	if err != nil {
		return nil, err
	}
	return append([]byte(envelopeLabel), b...), nil
}

func sealEnvelope(k kind, from sphinx.NodeID, idKey []byte, priv sign.PrivateKey, body interface{}) (*envelope, []byte, error) {
	b, err := cbor.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	e := &envelope{
		Kind:        k,
		From:        from,
		IdentityKey: idKey,
		Body:        b,
	}
	m, err := e.signedBytes()
	if err != nil {
		return nil, nil, err
	}
	e.Signature = pki.IdentityScheme.Sign(priv, m, nil)
	raw, err := cbor.Marshal(e)
	if err != nil {
		return nil, nil, err
	}
	return e, raw, nil
}

func openEnvelope(raw []byte) (*envelope, error) {
	e := new(envelope)
	if err := cbor.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if pki.IDFromIdentityKey(e.IdentityKey) != e.From {
		return nil, fmt.Errorf("%w: identity key does not match sender", ErrMalformedEnvelope)
	}
	pub, err := pki.IdentityScheme.UnmarshalBinaryPublicKey(e.IdentityKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	m, err := e.signedBytes()
	if err != nil {
		return nil, err
	}
	if !pki.IdentityScheme.Verify(pub, m, e.Signature, nil) {
		return nil, fmt.Errorf("%w: bad signature from %v", ErrMalformedEnvelope, e.From)
	}
	return e, nil
}

func (e *envelope) decode(v interface{}) error {
	if err := cbor.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%w: %v body: %v", ErrMalformedEnvelope, e.Kind, err)
	}
	return nil
}

type signRequest struct {
	Request RequestID `cbor:"1,keyasint"`
	Message []byte    `cbor:"2,keyasint"`
}

type commitRequest struct {
	Request RequestID `cbor:"1,keyasint"`
	Message []byte    `cbor:"2,keyasint"`
}

type commitmentMsg struct {
	Request    RequestID         `cbor:"1,keyasint"`
	Commitment *frost.Commitment `cbor:"2,keyasint"`
}

type shareRequest struct {
	Request RequestID             `cbor:"1,keyasint"`
	Session roast.SessionID       `cbor:"2,keyasint"`
	Package *frost.SigningPackage `cbor:"3,keyasint"`
}

type shareMsg struct {
	Request RequestID             `cbor:"1,keyasint"`
	Session roast.SessionID       `cbor:"2,keyasint"`
	Share   *frost.SignatureShare `cbor:"3,keyasint"`
	Next    *frost.Commitment     `cbor:"4,keyasint,omitempty"`
}

type signResult struct {
	Request   RequestID `cbor:"1,keyasint"`
	Signature []byte    `cbor:"2,keyasint,omitempty"`
	Have      int       `cbor:"3,keyasint,omitempty"`
	Need      int       `cbor:"4,keyasint,omitempty"`
}
