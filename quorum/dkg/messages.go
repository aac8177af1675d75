// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dkg

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// CeremonyIDLength is the length of a ceremony identifier.
const CeremonyIDLength = 16

// ErrMalformedMessage is returned for a protocol message that fails to
// parse.
var ErrMalformedMessage = errors.New("dkg: malformed message")

// CeremonyID identifies one ceremony instance.
type CeremonyID [CeremonyIDLength]byte

// String returns the hex encoding of the identifier.
func (id CeremonyID) String() string {
	return hex.EncodeToString(id[:])
}

// NewCeremonyID returns a random ceremony identifier.
func NewCeremonyID() (CeremonyID, error) {
	var id CeremonyID
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

// Kind is the kind of ceremony.
type Kind uint8

const (
	// KindDKG is a full distributed key generation.
	KindDKG Kind = 1

	// KindReshare redistributes an existing group key to a new
	// participant set.
	KindReshare Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindDKG:
		return "dkg"
	case KindReshare:
		return "reshare"
	default:
		return fmt.Sprintf("[Invalid Kind: %d]", k)
	}
}

// Round is a ceremony round.
type Round uint8

const (
	// RoundCommit collects polynomial commitments and encryption keys.
	RoundCommit Round = 1

	// RoundShares collects encrypted shares.
	RoundShares Round = 2

	// RoundAck collects, from every participant, the dealers whose share
	// it verified.  Only dealers acknowledged by everyone qualify.
	RoundAck Round = 3

	// RoundConfirm cross-checks the derived group key.
	RoundConfirm Round = 4

	// RoundComplete is the terminal success state.
	RoundComplete Round = 5

	// RoundAborted is the terminal failure state.
	RoundAborted Round = 6
)

func (r Round) String() string {
	switch r {
	case RoundCommit:
		return "commit"
	case RoundShares:
		return "shares"
	case RoundAck:
		return "ack"
	case RoundConfirm:
		return "confirm"
	case RoundComplete:
		return "complete"
	case RoundAborted:
		return "aborted"
	default:
		return fmt.Sprintf("[Invalid Round: %d]", r)
	}
}

// Message is a ceremony protocol message.  A zero To is a broadcast.
type Message struct {
	Ceremony CeremonyID    `cbor:"1,keyasint"`
	Round    Round         `cbor:"2,keyasint"`
	From     sphinx.NodeID `cbor:"3,keyasint"`
	To       sphinx.NodeID `cbor:"4,keyasint"`
	Body     []byte        `cbor:"5,keyasint"`
}

// Marshal serializes the message.
func (m *Message) Marshal() ([]byte, error) {
	return cbor.Marshal(m)
}

// ParseMessage deserializes a message.
func ParseMessage(b []byte) (*Message, error) {
	m := new(Message)
	if err := cbor.Unmarshal(b, m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return m, nil
}

type commitBody struct {
	EncKey      []byte   `cbor:"1,keyasint"`
	Commitments [][]byte `cbor:"2,keyasint,omitempty"`
	ProofR      []byte   `cbor:"3,keyasint,omitempty"`
	ProofZ      []byte   `cbor:"4,keyasint,omitempty"`
}

type shareBody struct {
	Ciphertext []byte `cbor:"1,keyasint"`
}

type ack struct {
	Dealer     sphinx.NodeID `cbor:"1,keyasint"`
	Commitment []byte        `cbor:"2,keyasint"`
}

type ackBody struct {
	Acks []ack `cbor:"1,keyasint"`
}

type confirmBody struct {
	GroupKey  []byte          `cbor:"1,keyasint"`
	Qualified []sphinx.NodeID `cbor:"2,keyasint"`
	Digest    []byte          `cbor:"3,keyasint"`
}

func encodeBody(v interface{}) []byte {
	b, err := cbor.Marshal(v)
	if err != nil {
		panic("BUG: dkg: failed to encode message body: " + err.Error())
	}
	return b
}
