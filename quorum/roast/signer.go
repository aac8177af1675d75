// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package roast

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/katzenpost/quorumnet/quorum/frost"
)

// MaxOutstandingNonces bounds the number of unused nonces a signer holds.
const MaxOutstandingNonces = 256

var (
	// ErrUnknownNonce is returned for a signing package that does not
	// contain a commitment issued by this signer.
	ErrUnknownNonce = errors.New("roast: commitment was not issued by this signer")

	// ErrNotApproved is returned when the approval policy rejects a
	// message.
	ErrNotApproved = errors.New("roast: message not approved")
)

// ApproveFunc decides whether a message may be signed.
type ApproveFunc func(msg []byte) error

// Signer is the signing participant.  It issues commitments and produces
// signature shares, each nonce being used at most once.  It is safe for
// concurrent use.
type Signer struct {
	sync.Mutex

	key     *frost.KeyShare
	approve ApproveFunc

	nonces map[string]*frost.Nonce
	order  []string
}

// NewSigner returns a signer for the key share.  A nil approve accepts
// every message.
func NewSigner(key *frost.KeyShare, approve ApproveFunc) *Signer {
	return &Signer{
		key:     key,
		approve: approve,
		nonces:  make(map[string]*frost.Nonce),
	}
}

// ID returns the signer's share identifier.
func (s *Signer) ID() frost.ID {
	return s.key.ID
}

// Key returns the signer's key share.
func (s *Signer) Key() *frost.KeyShare {
	return s.key
}

func nonceKey(c *frost.Commitment) string {
	return hex.EncodeToString(c.Hiding)
}

// Commit issues a fresh commitment for msg.
func (s *Signer) Commit(msg []byte) (*frost.Commitment, error) {
	if s.approve != nil {
		if err := s.approve(msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotApproved, err)
		}
	}
	n, err := frost.NewNonce(s.key)
	if err != nil {
		return nil, err
	}

	s.Lock()
	defer s.Unlock()
	if len(s.order) >= MaxOutstandingNonces {
		oldest := s.order[0]
		s.order = s.order[1:]
		if old, ok := s.nonces[oldest]; ok {
			old.Reset()
			delete(s.nonces, oldest)
		}
	}
	k := nonceKey(n.Commitment)
	s.nonces[k] = n
	s.order = append(s.order, k)
	return n.Commitment, nil
}

// Sign produces a signature share for p, and the commitment to use for
// the signer's next session.
func (s *Signer) Sign(p *frost.SigningPackage) (*frost.SignatureShare, *frost.Commitment, error) {
	if s.approve != nil {
		if err := s.approve(p.Message); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrNotApproved, err)
		}
	}
	c, ok := p.Commitment(s.key.ID)
	if !ok {
		return nil, nil, ErrUnknownNonce
	}
	for _, id := range p.Signers() {
		if _, ok := s.key.PublicShares[id]; !ok {
			return nil, nil, fmt.Errorf("%w: unknown signer %d", frost.ErrInvalidPackage, id)
		}
	}

	k := nonceKey(c)
	s.Lock()
	n, ok := s.nonces[k]
	delete(s.nonces, k)
	s.Unlock()
	if !ok {
		return nil, nil, ErrUnknownNonce
	}

	share, err := frost.Sign(s.key, n, p)
	if err != nil {
		return nil, nil, err
	}
	next, err := s.Commit(p.Message)
	if err != nil {
		return share, nil, nil
	}
	return share, next, nil
}
