// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package roast implements robust asynchronous threshold signing on top of
// FROST.  The coordinator keeps a set of signers that have a fresh
// commitment outstanding, and opens a new signing session whenever a
// threshold of them is ready.  Unresponsive signers simply never become
// ready again, and signers that return an invalid share are excluded, so
// a session never has to be restarted from scratch.
package roast

import (
	"errors"
	"fmt"
	"sort"

	"github.com/katzenpost/quorumnet/quorum/frost"
)

var (
	// ErrUnknownSession is returned for a share that does not belong to an
	// open session of this signer.
	ErrUnknownSession = errors.New("roast: unknown session")

	// ErrDone is returned once a signature has been produced.
	ErrDone = errors.New("roast: signature already produced")
)

// QuorumUnavailableError is returned when fewer than a threshold of
// honest, responsive signers remain.  It is retryable.
type QuorumUnavailableError struct {
	Have int
	Need int
}

func (e *QuorumUnavailableError) Error() string {
	return fmt.Sprintf("roast: quorum unavailable, have %d of %d signers", e.Have, e.Need)
}

// Temporary returns true, the quorum may recover.
func (e *QuorumUnavailableError) Temporary() bool {
	return true
}

// SessionID identifies a signing session within one coordination.
type SessionID uint32

// Request asks each of Signers to sign Package.
type Request struct {
	Session SessionID
	Package *frost.SigningPackage
}

// Signers returns the signer set of the request.
func (r *Request) Signers() []frost.ID {
	return r.Package.Signers()
}

type session struct {
	pkg    *frost.SigningPackage
	shares map[frost.ID]*frost.SignatureShare
	failed bool
}

// Coordinator drives the signing of one message.  It is a single owner
// state machine and is not safe for concurrent use.
type Coordinator struct {
	key *frost.KeyShare
	msg []byte

	ready     map[frost.ID]*frost.Commitment
	malicious map[frost.ID]bool
	inSession map[frost.ID]SessionID
	sessions  map[SessionID]*session
	next      SessionID

	sig []byte
}

// NewCoordinator returns a coordinator for msg.  key provides the group
// key, threshold and public shares; the coordinator need not sign.
func NewCoordinator(key *frost.KeyShare, msg []byte) *Coordinator {
	return &Coordinator{
		key:       key,
		msg:       msg,
		ready:     make(map[frost.ID]*frost.Commitment),
		malicious: make(map[frost.ID]bool),
		inSession: make(map[frost.ID]SessionID),
		sessions:  make(map[SessionID]*session),
		next:      1,
	}
}

// Message returns the message being signed.
func (c *Coordinator) Message() []byte {
	return c.msg
}

// Signature returns the signature, or nil if none has been produced.
func (c *Coordinator) Signature() []byte {
	return c.sig
}

// Malicious returns the signers excluded for invalid shares.
func (c *Coordinator) Malicious() []frost.ID {
	out := make([]frost.ID, 0, len(c.malicious))
	for id := range c.malicious {
		out = append(out, id)
	}
	return frost.SortIDs(out)
}

// Responsive returns how many honest signers have responded at least once
// and are either ready or in an open session.
func (c *Coordinator) Responsive() int {
	return len(c.ready) + len(c.inSession)
}

func (c *Coordinator) honest() int {
	return len(c.key.PublicShares) - len(c.malicious)
}

func (c *Coordinator) checkAvailable() error {
	if c.honest() < c.key.Threshold {
		return &QuorumUnavailableError{Have: c.honest(), Need: c.key.Threshold}
	}
	return nil
}

// AddCommitment marks a signer ready with a fresh commitment, and returns
// a request for a new session if a threshold is now ready.
func (c *Coordinator) AddCommitment(com *frost.Commitment) (*Request, error) {
	if c.sig != nil {
		return nil, ErrDone
	}
	if _, ok := c.key.PublicShares[com.ID]; !ok || c.malicious[com.ID] {
		return nil, fmt.Errorf("roast: commitment from unknown or excluded signer %d", com.ID)
	}
	if _, err := frost.ParsePoint(com.Hiding); err != nil {
		return nil, err
	}
	if _, err := frost.ParsePoint(com.Binding); err != nil {
		return nil, err
	}
	if _, busy := c.inSession[com.ID]; busy {
		return nil, fmt.Errorf("roast: signer %d is in an open session", com.ID)
	}
	c.ready[com.ID] = com
	return c.maybeStart()
}

func (c *Coordinator) maybeStart() (*Request, error) {
	if len(c.ready) < c.key.Threshold {
		return nil, nil
	}
	ids := make([]frost.ID, 0, len(c.ready))
	for id := range c.ready {
		ids = append(ids, id)
	}
	ids = frost.SortIDs(ids)[:c.key.Threshold]

	commitments := make([]*frost.Commitment, 0, len(ids))
	for _, id := range ids {
		commitments = append(commitments, c.ready[id])
	}
	pkg, err := frost.NewSigningPackage(c.msg, commitments)
	if err != nil {
		return nil, err
	}

	sid := c.next
	c.next++
	c.sessions[sid] = &session{pkg: pkg, shares: make(map[frost.ID]*frost.SignatureShare)}
	for _, id := range ids {
		delete(c.ready, id)
		c.inSession[id] = sid
	}
	return &Request{Session: sid, Package: pkg}, nil
}

// HandleShare processes a signer's response to a session request.  next
// is the signer's commitment for a future session, and may be nil.  A
// completed signature is available from Signature; the returned request,
// if any, must be sent to its signers.
func (c *Coordinator) HandleShare(sid SessionID, share *frost.SignatureShare, next *frost.Commitment) (*Request, error) {
	if c.sig != nil {
		return nil, ErrDone
	}
	s, ok := c.sessions[sid]
	if !ok || c.inSession[share.ID] != sid {
		return nil, ErrUnknownSession
	}
	delete(c.inSession, share.ID)

	pub := c.key.PublicShares[share.ID]
	if err := frost.VerifyShare(c.key.GroupKey, pub, share, s.pkg); err != nil {
		c.malicious[share.ID] = true
		s.failed = true
		if err := c.checkAvailable(); err != nil {
			return nil, err
		}
		return c.maybeStart()
	}

	if !s.failed {
		s.shares[share.ID] = share
		if len(s.shares) == len(s.pkg.Commitments) {
			return nil, c.aggregate(s)
		}
	}

	// An honest signer is ready again, even if its session failed.
	if next != nil && next.ID == share.ID {
		if req, err := c.AddCommitment(next); err == nil {
			return req, nil
		}
	}
	return c.maybeStart()
}

func (c *Coordinator) aggregate(s *session) error {
	shares := make([]*frost.SignatureShare, 0, len(s.shares))
	for _, sh := range s.shares {
		shares = append(shares, sh)
	}
	sort.Slice(shares, func(i, j int) bool { return shares[i].ID < shares[j].ID })
	sig, err := frost.Aggregate(c.key, s.pkg, shares)
	if err != nil {
		return err
	}
	c.sig = sig
	return nil
}
