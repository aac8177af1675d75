// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package dkg implements the distributed key generation and proactive
// resharing ceremonies for a FROST group key.
//
// A Ceremony is a single owner state machine.  It is driven by incoming
// messages (Handle) and by the clock (Tick), and returns the messages it
// wants sent.  It never blocks and performs no I/O, so the caller decides
// how messages are transported and when state is checkpointed.
package dkg

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"filippo.io/edwards25519"
	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/hash"
	"github.com/katzenpost/hpqc/nike"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

type commitment struct {
	raw    []byte
	digest []byte
	encKey nike.PublicKey
	coeffs []*edwards25519.Point
}

// Ceremony is one participant's view of a key generation or resharing.
type Ceremony struct {
	params   *Params
	self     sphinx.NodeID
	oldShare *frost.KeyShare

	round    Round
	deadline time.Time
	err      error

	encPriv nike.PrivateKey
	poly    frost.Polynomial

	active   map[sphinx.NodeID]bool
	faulty   map[sphinx.NodeID]bool
	rejected map[sphinx.NodeID]bool
	commits  map[sphinx.NodeID]*commitment
	shares   map[sphinx.NodeID]*edwards25519.Scalar
	acks     map[sphinx.NodeID]map[sphinx.NodeID][]byte
	confirms map[sphinx.NodeID]*confirmBody
	pending  []*Message

	confirm   *confirmBody
	disagreed int
	result    *frost.KeyShare
}

// New creates the local state for a ceremony.  oldShare is the local share
// of the existing group key, and is required when resharing as a
// continuing member.
func New(p *Params, self sphinx.NodeID, oldShare *frost.KeyShare) (*Ceremony, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if _, ok := p.PartyID(self); !ok {
		return nil, ErrNotParticipant
	}
	if p.Kind == KindReshare && p.isDealer(self) {
		if oldShare == nil {
			return nil, fmt.Errorf("%w: continuing member without a share", ErrInvalidParams)
		}
		if oldShare.ID != p.dealerID(self) || !bytes.Equal(oldShare.GroupKeyBytes(), p.GroupKey) {
			return nil, fmt.Errorf("%w: share does not belong to the group", ErrInvalidParams)
		}
	}

	c := &Ceremony{
		params:   p,
		self:     self,
		oldShare: oldShare,
		active:   make(map[sphinx.NodeID]bool, len(p.Parties)),
		faulty:   make(map[sphinx.NodeID]bool),
		rejected: make(map[sphinx.NodeID]bool),
		commits:  make(map[sphinx.NodeID]*commitment, len(p.Parties)),
		shares:   make(map[sphinx.NodeID]*edwards25519.Scalar, len(p.Parties)),
		acks:     make(map[sphinx.NodeID]map[sphinx.NodeID][]byte, len(p.Parties)),
		confirms: make(map[sphinx.NodeID]*confirmBody, len(p.Parties)),
	}
	for _, id := range p.Parties {
		c.active[id] = true
	}
	return c, nil
}

// ID returns the ceremony identifier.
func (c *Ceremony) ID() CeremonyID {
	return c.params.ID
}

// Params returns the ceremony parameters.
func (c *Ceremony) Params() *Params {
	return c.params
}

// Round returns the current round.
func (c *Ceremony) Round() Round {
	return c.round
}

// Deadline returns the deadline of the current round.
func (c *Ceremony) Deadline() time.Time {
	return c.deadline
}

// Done returns true iff the ceremony has terminated.
func (c *Ceremony) Done() bool {
	return c.round == RoundComplete || c.round == RoundAborted
}

// Err returns the reason the ceremony aborted, if it did.
func (c *Ceremony) Err() error {
	return c.err
}

// Result returns the local key share of a completed ceremony.
func (c *Ceremony) Result() *frost.KeyShare {
	if c.round != RoundComplete {
		return nil
	}
	return c.result
}

// Faulty returns the participants that sent this participant invalid
// messages, including dealers whose share failed verification.
func (c *Ceremony) Faulty() []sphinx.NodeID {
	seen := make(map[sphinx.NodeID]bool, len(c.faulty)+len(c.rejected))
	for id := range c.faulty {
		seen[id] = true
	}
	for id := range c.rejected {
		seen[id] = true
	}
	return sortedSet(seen)
}

// Qualified returns the dealers the group key was derived from, once the
// acknowledgements are in.
func (c *Ceremony) Qualified() []sphinx.NodeID {
	if c.confirm == nil {
		return nil
	}
	return append([]sphinx.NodeID(nil), c.confirm.Qualified...)
}

func sortedSet(m map[sphinx.NodeID]bool) []sphinx.NodeID {
	out := make([]sphinx.NodeID, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return SortParties(out)
}

// Start begins the ceremony, returning the round one messages.
func (c *Ceremony) Start(now time.Time) ([]*Message, error) {
	if c.round != 0 {
		return nil, fmt.Errorf("dkg: ceremony %v already started", c.params.ID)
	}
	c.round = RoundCommit
	c.deadline = now.Add(c.params.RoundTimeout)

	encPub, encPriv, err := encScheme().GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	c.encPriv = encPriv

	body := &commitBody{EncKey: encPub.Bytes()}
	if c.params.isDealer(c.self) {
		var constant *edwards25519.Scalar
		if c.params.Kind == KindReshare {
			constant = c.oldShare.Secret
		}
		if c.poly, err = frost.NewPolynomial(constant, c.params.Threshold-1); err != nil {
			return nil, err
		}
		coeffs := c.poly.Commit()
		body.Commitments = frost.EncodePoints(coeffs)
		if c.params.Kind == KindDKG {
			if body.ProofR, body.ProofZ, err = proveConstant(c.params.ID, c.self, c.poly[0], coeffs[0]); err != nil {
				return nil, err
			}
		}
	}
	raw := encodeBody(body)
	cm, err := c.parseCommit(c.self, raw)
	if err != nil {
		panic("BUG: dkg: own commitment rejected: " + err.Error())
	}
	c.commits[c.self] = cm
	if err := c.drainPending(); err != nil {
		return nil, c.abort(err)
	}

	out := c.broadcast(RoundCommit, raw)
	more, err := c.advance(now)
	return append(out, more...), err
}

// Handle processes a message from a peer, returning any messages to send.
// Invalid messages exclude their sender and are otherwise ignored.  A
// non-nil error means the ceremony aborted.
func (c *Ceremony) Handle(m *Message, now time.Time) ([]*Message, error) {
	if c.Done() {
		return nil, c.err
	}
	if m.Ceremony != c.params.ID || m.To != c.self || m.From == c.self {
		return nil, nil
	}
	if !c.active[m.From] || c.faulty[m.From] {
		return nil, nil
	}
	switch {
	case c.round == 0 || m.Round > c.round:
		if m.Round <= RoundConfirm && len(c.pending) < 4*len(c.params.Parties) {
			c.pending = append(c.pending, m)
		}
		return nil, nil
	case m.Round < c.round:
		return nil, nil
	}

	if err := c.process(m); err != nil {
		return nil, c.abort(err)
	}
	return c.advance(now)
}

// Tick applies the round deadline.  Participants that have not responded
// by the deadline are dropped, and the ceremony continues if enough remain.
// A dealer whose share did not arrive stays a participant, it just goes
// unacknowledged.
func (c *Ceremony) Tick(now time.Time) ([]*Message, error) {
	if c.Done() {
		return nil, c.err
	}
	if c.round == 0 || now.Before(c.deadline) {
		return nil, nil
	}
	missing := c.missing()
	if c.round != RoundShares {
		for _, id := range missing {
			delete(c.active, id)
		}
	}
	out, err := c.transition(now, missing)
	if err != nil {
		return out, err
	}
	more, err := c.advance(now)
	return append(out, more...), err
}

func (c *Ceremony) process(m *Message) error {
	switch m.Round {
	case RoundCommit:
		if _, ok := c.commits[m.From]; ok {
			return nil
		}
		cm, err := c.parseCommit(m.From, m.Body)
		if err != nil {
			c.faulty[m.From] = true
			return nil
		}
		c.commits[m.From] = cm
	case RoundShares:
		if _, ok := c.shares[m.From]; ok {
			return nil
		}
		share, err := c.parseShare(m.From, m.Body)
		if err != nil {
			c.rejected[m.From] = true
			return nil
		}
		c.shares[m.From] = share
	case RoundAck:
		if _, ok := c.acks[m.From]; ok {
			return nil
		}
		acks, err := parseAcks(m.Body)
		if err != nil {
			c.faulty[m.From] = true
			return nil
		}
		c.acks[m.From] = acks
	case RoundConfirm:
		if _, ok := c.confirms[m.From]; ok {
			return nil
		}
		body := new(confirmBody)
		if err := cbor.Unmarshal(m.Body, body); err != nil {
			c.faulty[m.From] = true
			return nil
		}
		if !c.confirm.equal(body) {
			// One of the two views diverged.  The majority completes.
			c.faulty[m.From] = true
			c.disagreed++
			return nil
		}
		c.confirms[m.From] = body
	default:
		panic(fmt.Sprintf("BUG: dkg: nonsensical round: %v", m.Round))
	}
	return nil
}

func (c *Ceremony) parseCommit(from sphinx.NodeID, raw []byte) (*commitment, error) {
	body := new(commitBody)
	if err := cbor.Unmarshal(raw, body); err != nil {
		return nil, ErrMalformedMessage
	}
	encKey, err := encScheme().UnmarshalBinaryPublicKey(body.EncKey)
	if err != nil {
		return nil, ErrMalformedMessage
	}
	sum := hash.Sum256(raw)
	cm := &commitment{raw: raw, digest: sum[:], encKey: encKey}
	if !c.params.isDealer(from) {
		if len(body.Commitments) != 0 {
			return nil, ErrMalformedMessage
		}
		return cm, nil
	}

	if len(body.Commitments) != c.params.Threshold {
		return nil, ErrMalformedMessage
	}
	if cm.coeffs, err = frost.DecodePoints(body.Commitments); err != nil {
		return nil, err
	}
	switch c.params.Kind {
	case KindDKG:
		if !verifyConstant(c.params.ID, from, cm.coeffs[0], body.ProofR, body.ProofZ) {
			return nil, ErrMalformedMessage
		}
	case KindReshare:
		// A continuing member must deal its existing share.
		expected := c.params.OldPublicShares[c.params.dealerID(from)]
		if !bytes.Equal(cm.coeffs[0].Bytes(), expected) {
			return nil, ErrMalformedMessage
		}
	}
	return cm, nil
}

func (c *Ceremony) parseShare(from sphinx.NodeID, raw []byte) (*edwards25519.Scalar, error) {
	cm, ok := c.commits[from]
	if !ok || cm.coeffs == nil {
		return nil, errShareRejected
	}
	body := new(shareBody)
	if err := cbor.Unmarshal(raw, body); err != nil {
		return nil, ErrMalformedMessage
	}
	share, err := openShare(c.encPriv, cm.encKey, c.params.ID, from, c.self, body.Ciphertext)
	if err != nil {
		return nil, err
	}
	selfID, _ := c.params.PartyID(c.self)
	if !frost.VerifyDealerShare(share, selfID, cm.coeffs) {
		return nil, errShareRejected
	}
	return share, nil
}

// expected returns who the current round waits on.
func (c *Ceremony) expected() []sphinx.NodeID {
	var out []sphinx.NodeID
	for _, id := range c.params.Parties {
		if !c.active[id] || c.faulty[id] {
			continue
		}
		if c.round == RoundShares && !c.params.isDealer(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

func (c *Ceremony) responded(id sphinx.NodeID) bool {
	switch c.round {
	case RoundCommit:
		_, ok := c.commits[id]
		return ok
	case RoundShares:
		_, ok := c.shares[id]
		return ok || c.rejected[id]
	case RoundAck:
		_, ok := c.acks[id]
		return ok
	case RoundConfirm:
		_, ok := c.confirms[id]
		return ok
	}
	return false
}

func (c *Ceremony) missing() []sphinx.NodeID {
	var out []sphinx.NodeID
	for _, id := range c.expected() {
		if !c.responded(id) {
			out = append(out, id)
		}
	}
	return out
}

func (c *Ceremony) advance(now time.Time) ([]*Message, error) {
	var out []*Message
	for !c.Done() && len(c.missing()) == 0 {
		msgs, err := c.transition(now, nil)
		out = append(out, msgs...)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

// transition leaves the current round.  missing is the set that was just
// dropped for timing out, and is reported if the ceremony cannot continue.
func (c *Ceremony) transition(now time.Time, missing []sphinx.NodeID) ([]*Message, error) {
	for id := range c.faulty {
		delete(c.active, id)
	}
	insufficient := func() error {
		if len(missing) > 0 {
			return c.abort(&CeremonyTimeoutError{CeremonyID: c.params.ID, Round: c.round, Missing: missing})
		}
		return c.abort(fmt.Errorf("%w: too few honest participants", ErrCeremonyAborted))
	}

	var out []*Message
	switch c.round {
	case RoundCommit:
		if len(c.active) < c.params.Threshold || len(c.activeDealers()) < c.params.neededDealers() {
			return nil, insufficient()
		}
		var err error
		if out, err = c.dealShares(); err != nil {
			return nil, c.abort(err)
		}
		c.round = RoundShares
	case RoundShares:
		if len(c.active) < c.params.Threshold {
			return nil, insufficient()
		}
		body := c.ownAcks()
		c.acks[c.self], _ = parseAcks(encodeBody(body))
		out = c.broadcast(RoundAck, encodeBody(body))
		c.round = RoundAck
	case RoundAck:
		qualified := c.qualified()
		if len(c.active) < c.params.Threshold || len(qualified) < c.params.neededDealers() {
			return nil, insufficient()
		}
		if err := c.combine(qualified); err != nil {
			return nil, c.abort(err)
		}
		c.confirms[c.self] = c.confirm
		out = c.broadcast(RoundConfirm, encodeBody(c.confirm))
		c.round = RoundConfirm
	case RoundConfirm:
		if len(c.confirms) < c.params.agreement() {
			if c.disagreed > 0 {
				return nil, c.abort(fmt.Errorf("%w: %d participants disagree", ErrGroupKeyMismatch, c.disagreed))
			}
			return nil, insufficient()
		}
		c.round = RoundComplete
		c.deadline = time.Time{}
		c.pending = nil
		c.encPriv.Reset()
		c.encPriv = nil
		return nil, nil
	default:
		panic(fmt.Sprintf("BUG: dkg: transition from round %v", c.round))
	}
	c.deadline = now.Add(c.params.RoundTimeout)
	if err := c.drainPending(); err != nil {
		return out, c.abort(err)
	}
	return out, nil
}

// drainPending processes the messages that arrived before the current
// round started.
func (c *Ceremony) drainPending() error {
	pending := c.pending
	c.pending = nil
	for _, m := range pending {
		if m.Round != c.round {
			if m.Round > c.round {
				c.pending = append(c.pending, m)
			}
			continue
		}
		if !c.active[m.From] || c.faulty[m.From] {
			continue
		}
		if err := c.process(m); err != nil {
			return err
		}
	}
	return nil
}

func (c *Ceremony) activeDealers() []sphinx.NodeID {
	var out []sphinx.NodeID
	for _, id := range c.params.dealers() {
		if c.active[id] {
			out = append(out, id)
		}
	}
	return out
}

// ownAcks lists the dealers this participant holds a verified share from,
// with the commitment it was verified against.
func (c *Ceremony) ownAcks() *ackBody {
	body := new(ackBody)
	for _, id := range c.activeDealers() {
		if _, ok := c.shares[id]; ok {
			body.Acks = append(body.Acks, ack{Dealer: id, Commitment: c.commits[id].digest})
		}
	}
	return body
}

func parseAcks(raw []byte) (map[sphinx.NodeID][]byte, error) {
	body := new(ackBody)
	if err := cbor.Unmarshal(raw, body); err != nil {
		return nil, ErrMalformedMessage
	}
	out := make(map[sphinx.NodeID][]byte, len(body.Acks))
	for _, a := range body.Acks {
		if _, ok := out[a.Dealer]; ok || len(a.Commitment) != hash.HashSize {
			return nil, ErrMalformedMessage
		}
		out[a.Dealer] = a.Commitment
	}
	return out, nil
}

// qualified returns the dealers that every remaining participant holds a
// verified share from, under the same commitment.  A dealer that sent one
// participant a bad share, or none, or showed participants different
// commitments, does not qualify.
func (c *Ceremony) qualified() []sphinx.NodeID {
	var out []sphinx.NodeID
	for _, dealer := range c.activeDealers() {
		cm, ok := c.commits[dealer]
		if !ok || cm.coeffs == nil {
			continue
		}
		acked := true
		for id := range c.active {
			if !bytes.Equal(c.acks[id][dealer], cm.digest) {
				acked = false
				break
			}
		}
		if acked {
			out = append(out, dealer)
		}
	}
	return out
}

func (c *Ceremony) dealShares() ([]*Message, error) {
	if c.poly == nil {
		return nil, nil
	}
	defer func() {
		c.poly.Reset()
		c.poly = nil
	}()

	var out []*Message
	for _, id := range c.params.Parties {
		if !c.active[id] {
			continue
		}
		fid, _ := c.params.PartyID(id)
		share := c.poly.Evaluate(fid)
		if id == c.self {
			c.shares[id] = share
			continue
		}
		ct, err := sealShare(c.encPriv, c.commits[id].encKey, c.params.ID, c.self, id, share)
		share.Set(edwards25519.NewScalar())
		if err != nil {
			// The recipient published a degenerate key.
			c.faulty[id] = true
			continue
		}
		out = append(out, &Message{
			Ceremony: c.params.ID,
			Round:    RoundShares,
			From:     c.self,
			To:       id,
			Body:     encodeBody(&shareBody{Ciphertext: ct}),
		})
	}
	return out, nil
}

// combine derives the local key share from the qualified dealers.  A
// resharing weights each dealer by its Lagrange coefficient over the
// qualified set, which reconstructs the old secret.
func (c *Ceremony) combine(qualified []sphinx.NodeID) error {
	weights := make(map[sphinx.NodeID]*edwards25519.Scalar, len(qualified))
	if c.params.Kind == KindDKG {
		for _, id := range qualified {
			weights[id] = frost.ID(1).Scalar()
		}
	} else {
		ids := make([]frost.ID, 0, len(qualified))
		for _, id := range qualified {
			ids = append(ids, c.params.dealerID(id))
		}
		for _, id := range qualified {
			l, err := frost.Lagrange(c.params.dealerID(id), ids)
			if err != nil {
				return err
			}
			weights[id] = l
		}
	}

	secret := edwards25519.NewScalar()
	groupKey := edwards25519.NewIdentityPoint()
	for _, id := range qualified {
		secret.MultiplyAdd(weights[id], c.shares[id], secret)
		groupKey.Add(groupKey, new(edwards25519.Point).ScalarMult(weights[id], c.commits[id].coeffs[0]))
	}
	if c.params.Kind == KindReshare && !bytes.Equal(groupKey.Bytes(), c.params.GroupKey) {
		return fmt.Errorf("%w: resharing changed the group key", ErrGroupKeyMismatch)
	}

	pubs := make(map[frost.ID]*edwards25519.Point, len(c.active))
	digest := new(bytes.Buffer)
	for _, party := range c.params.Parties {
		if !c.active[party] {
			continue
		}
		fid, _ := c.params.PartyID(party)
		y := edwards25519.NewIdentityPoint()
		for _, id := range qualified {
			y.Add(y, new(edwards25519.Point).ScalarMult(weights[id], frost.EvaluateCommitment(c.commits[id].coeffs, fid)))
		}
		pubs[fid] = y
		digest.Write(party[:])
		digest.Write(y.Bytes())
	}

	selfID, _ := c.params.PartyID(c.self)
	if new(edwards25519.Point).ScalarBaseMult(secret).Equal(pubs[selfID]) != 1 {
		panic("BUG: dkg: derived share does not match its public share")
	}
	for id, share := range c.shares {
		share.Set(edwards25519.NewScalar())
		delete(c.shares, id)
	}

	sum := hash.Sum256(digest.Bytes())
	c.confirm = &confirmBody{
		GroupKey:  groupKey.Bytes(),
		Qualified: qualified,
		Digest:    sum[:],
	}
	c.result = &frost.KeyShare{
		ID:           selfID,
		Threshold:    c.params.Threshold,
		Secret:       secret,
		GroupKey:     groupKey,
		PublicShares: pubs,
	}
	return nil
}

func (b *confirmBody) equal(o *confirmBody) bool {
	if b == nil || o == nil || len(b.Qualified) != len(o.Qualified) {
		return false
	}
	for i := range b.Qualified {
		if b.Qualified[i] != o.Qualified[i] {
			return false
		}
	}
	return bytes.Equal(b.GroupKey, o.GroupKey) && bytes.Equal(b.Digest, o.Digest)
}

func (c *Ceremony) broadcast(r Round, body []byte) []*Message {
	var out []*Message
	for _, id := range c.params.Parties {
		if id == c.self || !c.active[id] || c.faulty[id] {
			continue
		}
		out = append(out, &Message{
			Ceremony: c.params.ID,
			Round:    r,
			From:     c.self,
			To:       id,
			Body:     body,
		})
	}
	return out
}

func (c *Ceremony) abort(err error) error {
	if c.Done() {
		return c.err
	}
	if !errors.Is(err, ErrCeremonyAborted) {
		err = fmt.Errorf("%w: %w", ErrCeremonyAborted, err)
	}
	c.round = RoundAborted
	c.err = err
	c.pending = nil
	c.wipe()
	return err
}

func (c *Ceremony) wipe() {
	if c.poly != nil {
		c.poly.Reset()
		c.poly = nil
	}
	if c.encPriv != nil {
		c.encPriv.Reset()
	}
	for _, s := range c.shares {
		s.Set(edwards25519.NewScalar())
	}
	if c.result != nil {
		c.result.Reset()
		c.result = nil
	}
}
