// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dkg

import (
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

type entry struct {
	ID   sphinx.NodeID `cbor:"1,keyasint"`
	Blob []byte        `cbor:"2,keyasint"`
}

// checkpoint is the serialized ceremony.  It contains secrets and must be
// stored accordingly.
type checkpoint struct {
	Params   *Params         `cbor:"1,keyasint"`
	Self     sphinx.NodeID   `cbor:"2,keyasint"`
	OldShare []byte          `cbor:"3,keyasint,omitempty"`
	Round    Round           `cbor:"4,keyasint"`
	Deadline int64           `cbor:"5,keyasint"`
	EncKey   []byte          `cbor:"6,keyasint,omitempty"`
	Poly     [][]byte        `cbor:"7,keyasint,omitempty"`
	Active   []sphinx.NodeID `cbor:"8,keyasint"`
	Faulty   []sphinx.NodeID `cbor:"9,keyasint,omitempty"`
	Commits  []entry         `cbor:"10,keyasint,omitempty"`
	Shares   []entry         `cbor:"11,keyasint,omitempty"`
	Confirms []entry         `cbor:"12,keyasint,omitempty"`
	Pending  []*Message      `cbor:"13,keyasint,omitempty"`
	Result   []byte          `cbor:"14,keyasint,omitempty"`
	Rejected []sphinx.NodeID `cbor:"15,keyasint,omitempty"`
	Acks     []entry         `cbor:"16,keyasint,omitempty"`
}

// Marshal serializes the ceremony state, including secrets.  Terminated
// ceremonies are not serializable.
func (c *Ceremony) Marshal() ([]byte, error) {
	if c.round == RoundAborted {
		return nil, errors.New("dkg: aborted ceremonies are not checkpointed")
	}
	cp := &checkpoint{
		Params:   c.params,
		Self:     c.self,
		Round:    c.round,
		Pending:  c.pending,
		Faulty:   sortedSet(c.faulty),
		Rejected: sortedSet(c.rejected),
	}
	if !c.deadline.IsZero() {
		cp.Deadline = c.deadline.UnixNano()
	}
	var err error
	if c.oldShare != nil {
		if cp.OldShare, err = c.oldShare.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	if c.encPriv != nil {
		cp.EncKey = c.encPriv.Bytes()
	}
	for _, a := range c.poly {
		cp.Poly = append(cp.Poly, a.Bytes())
	}
	for _, id := range c.params.Parties {
		if c.active[id] {
			cp.Active = append(cp.Active, id)
		}
		if cm, ok := c.commits[id]; ok {
			cp.Commits = append(cp.Commits, entry{ID: id, Blob: cm.raw})
		}
		if s, ok := c.shares[id]; ok {
			cp.Shares = append(cp.Shares, entry{ID: id, Blob: s.Bytes()})
		}
		if acks, ok := c.acks[id]; ok {
			body := new(ackBody)
			for _, d := range c.params.Parties {
				if h, ok := acks[d]; ok {
					body.Acks = append(body.Acks, ack{Dealer: d, Commitment: h})
				}
			}
			cp.Acks = append(cp.Acks, entry{ID: id, Blob: encodeBody(body)})
		}
		if b, ok := c.confirms[id]; ok {
			cp.Confirms = append(cp.Confirms, entry{ID: id, Blob: encodeBody(b)})
		}
	}
	if c.result != nil {
		if cp.Result, err = c.result.MarshalBinary(); err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(cp)
}

// Restore rebuilds a ceremony from a checkpoint.
func Restore(b []byte) (*Ceremony, error) {
	cp := new(checkpoint)
	if err := cbor.Unmarshal(b, cp); err != nil {
		return nil, err
	}
	if cp.Params == nil {
		return nil, ErrInvalidParams
	}
	var oldShare *frost.KeyShare
	if cp.OldShare != nil {
		oldShare = new(frost.KeyShare)
		if err := oldShare.UnmarshalBinary(cp.OldShare); err != nil {
			return nil, err
		}
	}
	c, err := New(cp.Params, cp.Self, oldShare)
	if err != nil {
		return nil, err
	}

	c.round = cp.Round
	if cp.Deadline != 0 {
		c.deadline = time.Unix(0, cp.Deadline)
	}
	c.pending = cp.Pending
	if cp.EncKey != nil {
		if c.encPriv, err = encScheme().UnmarshalBinaryPrivateKey(cp.EncKey); err != nil {
			return nil, err
		}
	}
	for _, a := range cp.Poly {
		s, err := frost.ParseScalar(a)
		if err != nil {
			return nil, err
		}
		c.poly = append(c.poly, s)
	}
	c.active = make(map[sphinx.NodeID]bool, len(cp.Active))
	for _, id := range cp.Active {
		c.active[id] = true
	}
	for _, id := range cp.Faulty {
		c.faulty[id] = true
	}
	for _, id := range cp.Rejected {
		c.rejected[id] = true
	}
	for _, e := range cp.Commits {
		cm, err := c.parseCommit(e.ID, e.Blob)
		if err != nil {
			return nil, err
		}
		c.commits[e.ID] = cm
	}
	for _, e := range cp.Shares {
		s, err := frost.ParseScalar(e.Blob)
		if err != nil {
			return nil, err
		}
		c.shares[e.ID] = s
	}
	for _, e := range cp.Acks {
		if c.acks[e.ID], err = parseAcks(e.Blob); err != nil {
			return nil, err
		}
	}
	for _, e := range cp.Confirms {
		body := new(confirmBody)
		if err := cbor.Unmarshal(e.Blob, body); err != nil {
			return nil, err
		}
		c.confirms[e.ID] = body
	}
	if cp.Result != nil {
		c.result = new(frost.KeyShare)
		if err := c.result.UnmarshalBinary(cp.Result); err != nil {
			return nil, err
		}
		c.confirm = c.confirms[c.self]
	}
	return c, nil
}
