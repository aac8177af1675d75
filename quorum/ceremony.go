// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package quorum

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/katzenpost/quorumnet/core/state"
	"github.com/katzenpost/quorumnet/quorum/dkg"
	"github.com/katzenpost/quorumnet/quorum/frost"
	"github.com/katzenpost/quorumnet/quorum/roast"
)

const (
	maxEarlyCeremonies = 16
	maxEarlyMessages   = 256
)

type ceremonyState struct {
	c       *dkg.Ceremony
	waiters []chan ceremonyReply
}

func (c *Coordinator) doStartDKG(op *opStartDKG) {
	id, err := dkg.NewCeremonyID()
	if err != nil {
		op.resCh <- ceremonyReply{err: err}
		return
	}
	p := &dkg.Params{
		ID:           id,
		Kind:         dkg.KindDKG,
		Threshold:    op.threshold,
		Parties:      op.parties,
		RoundTimeout: c.roundTimeout,
	}
	c.startCeremony(p, nil, op.resCh, true)
}

func (c *Coordinator) doReshare(op *opReshare) {
	g := c.Group()
	if g == nil {
		op.resCh <- ceremonyReply{err: ErrNoGroup}
		return
	}
	if !equalIDs(op.oldSet, g.Parties) {
		op.resCh <- ceremonyReply{err: fmt.Errorf("%w: old set is not the current group", dkg.ErrInvalidParams)}
		return
	}
	id, err := dkg.NewCeremonyID()
	if err != nil {
		op.resCh <- ceremonyReply{err: err}
		return
	}
	p := &dkg.Params{
		ID:              id,
		Kind:            dkg.KindReshare,
		Threshold:       c.threshold(len(op.newSet)),
		Parties:         op.newSet,
		RoundTimeout:    c.roundTimeout,
		OldThreshold:    g.Threshold,
		OldParties:      g.Parties,
		GroupKey:        g.GroupKey(),
		OldPublicShares: g.oldPublicShares(),
	}
	var oldShare *frost.KeyShare
	if _, ok := g.partyID(c.self); ok {
		oldShare = g.Share
	}
	c.startCeremony(p, oldShare, op.resCh, true)
}

func (c *Coordinator) startCeremony(p *dkg.Params, oldShare *frost.KeyShare, waiter chan ceremonyReply, invite bool) {
	cer, err := dkg.New(p, c.self, oldShare)
	if err != nil {
		if waiter != nil {
			waiter <- ceremonyReply{err: err}
		} else {
			c.log.Warningf("Declining ceremony %v: %v", p.ID, err)
		}
		return
	}
	if invite {
		for _, id := range p.Parties {
			if id != c.self {
				c.send(id, kindInvite, p)
			}
		}
	}

	st := &ceremonyState{c: cer}
	if waiter != nil {
		st.waiters = append(st.waiters, waiter)
	}
	c.ceremonies[p.ID] = st
	c.log.Noticef("Ceremony %v: %v started, %d of %d", p.ID, p.Kind, p.Threshold, len(p.Parties))
	if fn := c.cfg.Hooks.CeremonyStarted; fn != nil {
		fn(p.Kind)
	}

	now := c.clock.Now()
	msgs, err := cer.Start(now)
	c.afterCeremony(st, msgs, err)

	early := c.early[p.ID]
	delete(c.early, p.ID)
	for _, m := range early {
		if cer.Done() {
			break
		}
		msgs, err = cer.Handle(m, now)
		c.afterCeremony(st, msgs, err)
	}
}

func (c *Coordinator) afterCeremony(st *ceremonyState, msgs []*dkg.Message, err error) {
	for _, m := range msgs {
		c.send(m.To, kindCeremony, m)
	}

	id := st.c.ID()
	if c.ceremonies[id] != st {
		return
	}
	kind := st.c.Params().Kind
	if err == nil {
		err = st.c.Err()
	}
	switch {
	case err != nil:
		c.log.Warningf("Ceremony %v: aborted: %v", id, err)
		if faulty := st.c.Faulty(); len(faulty) > 0 {
			c.log.Warningf("Ceremony %v: faulty participants: %v", id, faulty)
		}
		if fn := c.cfg.Hooks.CeremonyAborted; fn != nil {
			fn(kind)
		}
		c.finishCeremony(st, ceremonyReply{err: err})
	case st.c.Done():
		g := c.adopt(st.c.Params(), st.c.Result())
		c.log.Noticef("Ceremony %v: complete, group key %x", id, g.GroupKey())
		if fn := c.cfg.Hooks.CeremonyCompleted; fn != nil {
			fn(kind)
		}
		c.finishCeremony(st, ceremonyReply{groupKey: g.GroupKey()})
	default:
		c.checkpointCeremony(st)
	}
}

func (c *Coordinator) checkpointCeremony(st *ceremonyState) {
	if c.cfg.Store == nil {
		return
	}
	b, err := st.c.Marshal()
	if err == nil {
		err = c.cfg.Store.Save(ceremonyBucket, st.c.ID().String(), b)
	}
	if err != nil {
		c.log.Warningf("Failed to checkpoint ceremony %v: %v", st.c.ID(), err)
	}
}

func (c *Coordinator) finishCeremony(st *ceremonyState, r ceremonyReply) {
	id := st.c.ID()
	delete(c.ceremonies, id)
	c.finished[id] = true
	if c.cfg.Store != nil {
		if err := c.cfg.Store.Delete(ceremonyBucket, id.String()); err != nil && !errors.Is(err, state.ErrNotFound) {
			c.log.Warningf("Failed to delete ceremony checkpoint %v: %v", id, err)
		}
	}
	for _, ch := range st.waiters {
		ch <- r
	}
	st.waiters = nil
}

// adopt replaces the local group with the result of a ceremony.  Signing
// state tied to the previous share is discarded.
func (c *Coordinator) adopt(p *dkg.Params, share *frost.KeyShare) *Group {
	g := &Group{
		Threshold: p.Threshold,
		Parties:   p.Parties,
		Share:     share,
	}
	if c.cfg.Store != nil {
		b, err := g.MarshalBinary()
		if err == nil {
			err = c.cfg.Store.Save(groupBucket, groupKey, b)
		}
		if err != nil {
			c.log.Errorf("Failed to persist group key share: %v", err)
		}
	}

	c.groupLock.Lock()
	old := c.group
	c.group = g
	c.groupLock.Unlock()

	c.signer = roast.NewSigner(share, c.cfg.Approve)
	c.coordinating = make(map[RequestID]*coordination)
	if old != nil && old.Share != share {
		old.Share.Reset()
	}
	return g
}

func (c *Coordinator) onInvite(e *envelope) {
	p := new(dkg.Params)
	if err := e.decode(p); err != nil {
		c.log.Debugf("Dropping invite from %v: %v", e.From, err)
		return
	}
	if _, ok := c.ceremonies[p.ID]; ok || c.finished[p.ID] {
		return
	}
	if _, ok := dkg.PartyID(p.Parties, e.From); !ok {
		c.log.Warningf("Dropping invite to ceremony %v: %v is not a participant", p.ID, e.From)
		return
	}
	if set := c.membership.Load(); set != nil && !set.Valid(e.From) {
		c.log.Warningf("Dropping invite to ceremony %v: %v is not in the quorum", p.ID, e.From)
		return
	}

	g := c.Group()
	if p.Kind == dkg.KindDKG && g != nil {
		if _, ok := g.partyID(e.From); !ok {
			c.log.Warningf("Dropping key generation invite %v: %v is not a member of the group", p.ID, e.From)
			return
		}
	}

	var oldShare *frost.KeyShare
	if p.Kind == dkg.KindReshare {
		if _, ok := dkg.PartyID(p.OldParties, e.From); !ok {
			c.log.Warningf("Dropping reshare invite %v: %v is not a member of the group", p.ID, e.From)
			return
		}
		if g != nil && bytes.Equal(g.GroupKey(), p.GroupKey) {
			if _, ok := g.partyID(c.self); ok {
				oldShare = g.Share
			}
		}
	}
	c.startCeremony(p, oldShare, nil, false)
}

func (c *Coordinator) onCeremony(e *envelope) {
	m, err := dkg.ParseMessage(e.Body)
	if err != nil {
		c.log.Debugf("Dropping ceremony message from %v: %v", e.From, err)
		return
	}
	if m.From != e.From || m.To != c.self {
		c.log.Warningf("Dropping misaddressed ceremony message from %v", e.From)
		return
	}
	st, ok := c.ceremonies[m.Ceremony]
	if !ok {
		c.stashEarly(m)
		return
	}
	msgs, err := st.c.Handle(m, c.clock.Now())
	c.afterCeremony(st, msgs, err)
}

// stashEarly holds a message that overtook its ceremony's invite.
func (c *Coordinator) stashEarly(m *dkg.Message) {
	if c.finished[m.Ceremony] {
		return
	}
	q, ok := c.early[m.Ceremony]
	if !ok && len(c.early) >= maxEarlyCeremonies {
		return
	}
	if len(q) >= maxEarlyMessages {
		return
	}
	c.early[m.Ceremony] = append(q, m)
}
