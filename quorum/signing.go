// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package quorum

import (
	"errors"
	"time"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
	"github.com/katzenpost/quorumnet/quorum/roast"
)

// pendingSign is a signing request originated by the local node.  Each
// attempt goes to one coordinator under a fresh RequestID.
type pendingSign struct {
	msg             []byte
	seq             uint64
	attempt         int
	coordinator     sphinx.NodeID
	attemptDeadline time.Time
	deadline        time.Time
	have            int
	resCh           chan signReply
}

// coordination is a signing request the local node coordinates.
type coordination struct {
	requester sphinx.NodeID
	r         *roast.Coordinator
	deadline  time.Time
}

func (c *Coordinator) doSign(op *opSign) {
	g := c.Group()
	if g == nil {
		op.resCh <- signReply{err: ErrNoGroup}
		return
	}
	req := &pendingSign{
		msg:      op.msg,
		seq:      c.seq,
		deadline: op.deadline,
		resCh:    op.resCh,
	}
	c.seq++
	c.dispatchSign(g, req)
}

// dispatchSign sends req to the coordinator for its current attempt.  The
// coordinator rotates through the ranked members every
// MaxConsecutiveCoordinator requests, and on every retry.
func (c *Coordinator) dispatchSign(g *Group, req *pendingSign) {
	id, err := newRequestID()
	if err != nil {
		req.resCh <- signReply{err: err}
		return
	}
	ranked := c.ranked(g)
	idx := (int(req.seq/uint64(c.maxConsecutive)) + req.attempt) % len(ranked)
	req.coordinator = ranked[idx]
	req.attemptDeadline = c.clock.Now().Add(c.signingTimeout)
	if req.attemptDeadline.After(req.deadline) {
		req.attemptDeadline = req.deadline
	}
	c.requests[id] = req

	c.log.Debugf("Signing request %v: attempt %d via %v", id, req.attempt, req.coordinator)
	c.send(req.coordinator, kindSignRequest, &signRequest{Request: id, Message: req.msg})
}

func (c *Coordinator) retrySign(id RequestID, req *pendingSign) {
	delete(c.requests, id)
	g := c.Group()
	if g == nil {
		req.resCh <- signReply{err: ErrNoGroup}
		return
	}
	req.attempt++
	if !c.clock.Now().Before(req.deadline) || req.attempt >= len(g.Members()) {
		req.resCh <- signReply{err: &QuorumUnavailableError{Have: req.have, Need: g.Threshold}}
		return
	}
	c.dispatchSign(g, req)
}

func (c *Coordinator) onSignResult(e *envelope) {
	r := new(signResult)
	if err := e.decode(r); err != nil {
		c.log.Debugf("Dropping sign result from %v: %v", e.From, err)
		return
	}
	req, ok := c.requests[r.Request]
	if !ok || req.coordinator != e.From {
		return
	}
	if r.Signature != nil {
		if c.Verify(req.msg, r.Signature) {
			delete(c.requests, r.Request)
			req.resCh <- signReply{sig: r.Signature}
			return
		}
		c.log.Warningf("Signing request %v: invalid signature from coordinator %v", r.Request, e.From)
	} else {
		c.log.Infof("Signing request %v: coordinator %v reports %d of %d signers", r.Request, e.From, r.Have, r.Need)
	}
	req.have = max(req.have, r.Have)
	c.retrySign(r.Request, req)
}

func (c *Coordinator) onSignRequest(e *envelope) {
	r := new(signRequest)
	if err := e.decode(r); err != nil {
		c.log.Debugf("Dropping sign request from %v: %v", e.From, err)
		return
	}
	g := c.Group()
	if g == nil {
		c.send(e.From, kindSignResult, &signResult{Request: r.Request})
		return
	}
	if _, ok := g.partyID(e.From); !ok {
		c.log.Warningf("Dropping sign request from non-member %v", e.From)
		return
	}
	if _, ok := c.coordinating[r.Request]; ok {
		return
	}
	c.coordinating[r.Request] = &coordination{
		requester: e.From,
		r:         roast.NewCoordinator(g.Share, r.Message),
		deadline:  c.clock.Now().Add(c.signingTimeout),
	}
	for _, id := range g.Members() {
		c.send(id, kindCommitRequest, &commitRequest{Request: r.Request, Message: r.Message})
	}
}

func (c *Coordinator) onCommitRequest(e *envelope) {
	r := new(commitRequest)
	if err := e.decode(r); err != nil {
		c.log.Debugf("Dropping commit request from %v: %v", e.From, err)
		return
	}
	g := c.Group()
	if g == nil || c.signer == nil {
		return
	}
	if _, ok := g.partyID(e.From); !ok {
		return
	}
	com, err := c.signer.Commit(r.Message)
	if err != nil {
		c.log.Noticef("Signing request %v: declining: %v", r.Request, err)
		return
	}
	c.send(e.From, kindCommitment, &commitmentMsg{Request: r.Request, Commitment: com})
}

func (c *Coordinator) onCommitment(e *envelope) {
	m := new(commitmentMsg)
	if err := e.decode(m); err != nil {
		c.log.Debugf("Dropping commitment from %v: %v", e.From, err)
		return
	}
	co, g, fid, ok := c.coordinationFor(m.Request, e.From)
	if !ok || m.Commitment == nil || m.Commitment.ID != fid {
		return
	}
	req, err := co.r.AddCommitment(m.Commitment)
	if err != nil {
		c.log.Debugf("Signing request %v: commitment from %v: %v", m.Request, e.From, err)
		return
	}
	if req != nil {
		c.sendShareRequests(g, m.Request, req)
	}
}

func (c *Coordinator) onShareRequest(e *envelope) {
	m := new(shareRequest)
	if err := e.decode(m); err != nil {
		c.log.Debugf("Dropping share request from %v: %v", e.From, err)
		return
	}
	g := c.Group()
	if g == nil || c.signer == nil || m.Package == nil {
		return
	}
	if _, ok := g.partyID(e.From); !ok {
		return
	}
	share, next, err := c.signer.Sign(m.Package)
	if err != nil {
		c.log.Debugf("Signing request %v: session %d: %v", m.Request, m.Session, err)
		return
	}
	c.send(e.From, kindShare, &shareMsg{
		Request: m.Request,
		Session: m.Session,
		Share:   share,
		Next:    next,
	})
}

func (c *Coordinator) onShare(e *envelope) {
	m := new(shareMsg)
	if err := e.decode(m); err != nil {
		c.log.Debugf("Dropping share from %v: %v", e.From, err)
		return
	}
	co, g, fid, ok := c.coordinationFor(m.Request, e.From)
	if !ok || m.Share == nil || m.Share.ID != fid {
		return
	}
	if m.Next != nil && m.Next.ID != fid {
		m.Next = nil
	}

	req, err := co.r.HandleShare(m.Session, m.Share, m.Next)
	var qe *QuorumUnavailableError
	switch {
	case errors.As(err, &qe):
		c.log.Warningf("Signing request %v: quorum unavailable, excluded %v", m.Request, co.r.Malicious())
		c.finishCoordination(m.Request, co, &signResult{Request: m.Request, Have: qe.Have, Need: qe.Need})
	case err != nil:
		c.log.Debugf("Signing request %v: share from %v: %v", m.Request, e.From, err)
	case co.r.Signature() != nil:
		if bad := co.r.Malicious(); len(bad) > 0 {
			c.log.Warningf("Signing request %v: excluded signers %v", m.Request, bad)
		}
		if fn := c.cfg.Hooks.SignatureProduced; fn != nil {
			fn()
		}
		c.finishCoordination(m.Request, co, &signResult{Request: m.Request, Signature: co.r.Signature()})
	case req != nil:
		c.sendShareRequests(g, m.Request, req)
	}
}

func (c *Coordinator) coordinationFor(id RequestID, from sphinx.NodeID) (*coordination, *Group, frost.ID, bool) {
	co, ok := c.coordinating[id]
	if !ok {
		return nil, nil, 0, false
	}
	g := c.Group()
	if g == nil {
		return nil, nil, 0, false
	}
	fid, ok := g.partyID(from)
	return co, g, fid, ok
}

func (c *Coordinator) sendShareRequests(g *Group, id RequestID, req *roast.Request) {
	for _, fid := range req.Signers() {
		to, ok := g.node(fid)
		if !ok {
			continue
		}
		c.send(to, kindShareRequest, &shareRequest{
			Request: id,
			Session: req.Session,
			Package: req.Package,
		})
	}
}

func (c *Coordinator) coordinationTimeout(id RequestID, co *coordination) {
	g := c.Group()
	need := 0
	if g != nil {
		need = g.Threshold
	}
	c.log.Infof("Signing request %v: timed out with %d responsive signers", id, co.r.Responsive())
	c.finishCoordination(id, co, &signResult{Request: id, Have: co.r.Responsive(), Need: need})
}

func (c *Coordinator) finishCoordination(id RequestID, co *coordination, r *signResult) {
	delete(c.coordinating, id)
	c.send(co.requester, kindSignResult, r)
}
