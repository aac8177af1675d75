// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"context"
	"errors"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/state"
	"github.com/katzenpost/quorumnet/quorum"
	"github.com/katzenpost/quorumnet/quorum/membership"
	"github.com/katzenpost/quorumnet/server/internal/instrument"
	"github.com/katzenpost/quorumnet/server/internal/management"
)

const (
	membershipBucket = "membership"
	membershipKey    = "current"

	maxCandidates = 1024
)

func (s *Server) restoreMembership() error {
	b, err := s.store.Load(membershipBucket, membershipKey)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	set := new(membership.Set)
	if err = set.UnmarshalBinary(b); err != nil {
		return err
	}
	s.membership.Store(set)
	s.log.Noticef("Restored quorum membership for epoch %d.", set.Epoch)
	return nil
}

// refresh publishes the descriptor for epoch and brings the quorum up to
// date.  It runs on the refresh worker only, and may block for the length
// of a ceremony.
func (s *Server) refresh(ctx context.Context, epoch uint64) {
	if err := s.publishDescriptor(ctx, epoch); err != nil {
		s.log.Warningf("Failed to publish descriptor for epoch %d: %v", epoch, err)
	}
	if s.quorum == nil {
		return
	}

	set, err := s.updateMembership(ctx, epoch)
	if err != nil {
		s.log.Warningf("Failed to compute quorum membership for epoch %d: %v", epoch, err)
		return
	}
	if set == nil {
		return
	}
	if err = s.quorum.UpdateMembership(ctx, set); err != nil {
		s.log.Warningf("Failed to update the quorum group: %v", err)
		return
	}
	if err = s.publishQuorumDescriptor(ctx, set); err != nil {
		s.log.Warningf("Failed to publish quorum descriptor: %v", err)
	}
}

// candidates returns the quorum candidates listed in the directory, and
// their reputation.  With no reputation configured, every candidate scores
// the same.  A name claimed by more than one relay scores for none.
func (s *Server) candidates(ctx context.Context) ([]sphinx.NodeID, membership.StaticFeed, error) {
	suite := s.geo.Suite().String()
	descs, err := s.directory.Sample(ctx, maxCandidates, func(d *pki.RelayDescriptor) bool {
		return d.QuorumMember && d.Suite == suite
	})
	if err != nil && !errors.Is(err, dht.ErrNotEnoughRelays) {
		return nil, nil, err
	}

	rep := s.cfg.Quorum.Reputation
	claims := make(map[string]int, len(descs))
	for _, d := range descs {
		claims[d.Name]++
	}
	ids := make([]sphinx.NodeID, 0, len(descs))
	feed := make(membership.StaticFeed, len(descs))
	for _, d := range descs {
		score := 1.0
		if len(rep) > 0 {
			v, ok := rep[d.Name]
			if !ok || claims[d.Name] > 1 {
				continue
			}
			score = v
		}
		ids = append(ids, d.ID())
		feed[d.ID()] = score
	}
	return ids, feed, nil
}

// updateMembership recomputes the quorum once per epoch.  The first
// membership waits until a full quorum of candidates is listed, and follows
// the directory until a group has formed.
func (s *Server) updateMembership(ctx context.Context, epoch uint64) (*membership.Set, error) {
	prev := s.membership.Load()
	base := prev
	if prev != nil && prev.Epoch >= epoch {
		if prev.Epoch > epoch || s.quorum.Group() != nil {
			return prev, nil
		}
		base = nil
	}

	candidates, feed, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	qCfg := s.cfg.Quorum
	if base == nil && len(candidates) < qCfg.Size {
		s.log.Infof("Waiting for quorum candidates: %d of %d listed.", len(candidates), qCfg.Size)
		return prev, nil
	}
	set, err := membership.Recompute(base, epoch, feed, candidates, &membership.Params{
		Size:          qCfg.Size,
		MarginPercent: qCfg.MarginPercent,
		MaxChurn:      qCfg.MaxChurn,
	})
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.Epoch == set.Epoch && equalMembers(prev.Ranked(), set.Ranked()) {
		return prev, nil
	}

	b, err := set.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err = s.store.Save(membershipBucket, membershipKey, b); err != nil {
		return nil, err
	}
	s.membership.Store(set)

	added := set.Added(prev)
	instrument.MembershipChurn(len(added))
	s.log.Noticef("Epoch %d: quorum of %d members, %d added, %d in grace.", epoch, len(set.Members), len(added), len(set.Grace))
	return set, nil
}

// publishQuorumDescriptor has the quorum sign and publish its descriptor.
// Only the highest ranked member holding a share does so.
func (s *Server) publishQuorumDescriptor(ctx context.Context, set *membership.Set) error {
	g := s.quorum.Group()
	if g == nil {
		return nil
	}
	members := g.Members()
	holders := make(map[sphinx.NodeID]bool, len(members))
	for _, id := range members {
		holders[id] = true
	}
	var leader sphinx.NodeID
	for _, id := range set.Ranked() {
		if holders[id] {
			leader = id
			break
		}
	}
	if leader != s.nodeID {
		return nil
	}

	groupKey := g.GroupKey()
	if cur, err := s.directory.LookupQuorum(ctx, groupKey); err == nil && cur.Epoch == set.Epoch && cur.Threshold == g.Threshold && equalMembers(cur.Members, members) {
		return nil
	}
	desc := &pki.QuorumDescriptor{
		Epoch:     set.Epoch,
		GroupKey:  groupKey,
		Threshold: g.Threshold,
		Members:   members,
	}
	blob, err := desc.Marshal()
	if err != nil {
		return err
	}
	sig, err := s.Sign(ctx, blob)
	if err != nil {
		return err
	}
	if err = s.directory.PublishQuorum(ctx, blob, sig); err != nil {
		return err
	}
	s.log.Noticef("Published quorum descriptor for epoch %d, group key %x.", set.Epoch, groupKey)
	return nil
}

func equalMembers(a, b []sphinx.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Status implements management.Backend.
func (s *Server) Status() *management.Status {
	st := &management.Status{
		Identifier:   s.cfg.Server.Identifier,
		NodeID:       s.nodeID.String(),
		Epoch:        s.epoch(),
		QuorumMember: s.cfg.Server.IsQuorumMember,
		GroupKey:     s.GroupKey(),
	}
	if c := s.client; c != nil {
		st.Circuits = len(c.Circuits())
	}
	return st
}

// Membership implements management.Backend.
func (s *Server) Membership() *membership.Set {
	return s.membership.Load()
}

// GroupKey returns the quorum group key, or nil if this relay holds no
// share.
func (s *Server) GroupKey() []byte {
	if s.quorum == nil {
		return nil
	}
	return s.quorum.GroupKey()
}

// Sign requests a threshold signature of msg from the quorum.
func (s *Server) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if s.quorum == nil {
		return nil, quorum.ErrNoGroup
	}
	sig, err := s.quorum.RequestSignature(ctx, msg)
	switch {
	case err == nil:
		instrument.Signature("produced")
	case retry.IsRetryable(err):
		instrument.Signature("unavailable")
	default:
		instrument.Signature("failed")
	}
	return sig, err
}

var _ management.Backend = (*Server)(nil)

