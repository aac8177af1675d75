// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package membership computes the threshold quorum from a reputation feed.
//
// The quorum for an epoch is a pure function of the feed and the previous
// epoch's set.  Churn is dampened two ways: a candidate must beat the
// lowest ranked member by a margin to displace it, and at most MaxChurn
// members join per epoch.  A displaced member stays valid for one grace
// epoch before it is removed.
package membership

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// Feed is a source of reputation scores.
type Feed interface {
	// Score returns the current score of a participant, and false if the
	// participant is unknown.
	Score(id sphinx.NodeID) (float64, bool)
}

// StaticFeed is a Feed backed by a map.
type StaticFeed map[sphinx.NodeID]float64

// Score implements Feed.
func (f StaticFeed) Score(id sphinx.NodeID) (float64, bool) {
	s, ok := f[id]
	return s, ok
}

// Params are the churn dampening parameters.
type Params struct {
	// Size is the number of members, K.
	Size int

	// MarginPercent is how much a candidate must exceed the lowest ranked
	// member's score by, in percent, to displace it.
	MarginPercent float64

	// MaxChurn is the maximum number of members added per epoch.
	MaxChurn int
}

// Validate checks the parameters.
func (p *Params) Validate() error {
	if p.Size < 1 {
		return fmt.Errorf("membership: invalid size %d", p.Size)
	}
	if p.MarginPercent < 0 || math.IsNaN(p.MarginPercent) {
		return fmt.Errorf("membership: invalid margin %v", p.MarginPercent)
	}
	if p.MaxChurn < 0 {
		return fmt.Errorf("membership: invalid max churn %d", p.MaxChurn)
	}
	return nil
}

// Member is a quorum member and the score it was ranked by.
type Member struct {
	ID    sphinx.NodeID `cbor:"1,keyasint"`
	Score float64       `cbor:"2,keyasint"`
}

// Set is the quorum for one epoch.
type Set struct {
	Epoch uint64 `cbor:"1,keyasint"`

	// Members are ordered by descending score.
	Members []Member `cbor:"2,keyasint"`

	// Grace holds members displaced this epoch.  They remain valid until
	// the next recomputation.
	Grace []Member `cbor:"3,keyasint,omitempty"`
}

func less(a, b Member) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func rank(ms []Member) []Member {
	sort.Slice(ms, func(i, j int) bool { return less(ms[i], ms[j]) })
	return ms
}

func sortIDs(ids []sphinx.NodeID) []sphinx.NodeID {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

// Ranked returns the members in descending score order.
func (s *Set) Ranked() []sphinx.NodeID {
	out := make([]sphinx.NodeID, 0, len(s.Members))
	for _, m := range s.Members {
		out = append(out, m.ID)
	}
	return out
}

// Active returns every valid participant, members and grace members, in
// identifier order.
func (s *Set) Active() []sphinx.NodeID {
	out := make([]sphinx.NodeID, 0, len(s.Members)+len(s.Grace))
	for _, m := range s.Members {
		out = append(out, m.ID)
	}
	for _, m := range s.Grace {
		out = append(out, m.ID)
	}
	return sortIDs(out)
}

// IsMember returns true iff id is a full member.
func (s *Set) IsMember(id sphinx.NodeID) bool {
	for _, m := range s.Members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Valid returns true iff id is a member or in its grace epoch.
func (s *Set) Valid(id sphinx.NodeID) bool {
	if s.IsMember(id) {
		return true
	}
	for _, m := range s.Grace {
		if m.ID == id {
			return true
		}
	}
	return false
}

// Added returns the members of s that were not members of prev.
func (s *Set) Added(prev *Set) []sphinx.NodeID {
	var out []sphinx.NodeID
	for _, m := range s.Members {
		if prev == nil || !prev.IsMember(m.ID) {
			out = append(out, m.ID)
		}
	}
	return sortIDs(out)
}

// MarshalBinary serializes the set.
func (s *Set) MarshalBinary() ([]byte, error) {
	return cbor.Marshal(s)
}

// UnmarshalBinary deserializes a set.
func (s *Set) UnmarshalBinary(b []byte) error {
	return cbor.Unmarshal(b, s)
}

func scored(feed Feed, candidates []sphinx.NodeID) []Member {
	seen := make(map[sphinx.NodeID]bool, len(candidates))
	out := make([]Member, 0, len(candidates))
	for _, id := range candidates {
		if seen[id] {
			continue
		}
		seen[id] = true
		if score, ok := feed.Score(id); ok && !math.IsNaN(score) {
			out = append(out, Member{ID: id, Score: score})
		}
	}
	return rank(out)
}

// Genesis returns the initial quorum: the top Size candidates, with no
// churn bound.
func Genesis(epoch uint64, feed Feed, candidates []sphinx.NodeID, p *Params) (*Set, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	ranked := scored(feed, candidates)
	if len(ranked) == 0 {
		return nil, errors.New("membership: no scored candidates")
	}
	if len(ranked) > p.Size {
		ranked = ranked[:p.Size]
	}
	return &Set{Epoch: epoch, Members: ranked}, nil
}

// Recompute derives the quorum for epoch from the previous epoch's set.
// Members that are no longer candidates, or no longer scored, leave
// immediately into the grace list.  Free seats are filled and the lowest
// ranked members displaced by the best challengers, at most MaxChurn
// additions in total.
func Recompute(prev *Set, epoch uint64, feed Feed, candidates []sphinx.NodeID, p *Params) (*Set, error) {
	if prev == nil {
		return Genesis(epoch, feed, candidates, p)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if epoch <= prev.Epoch {
		return nil, fmt.Errorf("membership: epoch %d does not follow %d", epoch, prev.Epoch)
	}

	pool := scored(feed, candidates)
	scores := make(map[sphinx.NodeID]float64, len(pool))
	for _, m := range pool {
		scores[m.ID] = m.Score
	}

	next := &Set{Epoch: epoch}
	var members []Member
	for _, m := range prev.Members {
		if score, ok := scores[m.ID]; ok {
			members = append(members, Member{ID: m.ID, Score: score})
		} else {
			next.Grace = append(next.Grace, m)
		}
	}
	members = rank(members)
	for len(members) > p.Size {
		next.Grace = append(next.Grace, members[len(members)-1])
		members = members[:len(members)-1]
	}

	var challengers []Member
	for _, m := range pool {
		if !prev.IsMember(m.ID) {
			challengers = append(challengers, m)
		}
	}

	added := 0
	for len(challengers) > 0 && added < p.MaxChurn {
		ch := challengers[0]
		if len(members) < p.Size {
			members = append(members, ch)
		} else {
			lowest := members[len(members)-1]
			bar := lowest.Score + math.Abs(lowest.Score)*p.MarginPercent/100
			if ch.Score <= bar {
				break
			}
			next.Grace = append(next.Grace, lowest)
			members[len(members)-1] = ch
		}
		members = rank(members)
		challengers = challengers[1:]
		added++
	}

	next.Members = members
	next.Grace = rank(next.Grace)
	return next, nil
}
