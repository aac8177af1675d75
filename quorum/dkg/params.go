// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dkg

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

// DefaultRoundTimeout is the default per-round timeout.
const DefaultRoundTimeout = 30 * time.Second

var (
	// ErrCeremonyAborted is returned (possibly wrapped) by every ceremony
	// that terminates without a result.
	ErrCeremonyAborted = errors.New("dkg: ceremony aborted")

	// ErrGroupKeyMismatch is returned when participants derive different
	// group keys.
	ErrGroupKeyMismatch = errors.New("dkg: group key mismatch")

	// ErrReshareInsufficient is returned when fewer than the old threshold
	// of members continue into the new set.  The caller must fall back to
	// a full key generation.
	ErrReshareInsufficient = errors.New("dkg: too few continuing members to reshare")

	// ErrNotParticipant is returned when the local node is not in the
	// participant set.
	ErrNotParticipant = errors.New("dkg: not a participant")

	// ErrInvalidParams is returned for inconsistent ceremony parameters.
	ErrInvalidParams = errors.New("dkg: invalid parameters")
)

// CeremonyTimeoutError is returned when a round times out without enough
// responsive participants to continue.  It is retryable, and wraps
// ErrCeremonyAborted.
type CeremonyTimeoutError struct {
	CeremonyID CeremonyID
	Round      Round
	Missing    []sphinx.NodeID
}

func (e *CeremonyTimeoutError) Error() string {
	ids := make([]string, 0, len(e.Missing))
	for _, id := range e.Missing {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("dkg: ceremony %v timed out in round %v, missing [%s]", e.CeremonyID, e.Round, strings.Join(ids, ", "))
}

// Temporary returns true, a timed out ceremony may be retried.
func (e *CeremonyTimeoutError) Temporary() bool {
	return true
}

// Is reports the timeout as an aborted ceremony.
func (e *CeremonyTimeoutError) Is(target error) bool {
	return target == ErrCeremonyAborted
}

// Params are the parameters every participant of a ceremony must agree
// on.  They are distributed by the initiator.
type Params struct {
	ID           CeremonyID      `cbor:"1,keyasint"`
	Kind         Kind            `cbor:"2,keyasint"`
	Threshold    int             `cbor:"3,keyasint"`
	Parties      []sphinx.NodeID `cbor:"4,keyasint"`
	RoundTimeout time.Duration   `cbor:"5,keyasint"`

	// Resharing only.
	OldThreshold    int                 `cbor:"6,keyasint,omitempty"`
	OldParties      []sphinx.NodeID     `cbor:"7,keyasint,omitempty"`
	GroupKey        []byte              `cbor:"8,keyasint,omitempty"`
	OldPublicShares map[frost.ID][]byte `cbor:"9,keyasint,omitempty"`
}

// SortParties sorts a participant set in place and returns it.
func SortParties(ids []sphinx.NodeID) []sphinx.NodeID {
	sort.Slice(ids, func(i, j int) bool { return bytes.Compare(ids[i][:], ids[j][:]) < 0 })
	return ids
}

func checkParties(ids []sphinx.NodeID) error {
	if len(ids) == 0 || len(ids) > 0xffff {
		return fmt.Errorf("%w: bad participant count %d", ErrInvalidParams, len(ids))
	}
	var zero sphinx.NodeID
	for i, id := range ids {
		if id == zero {
			return fmt.Errorf("%w: zero participant", ErrInvalidParams)
		}
		if i > 0 && bytes.Compare(ids[i-1][:], id[:]) >= 0 {
			return fmt.Errorf("%w: participants not sorted and unique", ErrInvalidParams)
		}
	}
	return nil
}

func (p *Params) validate() error {
	if err := checkParties(p.Parties); err != nil {
		return err
	}
	if p.Threshold < 1 || p.Threshold > len(p.Parties) {
		return fmt.Errorf("%w: threshold %d of %d", ErrInvalidParams, p.Threshold, len(p.Parties))
	}
	if p.RoundTimeout <= 0 {
		return fmt.Errorf("%w: round timeout %v", ErrInvalidParams, p.RoundTimeout)
	}
	switch p.Kind {
	case KindDKG:
		return nil
	case KindReshare:
	default:
		return fmt.Errorf("%w: kind %v", ErrInvalidParams, p.Kind)
	}

	if err := checkParties(p.OldParties); err != nil {
		return err
	}
	if p.OldThreshold < 1 || p.OldThreshold > len(p.OldParties) {
		return fmt.Errorf("%w: old threshold %d of %d", ErrInvalidParams, p.OldThreshold, len(p.OldParties))
	}
	if _, err := frost.ParsePoint(p.GroupKey); err != nil {
		return fmt.Errorf("%w: group key: %v", ErrInvalidParams, err)
	}
	for _, d := range p.dealers() {
		id, _ := p.oldPartyID(d)
		if _, err := frost.ParsePoint(p.OldPublicShares[id]); err != nil {
			return fmt.Errorf("%w: public share of %v: %v", ErrInvalidParams, d, err)
		}
	}
	if len(p.dealers()) < p.OldThreshold {
		return ErrReshareInsufficient
	}
	return nil
}

func indexOf(ids []sphinx.NodeID, id sphinx.NodeID) (frost.ID, bool) {
	i := sort.Search(len(ids), func(i int) bool { return bytes.Compare(ids[i][:], id[:]) >= 0 })
	if i < len(ids) && ids[i] == id {
		return frost.ID(i + 1), true
	}
	return 0, false
}

// PartyID returns the share identifier of id within a sorted participant
// set.
func PartyID(parties []sphinx.NodeID, id sphinx.NodeID) (frost.ID, bool) {
	return indexOf(parties, id)
}

// PartyID returns the share identifier of a participant.
func (p *Params) PartyID(id sphinx.NodeID) (frost.ID, bool) {
	return indexOf(p.Parties, id)
}

func (p *Params) oldPartyID(id sphinx.NodeID) (frost.ID, bool) {
	return indexOf(p.OldParties, id)
}

// dealers returns the participants that contribute a polynomial: everyone
// for a key generation, the continuing members that hold a share for a
// resharing.
func (p *Params) dealers() []sphinx.NodeID {
	if p.Kind == KindDKG {
		return p.Parties
	}
	var out []sphinx.NodeID
	for _, id := range p.Parties {
		if p.isDealer(id) {
			out = append(out, id)
		}
	}
	return out
}

func (p *Params) isDealer(id sphinx.NodeID) bool {
	if _, ok := p.PartyID(id); !ok {
		return false
	}
	if p.Kind == KindDKG {
		return true
	}
	oid, ok := p.oldPartyID(id)
	if !ok {
		return false
	}
	_, ok = p.OldPublicShares[oid]
	return ok
}

// dealerID is the identifier a dealer's contribution is interpolated at.
func (p *Params) dealerID(id sphinx.NodeID) frost.ID {
	if p.Kind == KindDKG {
		fid, _ := p.PartyID(id)
		return fid
	}
	fid, _ := p.oldPartyID(id)
	return fid
}

// neededDealers is the minimum number of qualified dealers.
func (p *Params) neededDealers() int {
	if p.Kind == KindDKG {
		return p.Threshold
	}
	return p.OldThreshold
}

// agreement is the number of matching confirmations needed to complete.  A
// majority of the participant set, so at most one outcome completes.
func (p *Params) agreement() int {
	n := len(p.Parties)/2 + 1
	if p.Threshold > n {
		return p.Threshold
	}
	return n
}
