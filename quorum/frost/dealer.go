// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package frost

import (
	"errors"

	"filippo.io/edwards25519"
)

// Deal splits a fresh random key into n shares with the given threshold,
// using a trusted dealer.  It is meant for tests and local tooling; a
// deployed quorum uses the distributed key generation instead.
func Deal(threshold, n int) ([]*KeyShare, error) {
	if threshold < 1 || threshold > n || n > 0xffff {
		return nil, errors.New("frost: invalid threshold parameters")
	}
	poly, err := NewPolynomial(nil, threshold-1)
	if err != nil {
		return nil, err
	}
	defer poly.Reset()

	groupKey := new(edwards25519.Point).ScalarBaseMult(poly[0])
	pubs := make(map[ID]*edwards25519.Point, n)
	shares := make([]*KeyShare, n)
	for i := range shares {
		id := ID(i + 1)
		s := poly.Evaluate(id)
		pubs[id] = new(edwards25519.Point).ScalarBaseMult(s)
		shares[i] = &KeyShare{
			ID:           id,
			Threshold:    threshold,
			Secret:       s,
			GroupKey:     groupKey,
			PublicShares: pubs,
		}
	}
	return shares, nil
}
