// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package frost

import (
	"filippo.io/edwards25519"
)

// Polynomial is a secret sharing polynomial.  Coefficient 0 is the shared
// secret.
type Polynomial []*edwards25519.Scalar

// NewPolynomial returns a random polynomial of the given degree with the
// constant term set to constant.  A nil constant is replaced by a random
// scalar.
func NewPolynomial(constant *edwards25519.Scalar, degree int) (Polynomial, error) {
	p := make(Polynomial, degree+1)
	var err error
	if constant != nil {
		p[0] = edwards25519.NewScalar().Set(constant)
	} else if p[0], err = RandomScalar(); err != nil {
		return nil, err
	}
	for i := 1; i <= degree; i++ {
		if p[i], err = RandomScalar(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Evaluate returns the share for participant id.
func (p Polynomial) Evaluate(id ID) *edwards25519.Scalar {
	x := id.Scalar()
	acc := edwards25519.NewScalar()
	for i := len(p) - 1; i >= 0; i-- {
		acc.MultiplyAdd(acc, x, p[i])
	}
	return acc
}

// Commit returns the Feldman commitments to the coefficients.
func (p Polynomial) Commit() []*edwards25519.Point {
	c := make([]*edwards25519.Point, len(p))
	for i, a := range p {
		c[i] = new(edwards25519.Point).ScalarBaseMult(a)
	}
	return c
}

// Reset clears every coefficient.
func (p Polynomial) Reset() {
	zero := edwards25519.NewScalar()
	for _, a := range p {
		if a != nil {
			a.Set(zero)
		}
	}
}

// EvaluateCommitment returns the public value of participant id's share
// implied by a commitment vector.
func EvaluateCommitment(c []*edwards25519.Point, id ID) *edwards25519.Point {
	x := id.Scalar()
	acc := edwards25519.NewIdentityPoint()
	for i := len(c) - 1; i >= 0; i-- {
		acc.ScalarMult(x, acc)
		acc.Add(acc, c[i])
	}
	return acc
}

// VerifyDealerShare checks a share against the dealer's commitment vector.
func VerifyDealerShare(share *edwards25519.Scalar, id ID, c []*edwards25519.Point) bool {
	if len(c) == 0 {
		return false
	}
	lhs := new(edwards25519.Point).ScalarBaseMult(share)
	return lhs.Equal(EvaluateCommitment(c, id)) == 1
}

// EncodePoints encodes a vector of group elements.
func EncodePoints(ps []*edwards25519.Point) [][]byte {
	out := make([][]byte, len(ps))
	for i, p := range ps {
		out[i] = p.Bytes()
	}
	return out
}

// DecodePoints decodes a vector of group elements.
func DecodePoints(bs [][]byte) ([]*edwards25519.Point, error) {
	out := make([]*edwards25519.Point, len(bs))
	for i, b := range bs {
		p, err := ParsePoint(b)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
