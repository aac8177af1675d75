// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package frost

import (
	"testing"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"
)

func signWith(t *testing.T, shares []*KeyShare, msg []byte) ([]byte, error) {
	require := require.New(t)

	nonces := make([]*Nonce, len(shares))
	commitments := make([]*Commitment, len(shares))
	for i, k := range shares {
		n, err := NewNonce(k)
		require.NoError(err)
		nonces[i] = n
		commitments[i] = n.Commitment
	}
	pkg, err := NewSigningPackage(msg, commitments)
	require.NoError(err)

	sigShares := make([]*SignatureShare, len(shares))
	for i, k := range shares {
		sigShares[i], err = Sign(k, nonces[i], pkg)
		require.NoError(err)
	}
	return Aggregate(shares[0], pkg, sigShares)
}

func TestThresholdSignature(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	shares, err := Deal(3, 5)
	require.NoError(err)
	groupKey := shares[0].GroupKeyBytes()
	msg := []byte("mint 100 tokens to relay 7")

	for _, subset := range [][]int{{0, 1, 2}, {0, 2, 4}, {1, 3, 4}, {0, 1, 2, 3, 4}} {
		signers := make([]*KeyShare, 0, len(subset))
		for _, i := range subset {
			signers = append(signers, shares[i])
		}
		sig, err := signWith(t, signers, msg)
		require.NoError(err)
		require.Len(sig, SignatureLength)
		require.True(Verify(groupKey, msg, sig), "subset %v", subset)
		require.False(Verify(groupKey, []byte("another message"), sig))
	}

	// Every share is individually valid, but two shares interpolate the
	// wrong secret, so the aggregate does not verify.
	sig, err := signWith(t, shares[:2], msg)
	require.NoError(err)
	require.False(Verify(groupKey, msg, sig))
}

func TestInvalidShare(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	shares, err := Deal(2, 3)
	require.NoError(err)
	msg := []byte("attest")

	n1, err := NewNonce(shares[0])
	require.NoError(err)
	n2, err := NewNonce(shares[1])
	require.NoError(err)
	pkg, err := NewSigningPackage(msg, []*Commitment{n2.Commitment, n1.Commitment})
	require.NoError(err)
	require.Equal([]ID{1, 2}, pkg.Signers())

	s1, err := Sign(shares[0], n1, pkg)
	require.NoError(err)
	s2, err := Sign(shares[1], n2, pkg)
	require.NoError(err)

	require.NoError(VerifyShare(shares[0].GroupKey, shares[0].PublicShares[1], s1, pkg))
	require.NoError(VerifyShare(shares[0].GroupKey, shares[0].PublicShares[2], s2, pkg))

	// A share checked against the wrong public share, or tampered with,
	// is rejected.
	require.ErrorIs(VerifyShare(shares[0].GroupKey, shares[0].PublicShares[3], s2, pkg), ErrInvalidShare)
	bad := &SignatureShare{ID: s2.ID, Z: append([]byte{}, s1.Z...)}
	require.ErrorIs(VerifyShare(shares[0].GroupKey, shares[0].PublicShares[2], bad, pkg), ErrInvalidShare)
	_, err = Aggregate(shares[0], pkg, []*SignatureShare{s1, bad})
	require.ErrorIs(err, ErrInvalidShare)

	// Nonces are single use.
	_, err = Sign(shares[0], n1, pkg)
	require.ErrorIs(err, ErrNonceUsed)

	sig, err := Aggregate(shares[0], pkg, []*SignatureShare{s1, s2})
	require.NoError(err)
	require.True(Verify(shares[0].GroupKeyBytes(), msg, sig))
}

func TestLagrange(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	// Interpolating f(x) = 5 + 3x at zero from x = 1, 2 gives 5.
	poly := Polynomial{ID(5).Scalar(), ID(3).Scalar()}
	set := []ID{1, 2}
	acc := edwards25519.NewScalar()
	for _, id := range set {
		l, err := Lagrange(id, set)
		require.NoError(err)
		acc.MultiplyAdd(l, poly.Evaluate(id), acc)
	}
	require.Equal(1, acc.Equal(ID(5).Scalar()))

	_, err := Lagrange(3, set)
	require.Error(err)
	_, err = Lagrange(1, []ID{1, 1})
	require.ErrorIs(err, ErrInvalidSignerSet)
}

func TestFeldman(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	poly, err := NewPolynomial(nil, 2)
	require.NoError(err)
	c := poly.Commit()
	for id := ID(1); id <= 5; id++ {
		require.True(VerifyDealerShare(poly.Evaluate(id), id, c))
	}
	require.False(VerifyDealerShare(poly.Evaluate(1), 2, c))

	decoded, err := DecodePoints(EncodePoints(c))
	require.NoError(err)
	require.Equal(1, decoded[0].Equal(c[0]))

	_, err = ParsePoint(edwards25519.NewIdentityPoint().Bytes())
	require.ErrorIs(err, ErrInvalidPoint)
}

func TestKeyShareSerialization(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	shares, err := Deal(2, 3)
	require.NoError(err)
	b, err := shares[1].MarshalBinary()
	require.NoError(err)

	k := new(KeyShare)
	require.NoError(k.UnmarshalBinary(b))
	require.Equal(shares[1].ID, k.ID)
	require.Equal(2, k.Threshold)
	require.Equal(1, k.Secret.Equal(shares[1].Secret))
	require.Equal(shares[1].GroupKeyBytes(), k.GroupKeyBytes())
	require.Equal([]ID{1, 2, 3}, k.Participants())

	k.Reset()
	require.Equal(1, k.Secret.Equal(edwards25519.NewScalar()))
}
