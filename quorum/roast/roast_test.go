// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package roast

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

type harness struct {
	t         *testing.T
	msg       []byte
	c         *Coordinator
	signers   []*Signer
	offline   map[frost.ID]bool
	silent    map[frost.ID]bool
	byzantine map[frost.ID]bool
	sessions  int
}

func newHarness(t *testing.T, threshold, n int) *harness {
	shares, err := frost.Deal(threshold, n)
	require.NoError(t, err)
	h := &harness{
		t:         t,
		msg:       []byte("mint 5 tokens to 0xabad1dea"),
		offline:   make(map[frost.ID]bool),
		silent:    make(map[frost.ID]bool),
		byzantine: make(map[frost.ID]bool),
	}
	for _, k := range shares {
		h.signers = append(h.signers, NewSigner(k, nil))
	}
	h.c = NewCoordinator(shares[0], h.msg)
	return h
}

func (h *harness) signer(id frost.ID) *Signer {
	return h.signers[id-1]
}

func (h *harness) run() error {
	var queue []*Request
	for _, s := range h.signers {
		if h.offline[s.ID()] {
			continue
		}
		com, err := s.Commit(h.msg)
		require.NoError(h.t, err)
		req, err := h.c.AddCommitment(com)
		require.NoError(h.t, err)
		if req != nil {
			queue = append(queue, req)
		}
	}

	for len(queue) > 0 && h.c.Signature() == nil {
		req := queue[0]
		queue = queue[1:]
		h.sessions++
		for _, id := range req.Signers() {
			if h.silent[id] {
				continue
			}
			share, next, err := h.signer(id).Sign(req.Package)
			require.NoError(h.t, err)
			if h.byzantine[id] {
				z, err := frost.RandomScalar()
				require.NoError(h.t, err)
				share.Z = z.Bytes()
			}
			r, err := h.c.HandleShare(req.Session, share, next)
			if errors.Is(err, ErrDone) {
				break
			}
			if err != nil {
				return err
			}
			if r != nil {
				queue = append(queue, r)
			}
		}
	}
	return nil
}

func TestRoastHonest(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := newHarness(t, 3, 5)
	require.NoError(h.run())
	require.True(frost.Verify(h.c.key.GroupKeyBytes(), h.msg, h.c.Signature()))
	require.Equal(1, h.sessions)
	require.Empty(h.c.Malicious())
}

func TestRoastExcludesMaliciousSigner(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := newHarness(t, 3, 5)
	h.byzantine[1] = true
	require.NoError(h.run())
	require.True(frost.Verify(h.c.key.GroupKeyBytes(), h.msg, h.c.Signature()))
	require.Equal([]frost.ID{1}, h.c.Malicious())
	require.Equal(2, h.sessions)
}

func TestRoastToleratesUnresponsiveSigners(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := newHarness(t, 3, 5)
	h.offline[1] = true
	h.silent[2] = true
	require.NoError(h.run())
	require.True(frost.Verify(h.c.key.GroupKeyBytes(), h.msg, h.c.Signature()))
	require.Empty(h.c.Malicious())
}

func TestRoastQuorumUnavailable(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	h := newHarness(t, 3, 4)
	h.byzantine[1] = true
	h.byzantine[2] = true
	err := h.run()
	require.Error(err)
	require.True(retry.IsRetryable(err))

	var qe *QuorumUnavailableError
	require.True(errors.As(err, &qe))
	require.Equal(2, qe.Have)
	require.Equal(3, qe.Need)
	require.Nil(h.c.Signature())
}

func TestSigner(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	shares, err := frost.Deal(2, 3)
	require.NoError(err)
	msg := []byte("attest")

	s1 := NewSigner(shares[0], nil)
	s2 := NewSigner(shares[1], nil)
	c1, err := s1.Commit(msg)
	require.NoError(err)
	c2, err := s2.Commit(msg)
	require.NoError(err)
	pkg, err := frost.NewSigningPackage(msg, []*frost.Commitment{c1, c2})
	require.NoError(err)

	_, next, err := s1.Sign(pkg)
	require.NoError(err)
	require.NotNil(next)
	require.False(next.Equal(c1))

	// A nonce is only ever used once.
	_, _, err = s1.Sign(pkg)
	require.ErrorIs(err, ErrUnknownNonce)

	// A signer outside the package has nothing to sign with.
	s3 := NewSigner(shares[2], nil)
	_, _, err = s3.Sign(pkg)
	require.ErrorIs(err, ErrUnknownNonce)

	deny := NewSigner(shares[2], func(m []byte) error {
		return errors.New("not on the allow list")
	})
	_, err = deny.Commit(msg)
	require.ErrorIs(err, ErrNotApproved)
}
