// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dkg

import (
	"errors"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/quorum/frost"
)

const testTimeout = 10 * time.Second

func testIDs(n int) []sphinx.NodeID {
	ids := make([]sphinx.NodeID, n)
	for i := range ids {
		ids[i][0] = byte(i + 1)
	}
	return ids
}

type testNet struct {
	t       *testing.T
	cs      map[sphinx.NodeID]*Ceremony
	offline map[sphinx.NodeID]bool
	errs    map[sphinx.NodeID]error
	queue   []*Message
	tamper  func(*Message)
	drop    func(*Message) bool
}

func newTestNet(t *testing.T, p *Params, oldShares map[sphinx.NodeID]*frost.KeyShare) *testNet {
	n := &testNet{
		t:       t,
		cs:      make(map[sphinx.NodeID]*Ceremony),
		offline: make(map[sphinx.NodeID]bool),
		errs:    make(map[sphinx.NodeID]error),
	}
	for _, id := range p.Parties {
		c, err := New(p, id, oldShares[id])
		require.NoError(t, err)
		n.cs[id] = c
	}
	return n
}

func (n *testNet) push(from sphinx.NodeID, msgs []*Message, err error) {
	if err != nil {
		n.errs[from] = err
	}
	n.queue = append(n.queue, msgs...)
}

func (n *testNet) start(now time.Time) {
	for id, c := range n.cs {
		if n.offline[id] {
			continue
		}
		msgs, err := c.Start(now)
		n.push(id, msgs, err)
	}
}

func (n *testNet) run(now time.Time) {
	for len(n.queue) > 0 {
		m := n.queue[0]
		n.queue = n.queue[1:]
		if n.offline[m.To] || n.offline[m.From] {
			continue
		}
		if n.drop != nil && n.drop(m) {
			continue
		}
		if n.tamper != nil {
			n.tamper(m)
		}
		b, err := m.Marshal()
		require.NoError(n.t, err)
		m, err = ParseMessage(b)
		require.NoError(n.t, err)

		msgs, err := n.cs[m.To].Handle(m, now)
		n.push(m.To, msgs, err)
	}
}

func (n *testNet) tick(now time.Time) {
	for id, c := range n.cs {
		if n.offline[id] {
			continue
		}
		msgs, err := c.Tick(now)
		n.push(id, msgs, err)
	}
	n.run(now)
}

func (n *testNet) tickOne(id sphinx.NodeID, now time.Time) {
	msgs, err := n.cs[id].Tick(now)
	n.push(id, msgs, err)
	n.run(now)
}

func (n *testNet) results() map[sphinx.NodeID]*frost.KeyShare {
	out := make(map[sphinx.NodeID]*frost.KeyShare)
	for id, c := range n.cs {
		if k := c.Result(); k != nil {
			out[id] = k
		}
	}
	return out
}

func newParams(t *testing.T, parties []sphinx.NodeID, threshold int) *Params {
	id, err := NewCeremonyID()
	require.NoError(t, err)
	return &Params{
		ID:           id,
		Kind:         KindDKG,
		Threshold:    threshold,
		Parties:      parties,
		RoundTimeout: testTimeout,
	}
}

func runDKG(t *testing.T, parties []sphinx.NodeID, threshold int) map[sphinx.NodeID]*frost.KeyShare {
	n := newTestNet(t, newParams(t, parties, threshold), nil)
	now := time.Now()
	n.start(now)
	n.run(now)
	require.Empty(t, n.errs)
	res := n.results()
	require.Len(t, res, len(parties))
	return res
}

func signWith(t *testing.T, shares []*frost.KeyShare, msg []byte) []byte {
	require := require.New(t)

	nonces := make([]*frost.Nonce, len(shares))
	commitments := make([]*frost.Commitment, len(shares))
	for i, k := range shares {
		n, err := frost.NewNonce(k)
		require.NoError(err)
		nonces[i] = n
		commitments[i] = n.Commitment
	}
	pkg, err := frost.NewSigningPackage(msg, commitments)
	require.NoError(err)
	sigShares := make([]*frost.SignatureShare, len(shares))
	for i, k := range shares {
		sigShares[i], err = frost.Sign(k, nonces[i], pkg)
		require.NoError(err)
	}
	sig, err := frost.Aggregate(shares[0], pkg, sigShares)
	require.NoError(err)
	return sig
}

// interpolates reports whether the secret shares, taken at the given
// identifiers, interpolate to the discrete log of groupKey.
func interpolates(t *testing.T, ids []frost.ID, secrets []*edwards25519.Scalar, groupKey []byte) bool {
	acc := edwards25519.NewScalar()
	for i, id := range ids {
		l, err := frost.Lagrange(id, ids)
		require.NoError(t, err)
		acc.MultiplyAdd(l, secrets[i], acc)
	}
	return string(new(edwards25519.Point).ScalarBaseMult(acc).Bytes()) == string(groupKey)
}

func TestDKG(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(5)
	res := runDKG(t, parties, 3)

	groupKey := res[parties[0]].GroupKeyBytes()
	for _, id := range parties {
		k := res[id]
		require.Equal(groupKey, k.GroupKeyBytes())
		require.Equal(3, k.Threshold)
		require.Len(k.PublicShares, 5)
		for fid, y := range res[parties[0]].PublicShares {
			require.Equal(1, y.Equal(k.PublicShares[fid]))
		}
	}

	msg := []byte("attest oracle price 42")
	for _, subset := range [][]int{{0, 1, 2}, {2, 3, 4}, {0, 2, 4}} {
		var signers []*frost.KeyShare
		for _, i := range subset {
			signers = append(signers, res[parties[i]])
		}
		require.True(frost.Verify(groupKey, msg, signWith(t, signers, msg)), "subset %v", subset)
	}
	pair := []*frost.KeyShare{res[parties[1]], res[parties[3]]}
	require.False(frost.Verify(groupKey, msg, signWith(t, pair, msg)))
}

func TestDKGTimeoutDropsParticipant(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(5)
	n := newTestNet(t, newParams(t, parties, 3), nil)
	n.offline[parties[4]] = true

	now := time.Now()
	n.start(now)
	n.run(now)
	require.Empty(n.results())
	for id, c := range n.cs {
		if !n.offline[id] {
			require.Equal(RoundCommit, c.Round())
		}
	}

	// Nothing happens before the deadline.
	n.tick(now.Add(testTimeout / 2))
	require.Empty(n.results())

	n.tick(now.Add(testTimeout))
	require.Empty(n.errs)
	res := n.results()
	require.Len(res, 4)

	groupKey := res[parties[0]].GroupKeyBytes()
	for _, k := range res {
		require.Equal(groupKey, k.GroupKeyBytes())
		require.Len(k.PublicShares, 4)
	}
	msg := []byte("mint")
	sig := signWith(t, []*frost.KeyShare{res[parties[0]], res[parties[1]], res[parties[3]]}, msg)
	require.True(frost.Verify(groupKey, msg, sig))
}

func TestDKGTimeoutAborts(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(5)
	n := newTestNet(t, newParams(t, parties, 3), nil)
	for _, id := range parties[2:] {
		n.offline[id] = true
	}

	now := time.Now()
	n.start(now)
	n.run(now)
	n.tick(now.Add(testTimeout))

	for _, id := range parties[:2] {
		err := n.errs[id]
		require.Error(err)
		require.ErrorIs(err, ErrCeremonyAborted)
		require.True(retry.IsRetryable(err))

		var te *CeremonyTimeoutError
		require.True(errors.As(err, &te))
		require.Equal(RoundCommit, te.Round)
		require.Equal(parties[2:], te.Missing)
		require.True(n.cs[id].Done())
		require.Nil(n.cs[id].Result())

		_, err = n.cs[id].Marshal()
		require.Error(err)
	}
}

func TestDKGInvalidShareExcludesDealer(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(5)
	n := newTestNet(t, newParams(t, parties, 3), nil)
	n.tamper = func(m *Message) {
		if m.Round == RoundShares && m.From == parties[0] && m.To == parties[1] {
			m.Body[len(m.Body)-1] ^= 0x01
		}
	}

	now := time.Now()
	n.start(now)
	n.run(now)
	require.Empty(n.errs)
	require.Equal([]sphinx.NodeID{parties[0]}, n.cs[parties[1]].Faulty())

	// Every participant completes, and none of them uses the contribution
	// of the dealer that cheated.
	res := n.results()
	require.Len(res, 5)
	groupKey := res[parties[0]].GroupKeyBytes()
	for _, id := range parties {
		require.Equal(groupKey, res[id].GroupKeyBytes())
		require.Equal(parties[1:], n.cs[id].Qualified())
	}

	msg := []byte("dealer 1 excluded")
	sig := signWith(t, []*frost.KeyShare{res[parties[0]], res[parties[1]], res[parties[4]]}, msg)
	require.True(frost.Verify(groupKey, msg, sig))
}

func TestDKGLostShare(t *testing.T) {
	t.Parallel()

	lost := func(parties []sphinx.NodeID) func(*Message) bool {
		return func(m *Message) bool {
			return m.Round == RoundShares && m.From == parties[0] && m.To == parties[1]
		}
	}

	t.Run("ReceiverTimesOutFirst", func(t *testing.T) {
		require := require.New(t)

		parties := testIDs(5)
		n := newTestNet(t, newParams(t, parties, 3), nil)
		n.drop = lost(parties)

		now := time.Now()
		n.start(now)
		n.run(now)
		require.Empty(n.results())
		require.Equal(RoundShares, n.cs[parties[1]].Round())

		n.tickOne(parties[1], now.Add(testTimeout))
		require.Empty(n.errs)

		res := n.results()
		require.Len(res, 5)
		groupKey := res[parties[0]].GroupKeyBytes()
		for _, id := range parties {
			require.Equal(groupKey, res[id].GroupKeyBytes())
			require.Equal(parties[1:], n.cs[id].Qualified())
		}
		require.Empty(n.cs[parties[1]].Faulty())
	})

	t.Run("EveryoneTimesOut", func(t *testing.T) {
		require := require.New(t)

		parties := testIDs(5)
		n := newTestNet(t, newParams(t, parties, 3), nil)
		n.drop = lost(parties)

		now := time.Now()
		n.start(now)
		n.run(now)

		// The others give up on the late participant first, and complete
		// without it.
		n.tick(now.Add(testTimeout))
		require.Empty(n.errs)
		res := n.results()
		require.Len(res, 4)
		require.Nil(res[parties[1]])

		others := []sphinx.NodeID{parties[0], parties[2], parties[3], parties[4]}
		groupKey := res[parties[0]].GroupKeyBytes()
		for _, id := range others {
			require.Equal(groupKey, res[id].GroupKeyBytes())
			require.Equal(others, n.cs[id].Qualified())
			require.Len(res[id].PublicShares, 4)
		}
		msg := []byte("four of five")
		sig := signWith(t, []*frost.KeyShare{res[parties[0]], res[parties[2]], res[parties[4]]}, msg)
		require.True(frost.Verify(groupKey, msg, sig))

		// The late participant hears no confirmation and aborts alone.
		n.tick(now.Add(2 * testTimeout))
		err := n.errs[parties[1]]
		require.ErrorIs(err, ErrCeremonyAborted)
		require.True(retry.IsRetryable(err))
		require.Nil(n.cs[parties[1]].Result())
		require.Len(n.results(), 4)
	})
}

func TestDKGConfirmMajority(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(5)
	n := newTestNet(t, newParams(t, parties, 3), nil)
	n.tamper = func(m *Message) {
		if m.Round == RoundConfirm && m.To == parties[4] {
			m.Body = encodeBody(&confirmBody{
				GroupKey:  []byte("not the group key"),
				Qualified: parties,
				Digest:    make([]byte, 32),
			})
		}
	}

	now := time.Now()
	n.start(now)
	n.run(now)

	// The participant that disagrees with everyone else aborts, the rest
	// complete.
	res := n.results()
	require.Len(res, 4)
	for _, id := range parties[:4] {
		require.NoError(n.errs[id])
		require.NotNil(res[id])
	}
	err := n.errs[parties[4]]
	require.ErrorIs(err, ErrGroupKeyMismatch)
	require.ErrorIs(err, ErrCeremonyAborted)
	require.Equal(parties[:4], n.cs[parties[4]].Faulty())
}

func TestCeremonyCheckpoint(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	parties := testIDs(3)
	n := newTestNet(t, newParams(t, parties, 2), nil)
	now := time.Now()
	n.start(now)

	// Every participant restarts after sending its commitments.
	for id, c := range n.cs {
		b, err := c.Marshal()
		require.NoError(err)
		restored, err := Restore(b)
		require.NoError(err)
		require.Equal(RoundCommit, restored.Round())
		require.Equal(c.Deadline().UnixNano(), restored.Deadline().UnixNano())
		n.cs[id] = restored
	}
	n.run(now)
	require.Empty(n.errs)
	res := n.results()
	require.Len(res, 3)

	groupKey := res[parties[0]].GroupKeyBytes()
	for id, c := range n.cs {
		require.Equal(groupKey, res[id].GroupKeyBytes())

		b, err := c.Marshal()
		require.NoError(err)
		restored, err := Restore(b)
		require.NoError(err)
		require.True(restored.Done())
		require.Equal(groupKey, restored.Result().GroupKeyBytes())
	}
}

func reshareParams(t *testing.T, oldParties, newParties []sphinx.NodeID, old *frost.KeyShare, threshold int) *Params {
	p := newParams(t, newParties, threshold)
	p.Kind = KindReshare
	p.OldThreshold = old.Threshold
	p.OldParties = oldParties
	p.GroupKey = old.GroupKeyBytes()
	p.OldPublicShares = make(map[frost.ID][]byte)
	for id, y := range old.PublicShares {
		p.OldPublicShares[id] = y.Bytes()
	}
	return p
}

func TestReshare(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ids := testIDs(7)
	oldParties := ids[:5]
	old := runDKG(t, oldParties, 3)
	groupKey := old[ids[0]].GroupKeyBytes()

	// Members 1 and 2 leave, 6 and 7 join.
	newParties := ids[2:]
	p := reshareParams(t, oldParties, newParties, old[ids[0]], 3)
	n := newTestNet(t, p, old)
	now := time.Now()
	n.start(now)
	n.run(now)
	require.Empty(n.errs)

	res := n.results()
	require.Len(res, 5)
	for _, k := range res {
		require.Equal(groupKey, k.GroupKeyBytes())
	}

	msg := []byte("recover key for account 9")
	sig := signWith(t, []*frost.KeyShare{res[ids[2]], res[ids[5]], res[ids[6]]}, msg)
	require.True(frost.Verify(groupKey, msg, sig))

	// New shares interpolate the group secret, and old shares of departed
	// members do not combine with them.
	require.True(interpolates(t,
		[]frost.ID{res[ids[2]].ID, res[ids[5]].ID, res[ids[6]].ID},
		[]*edwards25519.Scalar{res[ids[2]].Secret, res[ids[5]].Secret, res[ids[6]].Secret},
		groupKey))
	require.False(interpolates(t,
		[]frost.ID{old[ids[0]].ID, res[ids[5]].ID, res[ids[6]].ID},
		[]*edwards25519.Scalar{old[ids[0]].Secret, res[ids[5]].Secret, res[ids[6]].Secret},
		groupKey))
}

func TestReshareDealerDropout(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ids := testIDs(6)
	oldParties := ids[:5]
	old := runDKG(t, oldParties, 3)
	groupKey := old[ids[0]].GroupKeyBytes()

	// Four members continue, one of them never shows up.
	newParties := ids[1:]
	n := newTestNet(t, reshareParams(t, oldParties, newParties, old[ids[0]], 3), old)
	n.offline[ids[1]] = true

	now := time.Now()
	n.start(now)
	n.run(now)
	n.tick(now.Add(testTimeout))
	require.Empty(n.errs)

	res := n.results()
	require.Len(res, 4)
	for _, k := range res {
		require.Equal(groupKey, k.GroupKeyBytes())
	}
	msg := []byte("epoch 12 membership")
	sig := signWith(t, []*frost.KeyShare{res[ids[2]], res[ids[4]], res[ids[5]]}, msg)
	require.True(frost.Verify(groupKey, msg, sig))
}

func TestReshareInsufficient(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	ids := testIDs(8)
	oldParties := ids[:5]
	old := runDKG(t, oldParties, 3)

	// Only two members continue.
	newParties := append([]sphinx.NodeID{}, ids[3:]...)
	p := reshareParams(t, oldParties, newParties, old[ids[0]], 3)
	_, err := New(p, ids[3], old[ids[3]])
	require.ErrorIs(err, ErrReshareInsufficient)

	// A continuing member needs its share of the same group.
	p = reshareParams(t, oldParties, ids[2:], old[ids[0]], 3)
	_, err = New(p, ids[2], nil)
	require.ErrorIs(err, ErrInvalidParams)
	_, err = New(p, ids[2], old[ids[3]])
	require.ErrorIs(err, ErrInvalidParams)

	_, err = New(p, ids[0], nil)
	require.ErrorIs(err, ErrNotParticipant)
}
