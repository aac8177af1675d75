// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
)

func publishTestRelay(t *testing.T, dir *Directory, suite *sphinx.Suite, name string) *pki.RelayDescriptor {
	require := require.New(t)

	hopPub, _, err := suite.GenerateRelayKeys()
	require.NoError(err)
	idPub, idPriv, err := pki.IdentityScheme.GenerateKey()
	require.NoError(err)

	desc := &pki.RelayDescriptor{
		Name:      name,
		Suite:     suite.String(),
		NIKEKey:   hopPub.NIKE.Bytes(),
		Addresses: []string{"127.0.0.1:4433"},
	}
	desc.IdentityKey, err = idPub.MarshalBinary()
	require.NoError(err)
	require.NoError(dir.Publish(context.Background(), idPriv, desc))
	return desc
}

func TestDirectory(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)

	mem := NewMemoryDHT()
	dir := NewDirectory(mem)

	descs := make([]*pki.RelayDescriptor, 4)
	for i := range descs {
		descs[i] = publishTestRelay(t, dir, suite, fmt.Sprintf("relay%d", i))
	}

	got, err := dir.Lookup(ctx, descs[2].ID())
	require.NoError(err)
	require.Equal("relay2", got.Name)

	// A forged record under a relay's id is rejected.
	forged, err := descs[1].Marshal()
	require.NoError(err)
	require.NoError(mem.Put(ctx, Key(descs[1].ID()), forged, []byte("not a signature")))
	_, err = dir.Lookup(ctx, descs[1].ID())
	require.ErrorIs(err, pki.ErrInvalidSignature)

	var missing sphinx.NodeID
	_, err = dir.Lookup(ctx, missing)
	require.ErrorIs(err, ErrNotFound)

	sample, err := dir.Sample(ctx, 3, nil)
	require.NoError(err)
	require.Len(sample, 3)
	for _, d := range sample {
		require.NotEqual("relay1", d.Name)
	}

	_, err = dir.Sample(ctx, 4, nil)
	require.ErrorIs(err, ErrNotEnoughRelays)

	sample, err = dir.Sample(ctx, 1, func(d *pki.RelayDescriptor) bool { return d.Name == "relay3" })
	require.NoError(err)
	require.Equal("relay3", sample[0].Name)
}

func TestDirectoryQuorum(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	dir := NewDirectory(NewMemoryDHT())
	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	for i := 0; i < 3; i++ {
		publishTestRelay(t, dir, suite, fmt.Sprintf("relay%d", i))
	}

	groupPub, groupPriv, err := pki.IdentityScheme.GenerateKey()
	require.NoError(err)
	groupKey, err := groupPub.MarshalBinary()
	require.NoError(err)

	_, err = dir.LookupQuorum(ctx, groupKey)
	require.ErrorIs(err, ErrNotFound)

	desc := &pki.QuorumDescriptor{
		Epoch:     3,
		GroupKey:  groupKey,
		Threshold: 1,
		Members:   []sphinx.NodeID{{1}},
	}
	blob, err := desc.Marshal()
	require.NoError(err)
	sig := pki.IdentityScheme.Sign(groupPriv, blob, nil)
	require.NoError(dir.PublishQuorum(ctx, blob, sig))

	got, err := dir.LookupQuorum(ctx, groupKey)
	require.NoError(err)
	require.Equal(desc, got)

	otherPub, _, err := pki.IdentityScheme.GenerateKey()
	require.NoError(err)
	otherKey, err := otherPub.MarshalBinary()
	require.NoError(err)
	_, err = dir.LookupQuorum(ctx, otherKey)
	require.ErrorIs(err, pki.ErrInvalidSignature)

	// The quorum record is never sampled as a relay.
	relays, err := dir.Sample(ctx, 3, nil)
	require.NoError(err)
	for _, r := range relays {
		require.NotEqual(pki.QuorumDescriptorID, r.ID())
	}
}
