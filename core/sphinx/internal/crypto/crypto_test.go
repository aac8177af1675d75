// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"testing"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveHopKeysSeparation(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	secret := make([]byte, 32)
	_, err := rand.Reader.Read(secret)
	require.NoError(t, err)

	k := DeriveHopKeys(secret)
	assert.NotEqual(k.EncKey, k.MACKey)
	assert.NotEqual(k.EncKey, k.StreamKey)
	assert.NotEqual(k.MACKey, k.StreamKey)
	assert.NotEqual(k.EncKey[:TagLength], k.ReplayTag[:])
	assert.Equal(k, DeriveHopKeys(secret), "derivation must be deterministic")

	secret[0] ^= 1
	assert.NotEqual(k.ReplayTag, DeriveHopKeys(secret).ReplayTag)

	k.Reset()
	assert.Equal([KeyLength]byte{}, k.EncKey)
}

func TestCombineSecretsBindsTranscript(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)

	a := CombineSecrets([][]byte{[]byte("dh"), []byte("kem")}, [][]byte{[]byte("pk")})
	b := CombineSecrets([][]byte{[]byte("dh"), []byte("kem")}, [][]byte{[]byte("pk2")})
	c := CombineSecrets([][]byte{[]byte("dh")}, [][]byte{[]byte("pk")})
	assert.Len(a, KeyLength)
	assert.NotEqual(a, b)
	assert.NotEqual(a, c)
}

func TestMACAndStream(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	var key [KeyLength]byte
	key[0] = 7
	m1 := MAC(&key, []byte("ab"), []byte("cd"))
	m2 := MAC(&key, []byte("abcd"))
	require.Equal(m1, m2, "MAC is over the concatenation")
	require.True(MACEqual(m1[:], m2[:]))

	key[0] = 8
	m3 := MAC(&key, []byte("abcd"))
	require.False(MACEqual(m1[:], m3[:]))

	buf := []byte("routing block")
	orig := append([]byte{}, buf...)
	XORKeyStream(&key, buf)
	require.NotEqual(orig, buf)
	XORKeyStream(&key, buf)
	require.Equal(orig, buf)
}

func TestLayerRoundTrip(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	k := DeriveHopKeys([]byte("shared secret"))
	ad := []byte("header mac")
	ct := EncryptLayer(k, []byte("payload"), ad)
	require.Len(ct, len("payload")+Overhead)

	pt, err := DecryptLayer(k, ct, ad)
	require.NoError(err)
	require.Equal([]byte("payload"), pt)

	_, err = DecryptLayer(k, ct, []byte("other"))
	require.ErrorIs(err, ErrAuth)

	ct[0] ^= 0x80
	_, err = DecryptLayer(k, ct, ad)
	require.ErrorIs(err, ErrAuth)
}
