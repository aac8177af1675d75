// mixkey_test.go - Relay hop key tests.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package mixkey

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

const testEpoch = 0x23

func TestMixKey(t *testing.T) {
	for _, kemName := range []string{"", "MLKEM768"} {
		t.Run("kem="+kemName, func(t *testing.T) {
			require := require.New(t)
			assert := assert.New(t)

			suite, err := sphinx.NewSuite("x25519", kemName)
			require.NoError(err)
			dir := t.TempDir()

			k, err := New(dir, testEpoch, suite)
			require.NoError(err, "New()")
			require.Equal(uint64(testEpoch), k.Epoch())
			nikePub := k.PublicKeys().NIKE.Bytes()
			var kemPub []byte
			if kemName != "" {
				kemPub, err = k.PublicKeys().KEM.MarshalBinary()
				require.NoError(err)
			}
			k.Deref()

			k, err = New(dir, testEpoch, suite)
			require.NoError(err, "New() load")
			assert.Equal(nikePub, k.PublicKeys().NIKE.Bytes(), "Serialized NIKE key")
			if kemName != "" {
				b, err := k.PublicKeys().KEM.MarshalBinary()
				require.NoError(err)
				assert.Equal(kemPub, b, "Serialized KEM key")
			}

			k.SetUnlinkIfExpired(true)
			k.Deref()
			_, err = os.Lstat(k.nikePath)
			require.True(os.IsNotExist(err), "key file should not exist")

			require.Panics(func() { k.Deref() })
		})
	}
}

func TestKeys(t *testing.T) {
	require := require.New(t)

	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	log := logging.MustGetLogger("mixkey_test")

	m, err := NewKeys(log, t.TempDir(), suite, testEpoch)
	require.NoError(err)
	defer m.Halt()

	k, ok := m.Get(testEpoch)
	require.True(ok)
	k.Deref()
	_, ok = m.Get(testEpoch + NumMixKeys)
	require.False(ok)

	shadow := make(map[uint64]*MixKey)
	m.Shadow(shadow)
	require.Len(shadow, NumMixKeys)

	didGenerate, err := m.Generate(testEpoch + 1)
	require.NoError(err)
	require.True(didGenerate)
	require.False(m.Prune(testEpoch + 1))
	require.True(m.Prune(testEpoch + 2))

	m.Shadow(shadow)
	require.Len(shadow, NumMixKeys)
	_, ok = shadow[testEpoch]
	require.False(ok)
	for _, v := range shadow {
		v.Deref()
	}
}
