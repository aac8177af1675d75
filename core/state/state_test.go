// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, s Store) {
	require := require.New(t)

	_, err := s.Load("ceremonies", "a")
	require.ErrorIs(err, ErrNotFound)

	require.NoError(s.Save("ceremonies", "b", []byte("second")))
	require.NoError(s.Save("ceremonies", "a", []byte("first")))
	require.NoError(s.Save("circuits", "a", []byte("other bucket")))

	v, err := s.Load("ceremonies", "a")
	require.NoError(err)
	require.Equal([]byte("first"), v)

	var keys []string
	require.NoError(s.ForEach("ceremonies", func(k string, blob []byte) error {
		keys = append(keys, k)
		return nil
	}))
	require.Equal([]string{"a", "b"}, keys)

	require.NoError(s.Delete("ceremonies", "a"))
	require.NoError(s.Delete("ceremonies", "a"))
	require.NoError(s.Delete("missing", "a"))
	_, err = s.Load("ceremonies", "a")
	require.ErrorIs(err, ErrNotFound)

	require.NoError(s.ForEach("missing", func(string, []byte) error {
		t.Fatal("unexpected key")
		return nil
	}))
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	require := require.New(t)

	p := filepath.Join(t.TempDir(), "state.db")
	s, err := OpenBoltStore(p)
	require.NoError(err)
	testStore(t, s)
	require.NoError(s.Close())

	// Checkpoints survive a restart.
	s, err = OpenBoltStore(p)
	require.NoError(err)
	defer s.Close()
	v, err := s.Load("ceremonies", "b")
	require.NoError(err)
	require.Equal([]byte("second"), v)
}
