// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReorder(t *testing.T) {
	require := require.New(t)
	now := time.Now()

	r := NewReorder(0, 4, time.Minute)
	require.Empty(r.Push(1, []byte("b"), now))
	require.Empty(r.Push(2, []byte("c"), now))
	require.Equal(2, r.Pending())

	require.Equal([][]byte{[]byte("a"), []byte("b"), []byte("c")}, r.Push(0, []byte("a"), now))
	require.Equal(uint64(3), r.Next())
	require.Zero(r.Pending())

	// Duplicates, both delivered and buffered, are discarded.
	require.Empty(r.Push(1, []byte("b"), now))
	require.Empty(r.Push(4, []byte("e"), now))
	require.Empty(r.Push(4, []byte("x"), now))

	// Beyond the window, the window moves and 3 is given up on.
	require.Equal([][]byte{[]byte("e")}, r.Push(7, []byte("h"), now))
	require.Equal(uint64(5), r.Next())
	require.Equal(uint64(1), r.Skipped())
	require.Empty(r.Push(3, []byte("d"), now))

	require.Empty(r.Push(6, []byte("g"), now))
	require.Equal([][]byte{[]byte("f"), []byte("g"), []byte("h")}, r.Push(5, []byte("f"), now))
	require.Equal(uint64(8), r.Next())
	require.Equal(uint64(1), r.Skipped())
}

func TestReorderLostMessage(t *testing.T) {
	require := require.New(t)
	now := time.Now()

	var want [][]byte
	for seq := 1; seq < 20; seq++ {
		want = append(want, []byte(fmt.Sprint(seq)))
	}

	// The window is enough to get past a lost message on its own.
	r := NewReorder(0, 4, time.Minute)
	var got [][]byte
	for seq := 1; seq < 20; seq++ {
		got = append(got, r.Push(uint64(seq), want[seq-1], now)...)
	}
	got = append(got, r.Expire(now.Add(time.Minute))...)
	require.Equal(want, got)
	require.Equal(uint64(1), r.Skipped())

	// So is the gap timeout, for a stream that stops short of the window.
	r = NewReorder(0, 64, time.Minute)
	got = nil
	for seq := 1; seq < 20; seq++ {
		got = append(got, r.Push(uint64(seq), want[seq-1], now)...)
	}
	require.Empty(got)
	require.Empty(r.Expire(now.Add(time.Minute - time.Second)))
	require.Equal(want, r.Expire(now.Add(time.Minute)))
	require.Zero(r.Pending())

	// Each gap gets its own timeout.
	r = NewReorder(0, 64, time.Minute)
	require.Empty(r.Push(1, []byte("b"), now))
	require.Empty(r.Push(3, []byte("d"), now))
	later := now.Add(time.Minute)
	require.Equal([][]byte{[]byte("b")}, r.Expire(later))
	require.Empty(r.Expire(later.Add(time.Second)))
	require.Equal([][]byte{[]byte("d")}, r.Expire(later.Add(time.Minute)))
	require.Equal(uint64(2), r.Skipped())
	require.Equal(uint64(4), r.Next())
}

func TestFrame(t *testing.T) {
	require := require.New(t)

	f := &Frame{Seq: 42, Data: []byte("payload")}
	f.Session[3] = 0x17
	b, err := f.Marshal()
	require.NoError(err)

	g, err := ParseFrame(b)
	require.NoError(err)
	require.Equal(f, g)

	_, err = ParseFrame([]byte{0xff})
	require.ErrorIs(err, ErrMalformedFrame)
}
