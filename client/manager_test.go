// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/state"
)

type testRelay struct {
	desc *pki.RelayDescriptor
	priv *sphinx.RelayPrivateKeys
}

type testNet struct {
	geo    *sphinx.Geometry
	dir    *dht.Directory
	byAddr map[string]*testRelay
	byID   map[sphinx.NodeID]*testRelay
	ids    []sphinx.NodeID
}

func newTestNet(t *testing.T, n int) *testNet {
	require := require.New(t)

	suite, err := sphinx.NewSuite("x25519", "")
	require.NoError(err)
	geo, err := sphinx.NewGeometry(suite, sphinx.PacketLength)
	require.NoError(err)

	tn := &testNet{
		geo:    geo,
		dir:    dht.NewDirectory(dht.NewMemoryDHT()),
		byAddr: make(map[string]*testRelay),
		byID:   make(map[sphinx.NodeID]*testRelay),
	}
	for i := 0; i < n; i++ {
		hopPub, hopPriv, err := suite.GenerateRelayKeys()
		require.NoError(err)
		idPub, idPriv, err := pki.IdentityScheme.GenerateKey()
		require.NoError(err)

		addr := fmt.Sprintf("127.0.0.1:%d", 5000+i)
		desc := &pki.RelayDescriptor{
			Name:      fmt.Sprintf("relay%d", i),
			Suite:     suite.String(),
			NIKEKey:   hopPub.NIKE.Bytes(),
			Addresses: []string{addr},
		}
		desc.IdentityKey, err = idPub.MarshalBinary()
		require.NoError(err)
		require.NoError(tn.dir.Publish(context.Background(), idPriv, desc))

		r := &testRelay{desc: desc, priv: hopPriv}
		tn.byAddr[addr] = r
		tn.byID[desc.ID()] = r
		tn.ids = append(tn.ids, desc.ID())
	}
	return tn
}

// route carries pkt from the first hop to the final one, returning the
// final hop and the delivered message.
func (tn *testNet) route(t *testing.T, addr string, pkt []byte) (*testRelay, *sphinx.Result) {
	require := require.New(t)

	r, ok := tn.byAddr[addr]
	require.True(ok)
	for hop := 0; hop < sphinx.NrHops; hop++ {
		res, err := tn.geo.Unwrap(r.priv, pkt, nil)
		require.NoError(err)
		if res.Deliver {
			require.Equal(sphinx.NrHops-1, hop)
			return r, res
		}
		r, ok = tn.byID[res.NextHop]
		require.True(ok)
		pkt = res.Packet
	}
	t.Fatal("packet was never delivered")
	return nil, nil
}

type sentPacket struct {
	addr string
	pkt  []byte
}

type recordingSender struct {
	sync.Mutex
	sent []sentPacket
}

func (s *recordingSender) Send(_ context.Context, addr string, pkt []byte) error {
	s.Lock()
	defer s.Unlock()
	s.sent = append(s.sent, sentPacket{addr, append([]byte{}, pkt...)})
	return nil
}

func (s *recordingSender) last(t *testing.T) sentPacket {
	s.Lock()
	defer s.Unlock()
	require.NotEmpty(t, s.sent)
	return s.sent[len(s.sent)-1]
}

type testClock struct {
	sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.Lock()
	defer c.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.Lock()
	defer c.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, tn *testNet, sender Sender, store state.Store, clock *testClock) *Manager {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	m, err := New(&Config{
		Geometry:   tn.geo,
		Directory:  tn.dir,
		Sender:     sender,
		LogBackend: backend,
		Store:      store,
		Clock:      clock,
		Self:       tn.ids[0],
	})
	require.NoError(t, err)
	t.Cleanup(m.Halt)
	return m
}

func TestManagerSend(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tn := newTestNet(t, 5)
	sender := new(recordingSender)
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, tn, sender, nil, clock)

	dest := tn.ids[4]
	c, err := m.NewCircuit(ctx, dest)
	require.NoError(err)
	require.Equal(dest, c.Destination())
	require.Equal(uint64(0), c.Generation)
	require.Equal(c.CreatedAt.Add(RotationPeriod), c.RotateAt)

	seen := make(map[sphinx.NodeID]bool)
	for i, d := range c.Path {
		require.False(seen[d.ID()], "hop %d repeats a relay", i)
		seen[d.ID()] = true
		if i < sphinx.NrHops-1 {
			require.NotEqual(tn.ids[0], d.ID(), "self chosen as intermediate hop")
		}
	}

	require.NoError(m.Send(ctx, c.ID, sphinx.MessageQuorum, []byte("hello")))
	sent := sender.last(t)
	require.Equal(c.Path[0].Addresses[0], sent.addr)
	require.Len(sent.pkt, sphinx.PacketLength)

	final, res := tn.route(t, sent.addr, sent.pkt)
	require.Equal(dest, final.desc.ID())
	require.Equal(sphinx.MessageQuorum, res.Type)
	require.Equal([]byte("hello"), res.Message)

	require.NoError(m.Close(c.ID))
	require.ErrorIs(m.Send(ctx, c.ID, sphinx.MessageQuorum, nil), ErrUnknownCircuit)
	require.ErrorIs(m.Close(c.ID), ErrUnknownCircuit)
}

func TestManagerRotation(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tn := newTestNet(t, 6)
	sender := new(recordingSender)
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, tn, sender, nil, clock)

	var rotated []uint64
	var rotatedLock sync.Mutex
	m.cfg.OnRotate = func(old, cur *Circuit) {
		rotatedLock.Lock()
		defer rotatedLock.Unlock()
		rotated = append(rotated, cur.Generation)
	}

	s, err := m.NewSession(ctx, tn.ids[5])
	require.NoError(err)
	s.SetState([]byte("ratchet state"))

	require.NoError(s.Send(ctx, []byte("one")))
	require.NoError(s.Send(ctx, []byte("two")))
	require.Equal(uint64(2), s.NextSeq())
	require.Equal(uint64(0), s.Generation())

	c, err := m.Circuit(s.Circuit())
	require.NoError(err)
	require.False(RotateDue(c, clock.Now()))

	// Past the deadline the next send rotates first.
	clock.Advance(RotationPeriod)
	require.True(RotateDue(c, clock.Now()))
	require.NoError(s.Send(ctx, []byte("three")))

	require.Equal(uint64(1), s.Generation())
	require.Equal(uint64(3), s.NextSeq())
	require.Equal([]byte("ratchet state"), s.State())

	cur, err := m.Circuit(s.Circuit())
	require.NoError(err)
	require.Equal(c.ID, cur.ID)
	require.Equal(uint64(1), cur.Generation)
	require.Equal(tn.ids[5], cur.Destination())
	require.Equal(clock.Now().Add(RotationPeriod), cur.RotateAt)

	// The session frame on the new circuit continues the sequence.
	_, res := tn.route(t, sender.last(t).addr, sender.last(t).pkt)
	require.Equal(sphinx.MessageData, res.Type)
	f, err := ParseFrame(res.Message)
	require.NoError(err)
	require.Equal(s.ID(), f.Session)
	require.Equal(uint64(2), f.Seq)
	require.Equal([]byte("three"), f.Data)

	require.NoError(m.Rotate(ctx, s.Circuit()))
	cur, err = m.Circuit(s.Circuit())
	require.NoError(err)
	require.Equal(uint64(2), cur.Generation)

	rotatedLock.Lock()
	require.Equal([]uint64{1, 2}, rotated)
	rotatedLock.Unlock()
}

func TestManagerExpiredWithoutReplacement(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tn := newTestNet(t, 4)
	sender := new(recordingSender)
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, tn, sender, nil, clock)

	c, err := m.NewCircuit(ctx, tn.ids[3])
	require.NoError(err)

	// With the directory emptied no replacement can be built.
	m.cfg.Directory = dht.NewDirectory(dht.NewMemoryDHT())
	clock.Advance(RotationPeriod + time.Second)
	require.ErrorIs(m.Send(ctx, c.ID, sphinx.MessageData, nil), ErrCircuitExpired)
	require.Empty(sender.sent)
}

func TestManagerDeliver(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 4)
	m := newTestManager(t, tn, new(recordingSender), nil, &testClock{now: time.Now()})

	var quorumMsgs [][]byte
	require.NoError(m.OnDeliver(sphinx.MessageQuorum, func(b []byte) {
		quorumMsgs = append(quorumMsgs, b)
	}))
	require.Error(m.OnDeliver(sphinx.MessageCover, func([]byte) {}))

	var got []string
	m.OnSessionMessage(func(id SessionID, data []byte) {
		got = append(got, string(data))
	})

	m.Deliver(sphinx.MessageQuorum, []byte("q"))
	m.Deliver(sphinx.MessageCover, []byte("cover"))
	m.Deliver(sphinx.MessageDescriptor, []byte("unhandled"))
	require.Equal([][]byte{[]byte("q")}, quorumMsgs)

	// Session frames are released in sequence order.
	var sid SessionID
	sid[0] = 1
	for _, seq := range []uint64{2, 0, 0, 1, 3} {
		f := &Frame{Session: sid, Seq: seq, Data: []byte(fmt.Sprint(seq))}
		b, err := f.Marshal()
		require.NoError(err)
		m.Deliver(sphinx.MessageData, b)
	}
	m.Deliver(sphinx.MessageData, []byte("not a frame"))
	require.Equal([]string{"0", "1", "2", "3"}, got)
}

func TestManagerSendTo(t *testing.T) {
	require := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tn := newTestNet(t, 5)
	sender := new(recordingSender)
	m := newTestManager(t, tn, sender, nil, &testClock{now: time.Now()})

	// A slow build to one destination does not hold up another.
	slow, fast := tn.ids[3], tn.ids[4]
	stuck := &destBuild{done: make(chan struct{})}
	m.destLock.Lock()
	m.building[slow] = stuck
	m.destLock.Unlock()

	errCh := make(chan error, 1)
	go func() {
		errCh <- m.SendTo(ctx, slow, sphinx.MessageData, []byte("slow"))
	}()
	require.NoError(m.SendTo(ctx, fast, sphinx.MessageData, []byte("fast")))
	select {
	case err := <-errCh:
		t.Fatalf("send to a destination still being built returned: %v", err)
	default:
	}

	c, err := m.NewCircuit(ctx, slow)
	require.NoError(err)
	stuck.id = c.ID
	close(stuck.done)
	require.NoError(<-errCh)

	// Concurrent first sends to one destination share one circuit.
	dest := tn.ids[2]
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.SendTo(ctx, dest, sphinx.MessageData, []byte("x"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}
	n := 0
	for _, id := range m.Circuits() {
		cur, err := m.Circuit(id)
		require.NoError(err)
		if cur.Destination() == dest {
			n++
		}
	}
	require.Equal(1, n)

	sender.Lock()
	require.Len(sender.sent, 10)
	sender.Unlock()
}

func TestManagerSessionGap(t *testing.T) {
	require := require.New(t)

	tn := newTestNet(t, 4)
	clock := &testClock{now: time.Now()}
	m := newTestManager(t, tn, new(recordingSender), nil, clock)

	var (
		lock sync.Mutex
		got  []string
	)
	m.OnSessionMessage(func(id SessionID, data []byte) {
		lock.Lock()
		defer lock.Unlock()
		got = append(got, string(data))
	})
	received := func() []string {
		lock.Lock()
		defer lock.Unlock()
		return append([]string(nil), got...)
	}
	deliver := func(sid SessionID, seq uint64) {
		f := &Frame{Session: sid, Seq: seq, Data: []byte(fmt.Sprint(seq))}
		b, err := f.Marshal()
		require.NoError(err)
		m.Deliver(sphinx.MessageData, b)
	}

	// The first message of the session is lost in flight.
	var sid SessionID
	sid[0] = 2
	for seq := uint64(1); seq <= 5; seq++ {
		deliver(sid, seq)
	}
	require.Empty(received())

	clock.Advance(DefaultGapTimeout)
	m.sweepSessions()
	require.Equal([]string{"1", "2", "3", "4", "5"}, received())

	// The session carries on in order afterwards.
	deliver(sid, 7)
	deliver(sid, 6)
	require.Equal([]string{"1", "2", "3", "4", "5", "6", "7"}, received())

	// Idle sessions are forgotten.
	clock.Advance(sessionIdleTimeout)
	m.sweepSessions()
	m.inboxLock.Lock()
	require.Empty(m.inbox)
	m.inboxLock.Unlock()

	// The inbox is bounded, whatever the number of session ids seen.
	for i := 0; i <= maxSessions; i++ {
		var id SessionID
		binary.BigEndian.PutUint32(id[:], uint32(i))
		deliver(id, 1)
	}
	m.inboxLock.Lock()
	require.Len(m.inbox, maxSessions)
	m.inboxLock.Unlock()
}

func TestManagerRestore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	tn := newTestNet(t, 5)
	store := state.NewMemoryStore()
	clock := &testClock{now: time.Now()}

	m := newTestManager(t, tn, new(recordingSender), store, clock)
	live, err := m.NewCircuit(ctx, tn.ids[3])
	require.NoError(err)
	m.Halt()

	m2 := newTestManager(t, tn, new(recordingSender), store, clock)
	n, err := m2.Restore(ctx)
	require.NoError(err)
	require.Equal(1, n)

	c, err := m2.Circuit(live.ID)
	require.NoError(err)
	require.Equal(live.Generation, c.Generation)
	require.Equal(live.RotateAt.UnixNano(), c.RotateAt.UnixNano())
	for i := range c.Path {
		require.Equal(live.Path[i].ID(), c.Path[i].ID())
	}
	m2.Halt()

	// A checkpoint past its deadline is rebuilt as the next generation.
	clock.Advance(2 * RotationPeriod)
	m3 := newTestManager(t, tn, new(recordingSender), store, clock)
	n, err = m3.Restore(ctx)
	require.NoError(err)
	require.Equal(1, n)
	c, err = m3.Circuit(live.ID)
	require.NoError(err)
	require.Equal(live.Generation+1, c.Generation)
	require.Equal(tn.ids[3], c.Destination())
	require.False(RotateDue(c, clock.Now()))

	require.NoError(m3.Close(live.ID))
	_, err = store.Load(checkpointBucket, live.ID.String())
	require.ErrorIs(err, state.ErrNotFound)
}
