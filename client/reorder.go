// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"slices"
	"time"
)

const (
	// DefaultReorderWindow is how far ahead of the next expected sequence
	// number a message may arrive and still be buffered.
	DefaultReorderWindow = 256

	// DefaultGapTimeout is how long a missing message may hold up the
	// messages behind it before it is given up on.
	DefaultGapTimeout = 30 * time.Second
)

// Reorder releases messages in sequence number order.  Packets are routed
// independently and may be lost, so the receive side of a session sees
// them in arbitrary order, with gaps.  A gap is skipped once it has held
// up later messages for the gap timeout, or once a message arrives beyond
// the window.  Reorder is not safe for concurrent use.
type Reorder struct {
	next    uint64
	window  uint64
	timeout time.Duration
	pending map[uint64][]byte

	// stalled is when the gap at next started holding up pending.
	stalled time.Time
	skipped uint64
}

// NewReorder returns a buffer expecting sequence number first.
func NewReorder(first uint64, window int, gapTimeout time.Duration) *Reorder {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	if gapTimeout <= 0 {
		gapTimeout = DefaultGapTimeout
	}
	return &Reorder{
		next:    first,
		window:  uint64(window),
		timeout: gapTimeout,
		pending: make(map[uint64][]byte),
	}
}

// Push adds a message received at now, and returns every message that is
// now deliverable, in order.  Duplicates and messages older than the next
// expected one are discarded.  A message beyond the window moves the
// window forward, skipping the missing messages it passes over.
func (r *Reorder) Push(seq uint64, msg []byte, now time.Time) [][]byte {
	if seq < r.next {
		return nil
	}
	if _, ok := r.pending[seq]; ok {
		return nil
	}
	before := r.next

	var out [][]byte
	if seq-r.next >= r.window {
		out = r.skipTo(seq - r.window + 1)
	}
	r.pending[seq] = msg
	out = append(out, r.release()...)
	r.updateStall(before, now)
	return out
}

// Expire skips the gap at the head of the buffer if it has held up later
// messages for the gap timeout, and returns the messages that releases.
func (r *Reorder) Expire(now time.Time) [][]byte {
	var out [][]byte
	for len(r.pending) > 0 && now.Sub(r.stalled) >= r.timeout {
		before := r.next
		out = append(out, r.skipTo(r.lowest())...)
		out = append(out, r.release()...)
		r.updateStall(before, now)
	}
	return out
}

func (r *Reorder) updateStall(before uint64, now time.Time) {
	switch {
	case len(r.pending) == 0:
		r.stalled = time.Time{}
	case r.next != before || r.stalled.IsZero():
		r.stalled = now
	}
}

func (r *Reorder) lowest() uint64 {
	first := true
	var lo uint64
	for seq := range r.pending {
		if first || seq < lo {
			lo, first = seq, false
		}
	}
	return lo
}

// skipTo gives up on every missing message before target, releasing the
// buffered ones in order.
func (r *Reorder) skipTo(target uint64) [][]byte {
	var seqs []uint64
	for seq := range r.pending {
		if seq < target {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)

	out := make([][]byte, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, r.pending[seq])
		delete(r.pending, seq)
	}
	r.skipped += target - r.next - uint64(len(seqs))
	r.next = target
	return out
}

func (r *Reorder) release() [][]byte {
	var out [][]byte
	for {
		m, ok := r.pending[r.next]
		if !ok {
			break
		}
		delete(r.pending, r.next)
		out = append(out, m)
		r.next++
	}
	return out
}

// Next returns the next expected sequence number.
func (r *Reorder) Next() uint64 {
	return r.next
}

// Pending returns the number of buffered out of order messages.
func (r *Reorder) Pending() int {
	return len(r.pending)
}

// Skipped returns the number of messages given up on.
func (r *Reorder) Skipped() uint64 {
	return r.skipped
}
