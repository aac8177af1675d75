// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package replay implements the epoch scoped packet replay windows.
package replay

import (
	"sync"

	"github.com/katzenpost/hpqc/rand"
	"github.com/yawning/bloom"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

const (
	// DefaultFilterSize is the default filter size as a power of 2 in bits
	// (32 MiB, roughly 18.6 million tags at the default rate).
	DefaultFilterSize = 28

	falsePositiveRate = 0.001
)

// Window is the set of replay tags seen during one epoch.
type Window struct {
	sync.Mutex

	epoch     uint64
	f         *bloom.Filter
	saturated bool
}

// NewWindow creates an empty window for epoch with a filter of 2^mLn2 bits.
func NewWindow(epoch uint64, mLn2 int) (*Window, error) {
	f, err := bloom.New(rand.Reader, mLn2, falsePositiveRate)
	if err != nil {
		return nil, err
	}
	return &Window{epoch: epoch, f: f}, nil
}

// Epoch returns the epoch the window covers.
func (w *Window) Epoch() uint64 {
	return w.epoch
}

// TestAndSet marks tag as seen, and returns true iff it was seen before.
// Malformed tags, and every tag once the filter is saturated, are reported
// as replays.
func (w *Window) TestAndSet(tag []byte) bool {
	if len(tag) != sphinx.TagLength {
		return true
	}

	w.Lock()
	defer w.Unlock()

	if w.f.Entries() >= w.f.MaxEntries() {
		w.saturated = true
		return true
	}
	return w.f.TestAndSet(tag)
}

// Saturated returns true iff the window has stopped accepting new tags.
func (w *Window) Saturated() bool {
	w.Lock()
	defer w.Unlock()
	return w.saturated
}

// Manager owns the current and previous epoch windows.  All access goes
// through Window or TestAndSet.
type Manager struct {
	sync.Mutex

	log  *logging.Logger
	mLn2 int

	current  *Window
	previous *Window
}

// NewManager creates a Manager with a fresh window for epoch.
func NewManager(log *logging.Logger, mLn2 int, epoch uint64) (*Manager, error) {
	w, err := NewWindow(epoch, mLn2)
	if err != nil {
		return nil, err
	}
	return &Manager{log: log, mLn2: mLn2, current: w}, nil
}

// Rotate advances the manager to epoch.  The outgoing current window is
// kept as the previous window when epoch immediately follows it, and
// everything older is discarded wholesale.
func (m *Manager) Rotate(epoch uint64) error {
	m.Lock()
	defer m.Unlock()

	if epoch <= m.current.epoch {
		return nil
	}
	w, err := NewWindow(epoch, m.mLn2)
	if err != nil {
		return err
	}
	if epoch == m.current.epoch+1 {
		m.previous = m.current
	} else {
		m.previous = nil
	}
	m.current = w
	m.log.Debugf("Replay window rotated to epoch %v", epoch)
	return nil
}

// Window returns the window for epoch, if it is current or previous.
func (m *Manager) Window(epoch uint64) (*Window, bool) {
	m.Lock()
	defer m.Unlock()

	switch {
	case m.current.epoch == epoch:
		return m.current, true
	case m.previous != nil && m.previous.epoch == epoch:
		return m.previous, true
	}
	return nil, false
}

// TestAndSet tests and records tag in epoch's window.  Tags for epochs
// without a window are always reported as replays.
func (m *Manager) TestAndSet(epoch uint64, tag []byte) bool {
	w, ok := m.Window(epoch)
	if !ok {
		return true
	}
	return w.TestAndSet(tag)
}
