// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/quorumnet/core/sphinx"
)

// SessionIDLength is the length of a session identifier.
const SessionIDLength = 16

// ErrMalformedFrame is returned for a session frame that does not decode.
var ErrMalformedFrame = errors.New("client: malformed session frame")

// SessionID names a session end to end.
type SessionID [SessionIDLength]byte

func (id SessionID) String() string {
	return hex.EncodeToString(id[:])
}

// Frame is the session layer header carried in MessageData payloads.
type Frame struct {
	Session SessionID `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	Data    []byte    `cbor:"3,keyasint"`
}

// Marshal serializes the frame.
func (f *Frame) Marshal() ([]byte, error) {
	return cbor.Marshal(f)
}

// ParseFrame deserializes a frame.
func ParseFrame(b []byte) (*Frame, error) {
	f := new(Frame)
	if err := cbor.Unmarshal(b, f); err != nil {
		return nil, ErrMalformedFrame
	}
	return f, nil
}

// Session is a logical message stream bound to a circuit.  Its sequence
// numbers and application state are independent of the circuit, and
// survive circuit rotation unchanged.
type Session struct {
	sync.Mutex

	id      SessionID
	mgr     *Manager
	circuit CircuitID

	nextSeq    uint64
	generation uint64
	state      []byte
}

// ID returns the session id.
func (s *Session) ID() SessionID {
	return s.id
}

// Circuit returns the circuit carrying the session.
func (s *Session) Circuit() CircuitID {
	return s.circuit
}

// Generation returns the generation of the circuit the session last sent
// on.
func (s *Session) Generation() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.generation
}

// NextSeq returns the sequence number the next message will carry.
func (s *Session) NextSeq() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.nextSeq
}

// SetState stores opaque application state, such as a message layer
// ratchet, alongside the session.  The session never interprets it.
func (s *Session) SetState(b []byte) {
	s.Lock()
	defer s.Unlock()
	s.state = append([]byte{}, b...)
}

// State returns the opaque application state.
func (s *Session) State() []byte {
	s.Lock()
	defer s.Unlock()
	return append([]byte{}, s.state...)
}

// Send sends data as the next message of the session.
func (s *Session) Send(ctx context.Context, data []byte) error {
	s.Lock()
	seq := s.nextSeq
	s.nextSeq++
	s.Unlock()

	f := &Frame{Session: s.id, Seq: seq, Data: data}
	b, err := f.Marshal()
	if err != nil {
		return err
	}
	gen, err := s.mgr.send(ctx, s.circuit, sphinx.MessageData, b)
	if err != nil {
		return err
	}

	s.Lock()
	s.generation = gen
	s.Unlock()
	return nil
}

// NewSession opens a session to dest on a fresh circuit.
func (m *Manager) NewSession(ctx context.Context, dest sphinx.NodeID) (*Session, error) {
	c, err := m.NewCircuit(ctx, dest)
	if err != nil {
		return nil, err
	}
	s := &Session{
		mgr:        m,
		circuit:    c.ID,
		generation: c.Generation,
	}
	if _, err = io.ReadFull(rand.Reader, s.id[:]); err != nil {
		_ = m.Close(c.ID)
		return nil, err
	}
	return s, nil
}

// OnSessionMessage registers the handler for inbound session messages.
// Messages of each session are handed to fn in sequence order.  fn must
// not call OnSessionMessage.
func (m *Manager) OnSessionMessage(fn func(id SessionID, data []byte)) {
	m.inboxLock.Lock()
	defer m.inboxLock.Unlock()
	m.onSession = fn
}

func (m *Manager) onData(payload []byte) {
	f, err := ParseFrame(payload)
	if err != nil {
		m.log.Debugf("Dropping session frame: %v", err)
		return
	}
	now := m.clock.Now()

	// Held across the callback so each session's messages reach the
	// handler in order.
	m.inboxLock.Lock()
	defer m.inboxLock.Unlock()

	e, ok := m.inbox[f.Session]
	if !ok {
		if len(m.inbox) >= maxSessions {
			m.evictOldestSession()
		}
		e = &inboxEntry{reorder: NewReorder(0, DefaultReorderWindow, m.cfg.GapTimeout)}
		m.inbox[f.Session] = e
	}
	e.lastSeen = now
	m.dispatch(f.Session, e.reorder.Push(f.Seq, f.Data, now))
}

func (m *Manager) dispatch(id SessionID, msgs [][]byte) {
	if m.onSession == nil {
		return
	}
	for _, msg := range msgs {
		m.onSession(id, msg)
	}
}

func (m *Manager) evictOldestSession() {
	var (
		oldest SessionID
		seen   time.Time
	)
	for id, e := range m.inbox {
		if seen.IsZero() || e.lastSeen.Before(seen) {
			oldest, seen = id, e.lastSeen
		}
	}
	delete(m.inbox, oldest)
}

// sweepSessions releases messages held up by a lost one past the gap
// timeout, and forgets sessions that have gone idle.
func (m *Manager) sweepSessions() {
	now := m.clock.Now()

	m.inboxLock.Lock()
	defer m.inboxLock.Unlock()

	for id, e := range m.inbox {
		m.dispatch(id, e.reorder.Expire(now))
		if now.Sub(e.lastSeen) >= sessionIdleTimeout {
			delete(m.inbox, id)
		}
	}
}

func (m *Manager) sweepWorker() {
	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-m.sweeper.HaltCh():
			return
		case <-t.C:
		}
		m.sweepSessions()
	}
}
