// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/log"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/state"
	"github.com/katzenpost/quorumnet/core/worker"
)

const (
	checkpointBucket = "circuits"

	buildTimeout = 30 * time.Second

	sweepInterval      = time.Second
	sessionIdleTimeout = 2 * RotationPeriod
	maxSessions        = 4096
)

// ErrCircuitExpired is returned when a circuit is past its rotation
// deadline and no replacement could be built.  Expired circuits never
// carry traffic.
var ErrCircuitExpired = errors.New("client: circuit expired")

// Sender transmits a packet to a relay address.
type Sender interface {
	Send(ctx context.Context, addr string, pkt []byte) error
}

// DeliverHandler receives the payload of a message delivered locally.
type DeliverHandler func(payload []byte)

// Config is the Manager configuration.
type Config struct {
	Geometry   *sphinx.Geometry
	Directory  *dht.Directory
	Sender     Sender
	LogBackend *log.Backend

	// Store persists circuit checkpoints, if not nil.
	Store state.Store

	// Clock defaults to the wall clock.
	Clock epochtime.Clock

	// Self is the local relay, never chosen as an intermediate hop.
	Self sphinx.NodeID

	// RotationPeriod defaults to RotationPeriod.
	RotationPeriod time.Duration

	// OnRotate, if set, is called after a circuit is replaced.
	OnRotate func(old, cur *Circuit)

	// GapTimeout defaults to DefaultGapTimeout.
	GapTimeout time.Duration
}

// destBuild is a circuit build for SendTo in progress.  done is closed
// once id and err are set.
type destBuild struct {
	done chan struct{}
	id   CircuitID
	err  error
}

type inboxEntry struct {
	reorder  *Reorder
	lastSeen time.Time
}

// Manager owns the local node's circuits.  Every circuit is driven by its
// own goroutine, which serializes sends and rotation for that circuit.
type Manager struct {
	sync.RWMutex

	cfg    Config
	log    *logging.Logger
	clock  epochtime.Clock
	period time.Duration

	circuits map[CircuitID]*circuitActor

	destLock sync.Mutex
	byDest   map[sphinx.NodeID]CircuitID
	building map[sphinx.NodeID]*destBuild

	handlerLock sync.RWMutex
	handlers    map[sphinx.MessageType]DeliverHandler

	inboxLock sync.Mutex
	inbox     map[SessionID]*inboxEntry
	onSession func(SessionID, []byte)
	sweeper   worker.Worker

	haltOnce sync.Once
	halted   bool
}

// New creates a Manager.
func New(cfg *Config) (*Manager, error) {
	if cfg.Geometry == nil || cfg.Directory == nil || cfg.Sender == nil || cfg.LogBackend == nil {
		return nil, errors.New("client: incomplete configuration")
	}
	m := &Manager{
		cfg:      *cfg,
		log:      cfg.LogBackend.GetLogger("client"),
		clock:    cfg.Clock,
		period:   cfg.RotationPeriod,
		circuits: make(map[CircuitID]*circuitActor),
		byDest:   make(map[sphinx.NodeID]CircuitID),
		building: make(map[sphinx.NodeID]*destBuild),
		handlers: make(map[sphinx.MessageType]DeliverHandler),
		inbox:    make(map[SessionID]*inboxEntry),
	}
	if m.clock == nil {
		m.clock = epochtime.WallClock
	}
	if m.period == 0 {
		m.period = RotationPeriod
	}
	m.handlers[sphinx.MessageData] = m.onData
	m.sweeper.Go(m.sweepWorker)
	return m, nil
}

func (m *Manager) build(ctx context.Context, id CircuitID, gen uint64, dest sphinx.NodeID) (*Circuit, error) {
	suite := m.cfg.Geometry.Suite()
	path, err := selectPath(ctx, m.cfg.Directory, suite, m.cfg.Self, dest)
	if err != nil {
		return nil, err
	}
	return newCircuit(id, gen, path, suite, m.clock.Now(), m.period)
}

func (m *Manager) checkpoint(c *Circuit, dest sphinx.NodeID) {
	if m.cfg.Store == nil {
		return
	}
	b, err := c.marshalCheckpoint(dest)
	if err == nil {
		err = m.cfg.Store.Save(checkpointBucket, c.ID.String(), b)
	}
	if err != nil {
		m.log.Warningf("Failed to checkpoint circuit %v: %v", c, err)
	}
}

func (m *Manager) register(c *Circuit, dest sphinx.NodeID) error {
	m.Lock()
	defer m.Unlock()
	if m.halted {
		return ErrHalted
	}
	m.circuits[c.ID] = newCircuitActor(m, c, dest)
	m.checkpoint(c, dest)
	return nil
}

// NewCircuit builds a circuit whose final hop is dest.  A zero dest
// yields a circuit through three random relays.
func (m *Manager) NewCircuit(ctx context.Context, dest sphinx.NodeID) (*Circuit, error) {
	id, err := newCircuitID()
	if err != nil {
		return nil, err
	}
	c, err := m.build(ctx, id, 0, dest)
	if err != nil {
		return nil, err
	}
	if err = m.register(c, dest); err != nil {
		return nil, err
	}
	m.log.Debugf("New circuit: %v", c)
	return c, nil
}

func (m *Manager) actor(id CircuitID) (*circuitActor, error) {
	m.RLock()
	defer m.RUnlock()
	if m.halted {
		return nil, ErrHalted
	}
	a, ok := m.circuits[id]
	if !ok {
		return nil, ErrUnknownCircuit
	}
	return a, nil
}

// Circuit returns the current state of a circuit.
func (m *Manager) Circuit(id CircuitID) (*Circuit, error) {
	a, err := m.actor(id)
	if err != nil {
		return nil, err
	}
	return a.current(), nil
}

// Circuits returns the ids of every live circuit.
func (m *Manager) Circuits() []CircuitID {
	m.RLock()
	defer m.RUnlock()
	ids := make([]CircuitID, 0, len(m.circuits))
	for id := range m.circuits {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) send(ctx context.Context, id CircuitID, t sphinx.MessageType, payload []byte) (uint64, error) {
	a, err := m.actor(id)
	if err != nil {
		return 0, err
	}
	op := &opSend{ctx: ctx, t: t, payload: payload, resCh: make(chan sendResult, 1)}
	if err = a.submit(ctx, op); err != nil {
		return 0, err
	}
	select {
	case r := <-op.resCh:
		return r.generation, r.err
	case <-a.HaltCh():
		return 0, ErrHalted
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Send sends payload on a circuit, to be delivered at its final hop as a
// message of type t.
func (m *Manager) Send(ctx context.Context, id CircuitID, t sphinx.MessageType, payload []byte) error {
	_, err := m.send(ctx, id, t, payload)
	return err
}

// SendTo sends payload to dest on a circuit dedicated to that
// destination, building the circuit on first use.  Concurrent first sends
// to one destination share a single build, and builds for different
// destinations proceed in parallel.
func (m *Manager) SendTo(ctx context.Context, dest sphinx.NodeID, t sphinx.MessageType, payload []byte) error {
	id, err := m.circuitTo(ctx, dest)
	if err != nil {
		return err
	}
	return m.Send(ctx, id, t, payload)
}

func (m *Manager) circuitTo(ctx context.Context, dest sphinx.NodeID) (CircuitID, error) {
	for {
		m.destLock.Lock()
		if id, ok := m.byDest[dest]; ok {
			if _, err := m.actor(id); err == nil {
				m.destLock.Unlock()
				return id, nil
			}
			delete(m.byDest, dest)
		}
		if b, ok := m.building[dest]; ok {
			m.destLock.Unlock()
			select {
			case <-b.done:
			case <-ctx.Done():
				return CircuitID{}, ctx.Err()
			}
			if b.err == nil {
				return b.id, nil
			}
			// The builder gave up on its own deadline, not ours.
			if errors.Is(b.err, context.Canceled) || errors.Is(b.err, context.DeadlineExceeded) {
				continue
			}
			return CircuitID{}, b.err
		}
		b := &destBuild{done: make(chan struct{})}
		m.building[dest] = b
		m.destLock.Unlock()

		c, err := m.NewCircuit(ctx, dest)

		m.destLock.Lock()
		delete(m.building, dest)
		if err == nil {
			b.id = c.ID
			m.byDest[dest] = c.ID
		}
		b.err = err
		m.destLock.Unlock()
		close(b.done)
		return b.id, err
	}
}

// Rotate replaces a circuit's path immediately.
func (m *Manager) Rotate(ctx context.Context, id CircuitID) error {
	a, err := m.actor(id)
	if err != nil {
		return err
	}
	op := &opRotate{errCh: make(chan error, 1)}
	if err = a.submit(ctx, op); err != nil {
		return err
	}
	select {
	case err = <-op.errCh:
		return err
	case <-a.HaltCh():
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down a circuit.  Packets already in flight are not recalled.
func (m *Manager) Close(id CircuitID) error {
	m.Lock()
	a, ok := m.circuits[id]
	delete(m.circuits, id)
	m.Unlock()
	if !ok {
		return ErrUnknownCircuit
	}
	a.Halt()

	m.destLock.Lock()
	if cur, ok := m.byDest[a.dest]; ok && cur == id {
		delete(m.byDest, a.dest)
	}
	m.destLock.Unlock()

	if m.cfg.Store != nil {
		if err := m.cfg.Store.Delete(checkpointBucket, id.String()); err != nil && !errors.Is(err, state.ErrNotFound) {
			return err
		}
	}
	return nil
}

// OnDeliver registers the handler for locally delivered messages of type
// t, replacing any previous handler.
func (m *Manager) OnDeliver(t sphinx.MessageType, h DeliverHandler) error {
	if !t.IsValid() || t == sphinx.MessageCover {
		return fmt.Errorf("client: cannot register handler for message type %v", t)
	}
	m.handlerLock.Lock()
	defer m.handlerLock.Unlock()
	m.handlers[t] = h
	return nil
}

// Deliver dispatches a message delivered at the local relay to the
// handler for its type.  Cover traffic and unhandled types are dropped.
func (m *Manager) Deliver(t sphinx.MessageType, payload []byte) {
	if t == sphinx.MessageCover {
		return
	}
	m.handlerLock.RLock()
	h, ok := m.handlers[t]
	m.handlerLock.RUnlock()
	if !ok {
		m.log.Debugf("Dropping message: no handler for type %v", t)
		return
	}
	h(payload)
}

// Restore rebuilds circuits from their checkpoints.  A circuit whose
// deadline passed while the node was down, or whose relays can no longer
// be resolved, is replaced by a fresh path to the same destination.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.cfg.Store == nil {
		return 0, nil
	}
	var (
		cps     []*checkpoint
		corrupt []string
	)
	err := m.cfg.Store.ForEach(checkpointBucket, func(key string, blob []byte) error {
		cp, err := unmarshalCheckpoint(blob)
		if err != nil {
			m.log.Warningf("Discarding corrupt circuit checkpoint %v: %v", key, err)
			corrupt = append(corrupt, key)
			return nil
		}
		cps = append(cps, cp)
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, key := range corrupt {
		if err = m.cfg.Store.Delete(checkpointBucket, key); err != nil {
			return 0, err
		}
	}

	n := 0
	for _, cp := range cps {
		c, err := m.restoreOne(ctx, cp)
		if err != nil {
			m.log.Warningf("Failed to restore circuit %v: %v", cp.ID, err)
			continue
		}
		if err = m.register(c, cp.Dest); err != nil {
			return n, err
		}
		if cp.Dest != (sphinx.NodeID{}) {
			m.destLock.Lock()
			m.byDest[cp.Dest] = c.ID
			m.destLock.Unlock()
		}
		n++
	}
	return n, nil
}

func (m *Manager) restoreOne(ctx context.Context, cp *checkpoint) (*Circuit, error) {
	now := m.clock.Now()
	rotateAt := time.Unix(0, cp.RotateAt)
	if now.Before(rotateAt) {
		var path [sphinx.NrHops]*pki.RelayDescriptor
		var err error
		for i, id := range cp.Path {
			if path[i], err = m.cfg.Directory.Lookup(ctx, id); err != nil {
				break
			}
		}
		if err == nil {
			c, err := newCircuit(cp.ID, cp.Generation, path, m.cfg.Geometry.Suite(), time.Unix(0, cp.CreatedAt), m.period)
			if err == nil {
				c.RotateAt = rotateAt
				return c, nil
			}
		}
	}
	return m.build(ctx, cp.ID, cp.Generation+1, cp.Dest)
}

// Halt tears down every circuit.  Checkpoints are kept for Restore.
func (m *Manager) Halt() {
	m.haltOnce.Do(func() {
		m.Lock()
		m.halted = true
		actors := m.circuits
		m.circuits = make(map[CircuitID]*circuitActor)
		m.Unlock()

		for _, a := range actors {
			a.Halt()
		}
		m.sweeper.Halt()
	})
}
