// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"sync/atomic"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/quorumnet/core/retry"
	"github.com/katzenpost/quorumnet/core/sphinx"
	"github.com/katzenpost/quorumnet/core/worker"
)

const (
	rebuildBaseDelay = time.Second
	rebuildMaxDelay  = time.Minute
	rebuildJitter    = 0.2
)

type circuitOp interface{}

type sendResult struct {
	generation uint64
	err        error
}

type opSend struct {
	ctx     context.Context
	t       sphinx.MessageType
	payload []byte
	resCh   chan sendResult
}

type opRotate struct {
	errCh chan error
}

// circuitActor is the single owner of one logical circuit.
type circuitActor struct {
	worker.Worker

	m    *Manager
	log  *logging.Logger
	dest sphinx.NodeID
	opCh chan circuitOp

	// Written only by the worker.
	cur atomic.Pointer[Circuit]

	failures int
	retryAt  time.Time
}

func (a *circuitActor) current() *Circuit {
	return a.cur.Load()
}

func (a *circuitActor) submit(ctx context.Context, op circuitOp) error {
	select {
	case a.opCh <- op:
		return nil
	case <-a.HaltCh():
		return ErrHalted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *circuitActor) untilRotation() time.Duration {
	at := a.current().RotateAt
	if !a.retryAt.IsZero() {
		at = a.retryAt
	}
	d := at.Sub(a.m.clock.Now())
	if d < 0 {
		d = 0
	}
	return d
}

// rotate builds the replacement path first and only then swaps it in, so
// the circuit is never without a usable path while the old one is valid.
func (a *circuitActor) rotate() error {
	old := a.current()
	ctx, cancel := context.WithTimeout(a.Context(), buildTimeout)
	defer cancel()

	c, err := a.m.build(ctx, old.ID, old.Generation+1, a.dest)
	if err != nil {
		a.failures++
		a.retryAt = a.m.clock.Now().Add(retry.Delay(rebuildBaseDelay, rebuildMaxDelay, rebuildJitter, a.failures))
		a.log.Warningf("Circuit %v: failed to build replacement: %v", old, err)
		return err
	}
	a.failures = 0
	a.retryAt = time.Time{}
	a.cur.Store(c)
	a.m.checkpoint(c, a.dest)
	a.log.Debugf("Circuit %v rotated to %v", old, c)

	if fn := a.m.cfg.OnRotate; fn != nil {
		fn(old, c)
	}
	return nil
}

func (a *circuitActor) doSend(op *opSend) sendResult {
	c := a.current()
	if RotateDue(c, a.m.clock.Now()) {
		if err := a.rotate(); err != nil {
			return sendResult{generation: c.Generation, err: ErrCircuitExpired}
		}
		c = a.current()
	}

	pkt, err := a.m.cfg.Geometry.NewPacket(c.hops, op.t, op.payload)
	if err != nil {
		return sendResult{generation: c.Generation, err: err}
	}
	addr := c.Path[0].Addresses[0]
	return sendResult{
		generation: c.Generation,
		err:        a.m.cfg.Sender.Send(op.ctx, addr, pkt),
	}
}

func (a *circuitActor) worker() {
	timer := time.NewTimer(a.untilRotation())
	defer timer.Stop()

	for {
		select {
		case <-a.HaltCh():
			a.log.Debugf("Circuit %v: terminating gracefully.", a.current())
			return
		case <-timer.C:
			_ = a.rotate()
		case op := <-a.opCh:
			switch op := op.(type) {
			case *opSend:
				op.resCh <- a.doSend(op)
			case *opRotate:
				op.errCh <- a.rotate()
			default:
				a.log.Warningf("BUG: Circuit worker received nonsensical op: %T", op)
			}
		}
		timer.Reset(a.untilRotation())
	}
}

func newCircuitActor(m *Manager, c *Circuit, dest sphinx.NodeID) *circuitActor {
	a := &circuitActor{
		m:    m,
		log:  m.log,
		dest: dest,
		opCh: make(chan circuitOp),
	}
	a.cur.Store(c)
	a.Go(a.worker)
	return a
}
