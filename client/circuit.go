// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the sender side of the mix network: circuit
// construction and rotation, message sending, and the session layer that
// rides on top of circuits.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/katzenpost/hpqc/rand"

	"github.com/katzenpost/quorumnet/core/dht"
	"github.com/katzenpost/quorumnet/core/epochtime"
	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
)

// RotationPeriod is how long a circuit lives before it is replaced.
const RotationPeriod = 10 * time.Minute

// CircuitIDLength is the length of a local circuit identifier.
const CircuitIDLength = 16

var (
	// ErrUnknownCircuit is returned for an id that names no live circuit.
	ErrUnknownCircuit = errors.New("client: unknown circuit")

	// ErrHalted is returned when the manager or circuit is shut down.
	ErrHalted = errors.New("client: halted")
)

// CircuitID is a local handle for a logical circuit.  It is stable across
// rotations, and never leaves the local node.
type CircuitID [CircuitIDLength]byte

func (id CircuitID) String() string {
	return hex.EncodeToString(id[:])
}

func newCircuitID() (CircuitID, error) {
	var id CircuitID
	_, err := io.ReadFull(rand.Reader, id[:])
	return id, err
}

// Circuit is one path through the network.  A Circuit value is immutable;
// rotation produces a new value with the same ID and the next Generation.
type Circuit struct {
	ID         CircuitID
	Generation uint64

	Path      [sphinx.NrHops]*pki.RelayDescriptor
	CreatedAt time.Time
	RotateAt  time.Time

	hops []*sphinx.RelayInfo
}

// Destination is the relay at which messages sent on the circuit are
// delivered.
func (c *Circuit) Destination() sphinx.NodeID {
	return c.Path[sphinx.NrHops-1].ID()
}

func (c *Circuit) String() string {
	return fmt.Sprintf("%v/%d", c.ID, c.Generation)
}

// RotateDue returns true iff c has reached its rotation deadline at now.
func RotateDue(c *Circuit, now time.Time) bool {
	return !now.Before(c.RotateAt)
}

func newCircuit(id CircuitID, gen uint64, path [sphinx.NrHops]*pki.RelayDescriptor, suite *sphinx.Suite, now time.Time, period time.Duration) (*Circuit, error) {
	c := &Circuit{
		ID:         id,
		Generation: gen,
		Path:       path,
		CreatedAt:  now,
		RotateAt:   now.Add(period),
		hops:       make([]*sphinx.RelayInfo, 0, sphinx.NrHops),
	}
	for _, d := range path {
		// Hop keys are only published for one epoch at a time.
		if d.Epoch != 0 {
			if end := epochtime.StartOf(d.Epoch + 1); end.After(now) && end.Before(c.RotateAt) {
				c.RotateAt = end
			}
		}
		info, err := d.RelayInfo(suite)
		if err != nil {
			return nil, err
		}
		c.hops = append(c.hops, info)
	}
	return c, nil
}

// selectPath picks sphinx.NrHops distinct relays.  The final hop is dest
// unless dest is the zero id, in which case every hop is random.  self is
// never chosen as an intermediate hop.
func selectPath(ctx context.Context, dir *dht.Directory, suite *sphinx.Suite, self, dest sphinx.NodeID) ([sphinx.NrHops]*pki.RelayDescriptor, error) {
	var path [sphinx.NrHops]*pki.RelayDescriptor

	nrRandom := sphinx.NrHops
	if dest != (sphinx.NodeID{}) {
		d, err := dir.Lookup(ctx, dest)
		if err != nil {
			return path, fmt.Errorf("client: destination %v: %w", dest, err)
		}
		if d.Suite != suite.String() {
			return path, fmt.Errorf("client: destination %v uses suite '%v'", dest, d.Suite)
		}
		path[sphinx.NrHops-1] = d
		nrRandom--
	}

	hops, err := dir.Sample(ctx, nrRandom, func(d *pki.RelayDescriptor) bool {
		id := d.ID()
		return id != self && id != dest && d.Suite == suite.String()
	})
	if err != nil {
		return path, fmt.Errorf("client: path selection: %w", err)
	}
	copy(path[:], hops)
	return path, nil
}

// checkpoint is the persisted form of a circuit.  Only the path and
// timestamps are saved; hop keys are looked up again on restore.
type checkpoint struct {
	ID         CircuitID                    `cbor:"1,keyasint"`
	Generation uint64                       `cbor:"2,keyasint"`
	Dest       sphinx.NodeID                `cbor:"3,keyasint"`
	Path       [sphinx.NrHops]sphinx.NodeID `cbor:"4,keyasint"`
	CreatedAt  int64                        `cbor:"5,keyasint"`
	RotateAt   int64                        `cbor:"6,keyasint"`
}

func (c *Circuit) marshalCheckpoint(dest sphinx.NodeID) ([]byte, error) {
	cp := &checkpoint{
		ID:         c.ID,
		Generation: c.Generation,
		Dest:       dest,
		CreatedAt:  c.CreatedAt.UnixNano(),
		RotateAt:   c.RotateAt.UnixNano(),
	}
	for i, d := range c.Path {
		cp.Path[i] = d.ID()
	}
	return cbor.Marshal(cp)
}

func unmarshalCheckpoint(b []byte) (*checkpoint, error) {
	cp := new(checkpoint)
	if err := cbor.Unmarshal(b, cp); err != nil {
		return nil, err
	}
	return cp, nil
}
