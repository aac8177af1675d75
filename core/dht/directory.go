// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"

	"github.com/katzenpost/quorumnet/core/pki"
	"github.com/katzenpost/quorumnet/core/sphinx"
)

// ErrNotEnoughRelays is returned when the directory cannot supply the
// requested number of distinct, verified relays.
var ErrNotEnoughRelays = errors.New("dht: not enough relays")

// Directory publishes and looks up signed relay descriptors.  Every record
// fetched from the DHT is verified before it is returned.
type Directory struct {
	dht DHT
}

// NewDirectory returns a Directory backed by d.
func NewDirectory(d DHT) *Directory {
	return &Directory{dht: d}
}

// DHT returns the underlying DHT.
func (d *Directory) DHT() DHT {
	return d.dht
}

// Publish signs desc with the relay identity key and stores it under the
// relay's node id.
func (d *Directory) Publish(ctx context.Context, identity sign.PrivateKey, desc *pki.RelayDescriptor) error {
	blob, sig, err := desc.Sign(identity)
	if err != nil {
		return err
	}
	return d.dht.Put(ctx, Key(desc.ID()), blob, sig)
}

// Lookup returns the verified descriptor for a relay.
func (d *Directory) Lookup(ctx context.Context, id sphinx.NodeID) (*pki.RelayDescriptor, error) {
	rec, err := d.dht.Get(ctx, Key(id))
	if err != nil {
		return nil, err
	}
	desc, err := pki.VerifyDescriptor(id, rec.Value, rec.Signature)
	if err != nil {
		return nil, fmt.Errorf("dht: record for %v failed verification: %w", id, err)
	}
	return desc, nil
}

// PublishQuorum stores a quorum descriptor and its threshold signature.
func (d *Directory) PublishQuorum(ctx context.Context, blob, sig []byte) error {
	return d.dht.Put(ctx, Key(pki.QuorumDescriptorID), blob, sig)
}

// LookupQuorum returns the quorum descriptor, verified against groupKey.
func (d *Directory) LookupQuorum(ctx context.Context, groupKey []byte) (*pki.QuorumDescriptor, error) {
	rec, err := d.dht.Get(ctx, Key(pki.QuorumDescriptorID))
	if err != nil {
		return nil, err
	}
	desc, err := pki.VerifyQuorumDescriptor(groupKey, rec.Value, rec.Signature)
	if err != nil {
		return nil, fmt.Errorf("dht: quorum record failed verification: %w", err)
	}
	return desc, nil
}

// Sample returns up to n verified relay descriptors near a random point in
// the key space, skipping any record that fails verification or does not
// satisfy accept (if not nil).
func (d *Directory) Sample(ctx context.Context, n int, accept func(*pki.RelayDescriptor) bool) ([]*pki.RelayDescriptor, error) {
	var target Key
	if _, err := io.ReadFull(rand.Reader, target[:]); err != nil {
		return nil, err
	}
	keys, err := d.dht.FindNode(ctx, target, -1)
	if err != nil {
		return nil, err
	}

	out := make([]*pki.RelayDescriptor, 0, n)
	for _, k := range keys {
		if len(out) == n {
			break
		}
		desc, err := d.Lookup(ctx, sphinx.NodeID(k))
		if err != nil {
			continue
		}
		if accept != nil && !accept(desc) {
			continue
		}
		out = append(out, desc)
	}
	if len(out) < n {
		return out, ErrNotEnoughRelays
	}
	return out, nil
}
