// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package dht provides the key-value DHT interface used for relay and
// quorum discovery, with in-memory and Redis backed implementations.
//
// The DHT itself is untrusted: every record carries a signature and callers
// must verify it before use.
package dht

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sort"
	"sync"
)

// KeyLength is the length of a DHT key.
const KeyLength = 32

// ErrNotFound is returned when a key has no record.
var ErrNotFound = errors.New("dht: not found")

// Key is a DHT key.
type Key [KeyLength]byte

func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// Record is a stored value and the signature provided with it.
type Record struct {
	Value     []byte
	Signature []byte
}

// DHT is a key-value store with Kademlia style node lookup.
type DHT interface {
	// Get returns the record stored under key, or ErrNotFound.
	Get(ctx context.Context, key Key) (*Record, error)

	// Put stores value and its signature under key, replacing any
	// existing record.
	Put(ctx context.Context, key Key, value, signature []byte) error

	// FindNode returns up to n stored keys closest to target by XOR
	// distance.
	FindNode(ctx context.Context, target Key, n int) ([]Key, error)

	// Close releases the backend.
	Close() error
}

// sortByDistance orders keys by XOR distance to target, and truncates the
// result to n entries.
func sortByDistance(keys []Key, target Key, n int) []Key {
	dist := func(k Key) []byte {
		var d [KeyLength]byte
		for i := range d {
			d[i] = k[i] ^ target[i]
		}
		return d[:]
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(dist(keys[i]), dist(keys[j])) < 0
	})
	if n >= 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// MemoryDHT is a process local DHT, used in tests and single node setups.
type MemoryDHT struct {
	sync.RWMutex

	records map[Key]*Record
}

// NewMemoryDHT returns an empty MemoryDHT.
func NewMemoryDHT() *MemoryDHT {
	return &MemoryDHT{records: make(map[Key]*Record)}
}

// Get implements DHT.
func (m *MemoryDHT) Get(_ context.Context, key Key) (*Record, error) {
	m.RLock()
	defer m.RUnlock()

	r, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{
		Value:     bytes.Clone(r.Value),
		Signature: bytes.Clone(r.Signature),
	}, nil
}

// Put implements DHT.
func (m *MemoryDHT) Put(_ context.Context, key Key, value, signature []byte) error {
	m.Lock()
	defer m.Unlock()

	m.records[key] = &Record{
		Value:     bytes.Clone(value),
		Signature: bytes.Clone(signature),
	}
	return nil
}

// FindNode implements DHT.
func (m *MemoryDHT) FindNode(_ context.Context, target Key, n int) ([]Key, error) {
	m.RLock()
	keys := make([]Key, 0, len(m.records))
	for k := range m.records {
		keys = append(keys, k)
	}
	m.RUnlock()

	return sortByDistance(keys, target, n), nil
}

// Close implements DHT.
func (m *MemoryDHT) Close() error {
	return nil
}
