// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package state persists opaque checkpoint blobs, so that a restart does
// not silently lose in-progress circuits or ceremonies.
package state

import (
	"bytes"
	"errors"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when no blob is stored under a key.
var ErrNotFound = errors.New("state: not found")

// Store is a namespaced blob store.  Callers own the serialization of
// their blobs.
type Store interface {
	Load(bucket, key string) ([]byte, error)
	Save(bucket, key string, blob []byte) error
	Delete(bucket, key string) error
	ForEach(bucket string, fn func(key string, blob []byte) error) error
	Close() error
}

// BoltStore is a Store backed by a bbolt database file.
type BoltStore struct {
	db *bolt.DB
}

// OpenBoltStore opens (or creates) the database at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

// Load implements Store.
func (s *BoltStore) Load(bucket, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return ErrNotFound
		}
		v := bkt.Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid for the life of the transaction.
		out = bytes.Clone(v)
		return nil
	})
	return out, err
}

// Save implements Store.
func (s *BoltStore) Save(bucket, key string, blob []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return bkt.Put([]byte(key), blob)
	})
}

// Delete implements Store.  Deleting a missing key is not an error.
func (s *BoltStore) Delete(bucket, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

// ForEach implements Store, visiting keys in byte order.
func (s *BoltStore) ForEach(bucket string, fn func(key string, blob []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, v []byte) error {
			return fn(string(k), bytes.Clone(v))
		})
	})
}

// Close implements Store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a Store held in memory.
type MemoryStore struct {
	sync.Mutex

	buckets map[string]map[string][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string][]byte)}
}

// Load implements Store.
func (s *MemoryStore) Load(bucket, key string) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	v, ok := s.buckets[bucket][key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Save implements Store.
func (s *MemoryStore) Save(bucket, key string, blob []byte) error {
	s.Lock()
	defer s.Unlock()

	bkt, ok := s.buckets[bucket]
	if !ok {
		bkt = make(map[string][]byte)
		s.buckets[bucket] = bkt
	}
	bkt[key] = bytes.Clone(blob)
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(bucket, key string) error {
	s.Lock()
	defer s.Unlock()

	delete(s.buckets[bucket], key)
	return nil
}

// ForEach implements Store, visiting keys in byte order.
func (s *MemoryStore) ForEach(bucket string, fn func(key string, blob []byte) error) error {
	s.Lock()
	bkt := s.buckets[bucket]
	keys := make([]string, 0, len(bkt))
	for k := range bkt {
		keys = append(keys, k)
	}
	snapshot := make(map[string][]byte, len(bkt))
	for _, k := range keys {
		snapshot[k] = bytes.Clone(bkt[k])
	}
	s.Unlock()

	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k, snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
