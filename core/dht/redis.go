// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package dht

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue     = "v"
	fieldSignature = "s"
	keySetName     = "keys"
)

// RedisDHT stores records in Redis.  Each record is a hash holding the
// value and signature, and the set of live keys is kept in a Redis set so
// FindNode does not need to scan the keyspace.
type RedisDHT struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDHT returns a RedisDHT using rdb.  Every Redis key is prefixed
// with prefix, and records expire after ttl unless ttl is zero.
func NewRedisDHT(rdb *redis.Client, prefix string, ttl time.Duration) *RedisDHT {
	return &RedisDHT{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}
}

func (r *RedisDHT) recordKey(key Key) string {
	return r.prefix + "record:" + key.String()
}

func (r *RedisDHT) setKey() string {
	return r.prefix + keySetName
}

// Get implements DHT.
func (r *RedisDHT) Get(ctx context.Context, key Key) (*Record, error) {
	m, err := r.rdb.HGetAll(ctx, r.recordKey(key)).Result()
	if err != nil {
		return nil, err
	}
	v, ok := m[fieldValue]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{
		Value:     []byte(v),
		Signature: []byte(m[fieldSignature]),
	}, nil
}

// Put implements DHT.
func (r *RedisDHT) Put(ctx context.Context, key Key, value, signature []byte) error {
	rk := r.recordKey(key)
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, rk, fieldValue, value, fieldSignature, signature)
		if r.ttl > 0 {
			pipe.Expire(ctx, rk, r.ttl)
		}
		pipe.SAdd(ctx, r.setKey(), key.String())
		return nil
	})
	return err
}

// FindNode implements DHT.  Keys whose records have expired are pruned
// from the key set as they are encountered.
func (r *RedisDHT) FindNode(ctx context.Context, target Key, n int) ([]Key, error) {
	members, err := r.rdb.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}

	keys := make([]Key, 0, len(members))
	for _, s := range members {
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != KeyLength {
			continue
		}
		var k Key
		copy(k[:], raw)

		exists, err := r.rdb.Exists(ctx, r.recordKey(k)).Result()
		if err != nil {
			return nil, err
		}
		if exists == 0 {
			r.rdb.SRem(ctx, r.setKey(), s)
			continue
		}
		keys = append(keys, k)
	}
	return sortByDistance(keys, target, n), nil
}

// Close implements DHT.
func (r *RedisDHT) Close() error {
	return r.rdb.Close()
}
