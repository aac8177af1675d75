// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"sync"
)

// Hub connects MemoryTransports in one process.
type Hub struct {
	sync.RWMutex

	peers map[string]*MemoryTransport
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{peers: make(map[string]*MemoryTransport)}
}

// MemoryTransport is a Transport whose peers share a Hub.
type MemoryTransport struct {
	hub          *Hub
	addr         string
	packetLength int

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	inCh      chan []byte
}

// Listen registers a new transport with the hub at addr.
func (h *Hub) Listen(addr string, packetLength int) *MemoryTransport {
	t := &MemoryTransport{
		hub:          h,
		addr:         addr,
		packetLength: packetLength,
		inCh:         make(chan []byte, 1024),
	}
	h.Lock()
	h.peers[addr] = t
	h.Unlock()
	return t
}

// Send implements Transport.
func (t *MemoryTransport) Send(ctx context.Context, addr string, pkt []byte) error {
	if len(pkt) != t.packetLength {
		return ErrPacketSize
	}
	t.hub.RLock()
	peer, ok := t.hub.peers[addr]
	t.hub.RUnlock()
	if !ok {
		return ErrUnreachable
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return peer.deliver(append([]byte{}, pkt...))
}

// deliver enqueues pkt without blocking.  Like a congested link, a full
// queue drops the packet.
func (t *MemoryTransport) deliver(pkt []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrUnreachable
	}
	select {
	case t.inCh <- pkt:
	default:
	}
	return nil
}

// Packets implements Transport.
func (t *MemoryTransport) Packets() <-chan []byte {
	return t.inCh
}

// Addr implements Transport.
func (t *MemoryTransport) Addr() string {
	return t.addr
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.hub.Lock()
		delete(t.hub.peers, t.addr)
		t.hub.Unlock()

		t.mu.Lock()
		t.closed = true
		close(t.inCh)
		t.mu.Unlock()
	})
	return nil
}
