// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport moves fixed-size packets between relays.  It provides
// no confidentiality of its own beyond link encryption: packet contents are
// protected by the packet format.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned when using a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrPacketSize is returned when sending a packet of the wrong size.
	ErrPacketSize = errors.New("transport: invalid packet size")

	// ErrUnreachable is returned when no peer listens on an address.
	ErrUnreachable = errors.New("transport: peer unreachable")
)

// Transport sends packets to peers by address and yields received packets.
type Transport interface {
	// Send delivers pkt to the peer listening on addr.  Delivery is
	// best effort, and packets may be reordered.
	Send(ctx context.Context, addr string, pkt []byte) error

	// Packets returns the channel of received packets.  It is closed when
	// the transport is closed.
	Packets() <-chan []byte

	// Addr returns the local listening address.
	Addr() string

	// Close shuts the transport down.
	Close() error
}
