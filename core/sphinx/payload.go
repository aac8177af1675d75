// SPDX-FileCopyrightText: Copyright (C) 2026 Quorumnet Developers
// SPDX-License-Identifier: AGPL-3.0-only

package sphinx

import (
	"encoding/binary"
	"fmt"
)

// MessageType is the discriminant of a delivered payload.
type MessageType byte

const (
	// MessageCover is a cover packet, discarded on delivery.
	MessageCover MessageType = iota

	// MessageData carries application session data.
	MessageData

	// MessageQuorum carries a threshold protocol message.
	MessageQuorum

	// MessageDescriptor carries a relay or quorum descriptor.
	MessageDescriptor

	messageTypeMax
)

func (t MessageType) String() string {
	switch t {
	case MessageCover:
		return "cover"
	case MessageData:
		return "data"
	case MessageQuorum:
		return "quorum"
	case MessageDescriptor:
		return "descriptor"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// IsValid returns true iff t is a known message type.
func (t MessageType) IsValid() bool {
	return t < messageTypeMax
}

// encodeFrame builds the innermost payload plaintext:
// type || length || data || random padding.
func (g *Geometry) encodeFrame(t MessageType, data []byte) ([]byte, error) {
	if !t.IsValid() {
		return nil, fmt.Errorf("%w: invalid message type %d", ErrMalformed, t)
	}
	if len(data) > g.UserPayloadLength {
		return nil, fmt.Errorf("%w: message is %d bytes, max %d", ErrMalformed, len(data), g.UserPayloadLength)
	}

	b := make([]byte, g.layerLength(g.NrHops))
	b[0] = byte(t)
	binary.BigEndian.PutUint16(b[1:3], uint16(len(data)))
	n := copy(b[payloadFrameOverhead:], data)
	if err := randomize(b[payloadFrameOverhead+n:]); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeFrame(b []byte) (MessageType, []byte, error) {
	if len(b) < payloadFrameOverhead {
		return 0, nil, ErrMalformed
	}
	t := MessageType(b[0])
	n := int(binary.BigEndian.Uint16(b[1:3]))
	if !t.IsValid() || n > len(b)-payloadFrameOverhead {
		return 0, nil, ErrMalformed
	}
	return t, b[payloadFrameOverhead : payloadFrameOverhead+n], nil
}
