// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"encoding/binary"
	"fmt"

	"github.com/Thermoquad/thermovalve/pkg/security"
)

// Encode builds a complete frame addressed to dst.
//
// Oversized payloads are rejected before a sequence number is consumed.
// When a cipher is configured the payload is sealed before the checksum is
// computed and the secured flag is set.
func (e *Engine) Encode(dst Address, msgType MessageType, payload []byte) ([]byte, error) {
	frame, err := e.encode(dst, msgType, payload)
	if err != nil {
		e.record(err)
		return nil, err
	}
	e.counters.Encoded++
	return frame, nil
}

// EncodeOutbound encodes a message built by one of the New* builders
func (e *Engine) EncodeOutbound(o Outbound) ([]byte, error) {
	return e.Encode(o.Destination, o.Type, o.Payload)
}

func (e *Engine) encode(dst Address, msgType MessageType, payload []byte) ([]byte, error) {
	if limit := e.MaxPayload(); len(payload) > limit {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), limit)
	}
	if !e.address.IsUnicast() {
		return nil, fmt.Errorf("%w: local address %s", ErrUnconfigured, e.address)
	}
	if dst == AddressUnconfigured {
		return nil, fmt.Errorf("%w: destination %s", ErrMalformed, dst)
	}

	e.seq++
	seq := e.seq
	if e.seqStore != nil {
		if err := e.seqStore.SaveSequence(seq); err != nil {
			return nil, fmt.Errorf("failed to persist sequence %d: %w", seq, err)
		}
	}

	buf := make([]byte, MaxFrameSize)
	n := copy(buf[HeaderSize:HeaderSize+MaxPayloadSize], payload)

	var flags uint8
	if e.cipher != nil {
		nonce := security.Nonce{Source: uint8(e.address), Destination: uint8(dst), Sequence: seq}
		sealed, err := e.cipher.Seal(buf[HeaderSize:HeaderSize+MaxPayloadSize], n, nonce)
		if err != nil {
			return nil, fmt.Errorf("failed to seal payload: %w", err)
		}
		n = sealed
		flags |= FlagSecured
	}

	h := Header{
		Source:      e.address,
		Destination: dst,
		Sequence:    seq,
		Type:        msgType,
		Flags:       flags,
		Length:      uint8(n),
	}
	h.put(buf)

	// Checksum covers header and (sealed) payload
	end := HeaderSize + n
	binary.BigEndian.PutUint16(buf[end:], CalculateCRC(buf[:end]))

	return buf[:end+ChecksumSize], nil
}
