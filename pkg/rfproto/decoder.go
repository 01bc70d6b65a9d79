// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"encoding/binary"
	"fmt"

	"github.com/Thermoquad/thermovalve/pkg/security"
)

// Peek validates the frame checksum and structure and returns the header
// without touching any engine state.
func Peek(frame []byte) (Header, error) {
	if len(frame) < HeaderSize+ChecksumSize {
		return Header{}, fmt.Errorf("%w: %d bytes (min %d)", ErrMalformed, len(frame), HeaderSize+ChecksumSize)
	}
	if len(frame) > MaxFrameSize {
		return Header{}, fmt.Errorf("%w: %d bytes (max %d)", ErrMalformed, len(frame), MaxFrameSize)
	}

	body := frame[:len(frame)-ChecksumSize]
	received := binary.BigEndian.Uint16(frame[len(body):])
	if calculated := CalculateCRC(body); calculated != received {
		return Header{}, fmt.Errorf("%w: expected 0x%04X, got 0x%04X", ErrCorrupt, calculated, received)
	}

	h := parseHeader(body)
	if int(h.Length) != len(body)-HeaderSize {
		return h, fmt.Errorf("%w: length field %d, payload %d", ErrMalformed, h.Length, len(body)-HeaderSize)
	}
	if h.Flags&reservedMask != 0 {
		return h, fmt.Errorf("%w: reserved flags 0x%02X", ErrMalformed, h.Flags)
	}
	if !h.Source.IsUnicast() {
		return h, fmt.Errorf("%w: source %s", ErrMalformed, h.Source)
	}
	if h.Destination == AddressUnconfigured {
		return h, fmt.Errorf("%w: destination %s", ErrMalformed, h.Destination)
	}
	return h, nil
}

// Decode verifies, opens and deduplicates a received frame.
//
// The checksum is verified first; sealed payloads are opened next; the
// sequence window is consulted last and only updated for frames that pass
// every other check. Failed frames leave no trace beyond the counters.
func (e *Engine) Decode(frame []byte) (Message, error) {
	msg, err := e.decode(frame)
	if err != nil {
		e.record(err)
		return Message{}, err
	}
	e.counters.Accepted++
	return msg, nil
}

func (e *Engine) decode(frame []byte) (Message, error) {
	h, err := Peek(frame)
	if err != nil {
		return Message{}, err
	}

	if !e.promiscuous {
		if h.Source == e.address {
			return Message{}, fmt.Errorf("%w: own frame echoed", ErrNotAddressed)
		}
		if h.Destination != e.address && !h.Destination.IsBroadcast() {
			return Message{}, fmt.Errorf("%w: destination %s", ErrNotAddressed, h.Destination)
		}
	}

	payload := make([]byte, h.Length)
	copy(payload, frame[HeaderSize:HeaderSize+int(h.Length)])

	switch {
	case h.Secured() && e.cipher == nil:
		return Message{}, fmt.Errorf("%w: sealed frame from %s but no key configured", ErrSecurityViolation, h.Source)
	case !h.Secured() && e.cipher != nil:
		return Message{}, fmt.Errorf("%w: unsealed frame from %s", ErrSecurityViolation, h.Source)
	case h.Secured():
		nonce := security.Nonce{Source: uint8(h.Source), Destination: uint8(h.Destination), Sequence: h.Sequence}
		n, err := e.cipher.Open(payload, nonce)
		if err != nil {
			return Message{}, fmt.Errorf("frame from %s seq %d: %w", h.Source, h.Sequence, err)
		}
		payload = payload[:n]
	}

	if h.Destination.IsBroadcast() {
		if !e.broadcast.accept(h.Source, h.Sequence) {
			return Message{}, fmt.Errorf("%w: broadcast from %s seq %d", ErrDuplicate, h.Source, h.Sequence)
		}
	} else if !e.unicast.Accept(h.Source, h.Sequence) {
		last, _ := e.unicast.Last(h.Source)
		return Message{}, fmt.Errorf("%w: %s seq %d (last %d)", ErrDuplicate, h.Source, h.Sequence, last)
	}

	return Message{
		Source:      h.Source,
		Destination: h.Destination,
		Sequence:    h.Sequence,
		Type:        h.Type,
		Secured:     h.Secured(),
		Payload:     payload,
	}, nil
}
