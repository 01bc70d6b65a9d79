// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Address is a one byte network address
type Address uint8

// IsBroadcast returns true for the all-devices address
func (a Address) IsBroadcast() bool {
	return a == AddressBroadcast
}

// IsUnicast returns true for assignable device addresses
func (a Address) IsUnicast() bool {
	return a != AddressBroadcast && a != AddressUnconfigured
}

func (a Address) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

// MessageType is the header type tag
type MessageType uint8

// Header is the fixed frame header
type Header struct {
	Source      Address
	Destination Address
	Sequence    uint16
	Type        MessageType
	Flags       uint8
	Length      uint8
}

// Secured reports whether the payload was sealed by the security module
func (h Header) Secured() bool {
	return h.Flags&FlagSecured != 0
}

func (h Header) put(buf []byte) {
	buf[0] = byte(h.Source)
	buf[1] = byte(h.Destination)
	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	buf[4] = byte(h.Type)
	buf[5] = h.Flags
	buf[6] = h.Length
}

func parseHeader(buf []byte) Header {
	return Header{
		Source:      Address(buf[0]),
		Destination: Address(buf[1]),
		Sequence:    binary.BigEndian.Uint16(buf[2:4]),
		Type:        MessageType(buf[4]),
		Flags:       buf[5],
		Length:      buf[6],
	}
}

// Message is a decoded application message
type Message struct {
	Source      Address
	Destination Address
	Sequence    uint16
	Type        MessageType
	Secured     bool
	Payload     []byte

	// Filled in by the receive path, not carried on air
	RSSI      int
	Timestamp time.Time
}

// IsBroadcast returns true if the message was addressed to all devices
func (m Message) IsBroadcast() bool {
	return m.Destination.IsBroadcast()
}

// Outbound is an application message waiting to be encoded
type Outbound struct {
	Destination Address
	Type        MessageType
	Payload     []byte
}
