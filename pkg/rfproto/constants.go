// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package rfproto implements the thermovalve packet radio protocol.
//
// Every frame carries a fixed 7 byte header, an optional payload and a
// CRC-16/CCITT-FALSE checksum:
//
//	offset size field
//	0      1    source address
//	1      1    destination address (0xFF broadcast, 0x00 never valid)
//	2      2    sequence number, big-endian, wraps at 65535
//	4      1    message type
//	5      1    flags (bit 0: payload sealed, bits 1-7 reserved, zero)
//	6      1    payload length in bytes, including any security tag
//	7      n    payload
//	7+n    2    checksum over bytes [0, 7+n), big-endian
//
// The Engine frames, addresses, sequences and deduplicates messages, and
// seals payloads through the security package when a key is configured.
// Application payloads are small CBOR maps keyed by integers.
package rfproto

// Frame size limits
const (
	MaxFrameSize   = 64 // radio FIFO
	HeaderSize     = 7
	ChecksumSize   = 2
	MaxPayloadSize = MaxFrameSize - HeaderSize - ChecksumSize // 55
)

// Header flag bits
const (
	FlagSecured  = 0x01
	reservedMask = 0xFE
)

// Special addresses
const (
	AddressUnconfigured Address = 0x00 // factory default, never on air
	AddressBroadcast    Address = 0xFF // all devices
)

// Sequence window sizes
const (
	DefaultWindowSize    = 16
	broadcastHistorySize = 32
)

// Message types - Commands (coordinator → valve) 0x10-0x1F
const (
	MsgSetpointUpdate MessageType = 0x10
	MsgStatusRequest  MessageType = 0x11
	MsgRecalibrate    MessageType = 0x12
)

// Message types - Reports (valve → coordinator) 0x20-0x2F
const (
	MsgStatusReport MessageType = 0x20
)

// Message types - Link control 0x30-0x3F
const (
	MsgAck MessageType = 0x30
)

// AckStatus is the result carried in an ACK payload
type AckStatus uint8

// Ack status values
const (
	AckAccepted AckStatus = 0x00
	AckRejected AckStatus = 0x01
)

// Faults is the fault bitmask carried in STATUS_REPORT
type Faults uint8

// Fault bits
const (
	FaultSensorRange Faults = 1 << iota
	FaultStall
	FaultCalibration
	FaultNoAck
)
