// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"github.com/Thermoquad/thermovalve/pkg/security"
)

// SequenceStore persists the local sequence counter across power cycles
type SequenceStore interface {
	SaveSequence(seq uint16) error
}

// Counters holds diagnostic counters for the engine
type Counters struct {
	Encoded  uint64
	Accepted uint64
	Errors   [numKinds]uint64
}

// Count returns the number of failures of the given kind
func (c Counters) Count(kind ErrorKind) uint64 {
	if kind < 0 || kind >= numKinds {
		return 0
	}
	return c.Errors[kind]
}

// Dropped returns the total number of received frames that were dropped
func (c Counters) Dropped() uint64 {
	return c.Errors[KindCorrupt] + c.Errors[KindSecurityViolation] + c.Errors[KindDuplicate] +
		c.Errors[KindNotAddressed] + c.Errors[KindMalformed]
}

// Engine is the packet protocol engine for one device.
//
// It owns the local sequence counter and the receive-side sequence windows.
// An Engine is not safe for concurrent use; the firmware main loop is its
// only caller.
type Engine struct {
	address     Address
	cipher      security.Cipher
	seq         uint16
	seqStore    SequenceStore
	unicast     *SequenceWindow
	broadcast   broadcastHistory
	promiscuous bool
	counters    Counters
}

// Option configures an Engine
type Option func(*Engine)

// WithCipher seals outgoing payloads and requires sealed incoming ones
func WithCipher(c security.Cipher) Option {
	return func(e *Engine) { e.cipher = c }
}

// WithSequenceStore persists every assigned sequence number
func WithSequenceStore(s SequenceStore) Option {
	return func(e *Engine) { e.seqStore = s }
}

// WithSequence restores the last used sequence number
func WithSequence(seq uint16) Option {
	return func(e *Engine) { e.seq = seq }
}

// WithWindowSize sets the number of peers tracked for duplicate rejection
func WithWindowSize(n int) Option {
	return func(e *Engine) { e.unicast = NewSequenceWindow(n) }
}

// WithPromiscuous accepts frames for any destination (sniffers, gateways
// monitoring a whole network). Duplicate rejection still applies.
func WithPromiscuous() Option {
	return func(e *Engine) { e.promiscuous = true }
}

// NewEngine creates a protocol engine for the given local address
func NewEngine(address Address, opts ...Option) *Engine {
	e := &Engine{
		address: address,
		unicast: NewSequenceWindow(DefaultWindowSize),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Address returns the local device address
func (e *Engine) Address() Address {
	return e.address
}

// Secured reports whether payloads are sealed
func (e *Engine) Secured() bool {
	return e.cipher != nil
}

// Sequence returns the last assigned sequence number
func (e *Engine) Sequence() uint16 {
	return e.seq
}

// SetSequence restores the local sequence counter, typically from storage
func (e *Engine) SetSequence(seq uint16) {
	e.seq = seq
}

// MaxPayload returns the largest application payload Encode accepts
func (e *Engine) MaxPayload() int {
	if e.cipher != nil {
		return MaxPayloadSize - e.cipher.Overhead()
	}
	return MaxPayloadSize
}

// Counters returns a snapshot of the diagnostic counters
func (e *Engine) Counters() Counters {
	return e.counters
}

// Window exposes the unicast sequence window
func (e *Engine) Window() *SequenceWindow {
	return e.unicast
}

func (e *Engine) record(err error) {
	if err == nil {
		return
	}
	e.counters.Errors[KindOf(err)]++
}
