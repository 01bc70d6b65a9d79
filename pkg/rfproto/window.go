// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

// Newer reports whether seq is strictly newer than last using serial
// number arithmetic, so 0x0001 is newer than 0xFFFE.
func Newer(seq, last uint16) bool {
	return int16(seq-last) > 0
}

type windowEntry struct {
	peer    Address
	last    uint16
	touched uint64
}

// SequenceWindow remembers the last accepted sequence number per peer.
// The table is bounded; when full, the least recently updated peer is
// evicted to make room for a new one.
type SequenceWindow struct {
	entries  []windowEntry
	capacity int
	clock    uint64
}

// NewSequenceWindow creates a window holding at most capacity peers
func NewSequenceWindow(capacity int) *SequenceWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &SequenceWindow{
		entries:  make([]windowEntry, 0, capacity),
		capacity: capacity,
	}
}

// Accept records seq for peer and returns true when it is strictly newer
// than the last accepted value. The first frame from an unknown peer is
// always accepted.
func (w *SequenceWindow) Accept(peer Address, seq uint16) bool {
	w.clock++
	for i := range w.entries {
		e := &w.entries[i]
		if e.peer != peer {
			continue
		}
		if !Newer(seq, e.last) {
			return false
		}
		e.last = seq
		e.touched = w.clock
		return true
	}

	entry := windowEntry{peer: peer, last: seq, touched: w.clock}
	if len(w.entries) < w.capacity {
		w.entries = append(w.entries, entry)
		return true
	}

	oldest := 0
	for i := range w.entries {
		if w.entries[i].touched < w.entries[oldest].touched {
			oldest = i
		}
	}
	w.entries[oldest] = entry
	return true
}

// Last returns the last accepted sequence for peer
func (w *SequenceWindow) Last(peer Address) (uint16, bool) {
	for _, e := range w.entries {
		if e.peer == peer {
			return e.last, true
		}
	}
	return 0, false
}

// Len returns the number of tracked peers
func (w *SequenceWindow) Len() int {
	return len(w.entries)
}

// broadcastHistory is a ring of recently accepted (source, sequence) pairs
// used to drop retransmitted broadcasts.
type broadcastHistory struct {
	ring [broadcastHistorySize]struct {
		source Address
		seq    uint16
		used   bool
	}
	next int
}

func (b *broadcastHistory) accept(source Address, seq uint16) bool {
	for _, e := range b.ring {
		if e.used && e.source == source && e.seq == seq {
			return false
		}
	}
	slot := &b.ring[b.next]
	slot.source, slot.seq, slot.used = source, seq, true
	b.next = (b.next + 1) % len(b.ring)
	return true
}
