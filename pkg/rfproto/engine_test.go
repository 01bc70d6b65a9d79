// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/Thermoquad/thermovalve/pkg/security"
)

var testKey = security.Key{0x5A, 0x17, 0xC3, 0x08}

// newPair returns a sender at 0x01 and a receiver at 0x02
func newPair(secured bool) (*Engine, *Engine) {
	var opts []Option
	if secured {
		opts = append(opts, WithCipher(security.NewKeyed(testKey)))
	}
	return NewEngine(0x01, opts...), NewEngine(0x02, opts...)
}

// recrc recomputes the checksum after a deliberate header or payload edit
func recrc(frame []byte) []byte {
	out := append([]byte(nil), frame...)
	body := out[:len(out)-ChecksumSize]
	binary.BigEndian.PutUint16(out[len(body):], CalculateCRC(body))
	return out
}

func mustEncode(t *testing.T, e *Engine, dst Address, msgType MessageType, payload []byte) []byte {
	t.Helper()
	frame, err := e.Encode(dst, msgType, payload)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return frame
}

type recordingStore struct {
	saved []uint16
	err   error
}

func (s *recordingStore) SaveSequence(seq uint16) error {
	s.saved = append(s.saved, seq)
	return s.err
}

// ============================================================
// CRC Tests
// ============================================================

func TestCalculateCRC_KnownValues(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint16
	}{
		{"empty", []byte{}, 0xFFFF},
		{"ASCII '123456789'", []byte("123456789"), 0x29B1}, // CRC-16/CCITT-FALSE check value
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateCRC(tt.data); got != tt.expected {
				t.Errorf("CalculateCRC() = 0x%04X, want 0x%04X", got, tt.expected)
			}
		})
	}
}

// ============================================================
// Encode Tests
// ============================================================

func TestEncode_HeaderLayout(t *testing.T) {
	sender, _ := newPair(false)
	frame := mustEncode(t, sender, 0x02, MsgStatusReport, []byte{0xAA, 0xBB})

	want := []byte{0x01, 0x02, 0x00, 0x01, 0x20, 0x00, 0x02, 0xAA, 0xBB}
	if !bytes.Equal(frame[:len(want)], want) {
		t.Errorf("frame = % X, want prefix % X", frame, want)
	}
	if len(frame) != len(want)+ChecksumSize {
		t.Errorf("frame length = %d, want %d", len(frame), len(want)+ChecksumSize)
	}
	if crc := binary.BigEndian.Uint16(frame[len(want):]); crc != CalculateCRC(want) {
		t.Errorf("checksum = 0x%04X, want 0x%04X", crc, CalculateCRC(want))
	}
}

func TestEncode_SecuredSetsFlag(t *testing.T) {
	sender, _ := newPair(true)
	payload := []byte("hello")
	frame := mustEncode(t, sender, 0x02, MsgSetpointUpdate, payload)

	h, err := Peek(frame)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if !h.Secured() {
		t.Error("secured flag not set")
	}
	if int(h.Length) != len(payload)+security.TagSize {
		t.Errorf("length = %d, want %d", h.Length, len(payload)+security.TagSize)
	}
	if bytes.Contains(frame, payload) {
		t.Error("plaintext visible in sealed frame")
	}
}

func TestEncode_SequenceIncrements(t *testing.T) {
	store := &recordingStore{}
	e := NewEngine(0x01, WithSequenceStore(store), WithSequence(41))
	for i := 0; i < 3; i++ {
		mustEncode(t, e, 0x02, MsgStatusRequest, nil)
	}
	if e.Sequence() != 44 {
		t.Errorf("Sequence() = %d, want 44", e.Sequence())
	}
	if want := []uint16{42, 43, 44}; !equalU16(store.saved, want) {
		t.Errorf("persisted %v, want %v", store.saved, want)
	}
}

func TestEncode_StoreFailure(t *testing.T) {
	store := &recordingStore{err: errors.New("flash worn out")}
	e := NewEngine(0x01, WithSequenceStore(store))
	if _, err := e.Encode(0x02, MsgStatusRequest, nil); err == nil {
		t.Fatal("expected error when sequence cannot be persisted")
	}
}

func TestEncode_PayloadTooLarge(t *testing.T) {
	for _, secured := range []bool{false, true} {
		sender, _ := newPair(secured)
		limit := sender.MaxPayload()

		if _, err := sender.Encode(0x02, MsgStatusReport, make([]byte, limit)); err != nil {
			t.Errorf("secured=%v: payload at limit %d rejected: %v", secured, limit, err)
		}
		before := sender.Sequence()
		_, err := sender.Encode(0x02, MsgStatusReport, make([]byte, limit+1))
		if !errors.Is(err, ErrPayloadTooLarge) {
			t.Errorf("secured=%v: expected ErrPayloadTooLarge, got %v", secured, err)
		}
		if KindOf(err) != KindPayloadTooLarge {
			t.Errorf("KindOf() = %s", KindOf(err))
		}
		if sender.Sequence() != before {
			t.Errorf("secured=%v: sequence consumed by rejected payload", secured)
		}
		if sender.Counters().Count(KindPayloadTooLarge) != 1 {
			t.Errorf("secured=%v: counter not incremented", secured)
		}
	}

	plain, _ := newPair(false)
	sealed, _ := newPair(true)
	if plain.MaxPayload() != 55 || sealed.MaxPayload() != 53 {
		t.Errorf("MaxPayload() = %d/%d, want 55/53", plain.MaxPayload(), sealed.MaxPayload())
	}
}

func TestEncode_Unconfigured(t *testing.T) {
	for _, addr := range []Address{AddressUnconfigured, AddressBroadcast} {
		e := NewEngine(addr)
		_, err := e.Encode(0x02, MsgStatusRequest, nil)
		if !errors.Is(err, ErrUnconfigured) {
			t.Errorf("address %s: expected ErrUnconfigured, got %v", addr, err)
		}
	}
	e := NewEngine(0x01)
	if _, err := e.Encode(AddressUnconfigured, MsgStatusRequest, nil); !errors.Is(err, ErrMalformed) {
		t.Errorf("expected ErrMalformed for destination 0x00, got %v", err)
	}
}

// ============================================================
// Decode Tests
// ============================================================

func TestDecode_RoundTrip(t *testing.T) {
	for _, secured := range []bool{false, true} {
		sender, receiver := newPair(secured)
		for n := 0; n <= sender.MaxPayload(); n++ {
			payload := make([]byte, n)
			for i := range payload {
				payload[i] = byte(i*7 + n)
			}
			frame := mustEncode(t, sender, 0x02, MessageType(0x40+n%8), payload)
			if len(frame) > MaxFrameSize {
				t.Fatalf("frame of %d bytes exceeds %d", len(frame), MaxFrameSize)
			}
			msg, err := receiver.Decode(frame)
			if err != nil {
				t.Fatalf("secured=%v n=%d: Decode failed: %v", secured, n, err)
			}
			if !bytes.Equal(msg.Payload, payload) {
				t.Fatalf("secured=%v n=%d: payload mismatch", secured, n)
			}
			if msg.Source != 0x01 || msg.Destination != 0x02 || msg.Type != MessageType(0x40+n%8) {
				t.Fatalf("header mismatch: %+v", msg)
			}
			if msg.Secured != secured {
				t.Fatalf("Secured = %v, want %v", msg.Secured, secured)
			}
		}
		if got := receiver.Counters().Accepted; got != uint64(sender.MaxPayload()+1) {
			t.Errorf("Accepted = %d", got)
		}
	}
}

func TestDecode_SingleBitFlipIsCorrupt(t *testing.T) {
	for _, secured := range []bool{false, true} {
		sender, _ := newPair(secured)
		frame := mustEncode(t, sender, 0x02, MsgStatusReport, []byte{0x10, 0x20, 0x30, 0x40})

		for bit := 0; bit < len(frame)*8; bit++ {
			_, receiver := newPair(secured)
			flipped := append([]byte(nil), frame...)
			flipped[bit/8] ^= 1 << (bit % 8)

			_, err := receiver.Decode(flipped)
			if !errors.Is(err, ErrCorrupt) {
				t.Fatalf("secured=%v bit %d: expected ErrCorrupt, got %v", secured, bit, err)
			}
			if receiver.Window().Len() != 0 {
				t.Fatalf("bit %d: corrupt frame touched the sequence window", bit)
			}
		}
	}
}

func TestDecode_Duplicate(t *testing.T) {
	sender, receiver := newPair(true)
	first := mustEncode(t, sender, 0x02, MsgSetpointUpdate, []byte{1})
	second := mustEncode(t, sender, 0x02, MsgSetpointUpdate, []byte{2})

	if _, err := receiver.Decode(second); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	for name, frame := range map[string][]byte{"replay": second, "older": first} {
		_, err := receiver.Decode(frame)
		if !errors.Is(err, ErrDuplicate) {
			t.Errorf("%s: expected ErrDuplicate, got %v", name, err)
		}
		if !Dropped(err) {
			t.Errorf("%s: duplicate should be dropped", name)
		}
	}
	if last, _ := receiver.Window().Last(0x01); last != 2 {
		t.Errorf("window advanced by duplicate: last = %d", last)
	}
	if c := receiver.Counters(); c.Count(KindDuplicate) != 2 || c.Accepted != 1 {
		t.Errorf("counters = %+v", c)
	}
}

func TestDecode_SequenceWraparound(t *testing.T) {
	sender, receiver := newPair(false)
	sender.SetSequence(0xFFFD)
	for _, want := range []uint16{0xFFFE, 0xFFFF, 0x0000, 0x0001} {
		msg, err := receiver.Decode(mustEncode(t, sender, 0x02, MsgStatusRequest, nil))
		if err != nil {
			t.Fatalf("seq 0x%04X rejected: %v", want, err)
		}
		if msg.Sequence != want {
			t.Errorf("Sequence = 0x%04X, want 0x%04X", msg.Sequence, want)
		}
	}
}

func TestDecode_Broadcast(t *testing.T) {
	sender, receiver := newPair(false)
	unicast := mustEncode(t, sender, 0x02, MsgStatusRequest, nil)
	broadcast := mustEncode(t, sender, AddressBroadcast, MsgStatusRequest, nil)

	msg, err := receiver.Decode(broadcast)
	if err != nil {
		t.Fatalf("broadcast rejected: %v", err)
	}
	if !msg.IsBroadcast() {
		t.Error("IsBroadcast() = false")
	}
	if receiver.Window().Len() != 0 {
		t.Error("broadcast touched the unicast window")
	}
	if _, err := receiver.Decode(broadcast); !errors.Is(err, ErrDuplicate) {
		t.Errorf("retransmitted broadcast: expected ErrDuplicate, got %v", err)
	}
	// Unicast window is independent of the broadcast history
	if _, err := receiver.Decode(unicast); err != nil {
		t.Errorf("older unicast rejected after broadcast: %v", err)
	}
}

func TestDecode_BroadcastHistoryBounded(t *testing.T) {
	sender, receiver := newPair(false)
	first := mustEncode(t, sender, AddressBroadcast, MsgStatusRequest, nil)
	if _, err := receiver.Decode(first); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < broadcastHistorySize; i++ {
		if _, err := receiver.Decode(mustEncode(t, sender, AddressBroadcast, MsgStatusRequest, nil)); err != nil {
			t.Fatal(err)
		}
	}
	// The oldest entry has been overwritten
	if _, err := receiver.Decode(first); err != nil {
		t.Errorf("expected evicted broadcast to be accepted, got %v", err)
	}
}

func TestDecode_NotAddressed(t *testing.T) {
	sender, receiver := newPair(false)
	other := mustEncode(t, sender, 0x03, MsgStatusRequest, nil)

	if _, err := receiver.Decode(other); !errors.Is(err, ErrNotAddressed) {
		t.Errorf("expected ErrNotAddressed, got %v", err)
	}
	if _, err := sender.Decode(mustEncode(t, sender, 0x02, MsgStatusRequest, nil)); !errors.Is(err, ErrNotAddressed) {
		t.Errorf("own echo: expected ErrNotAddressed, got %v", err)
	}

	sniffer := NewEngine(0x7E, WithPromiscuous())
	msg, err := sniffer.Decode(other)
	if err != nil {
		t.Fatalf("promiscuous Decode failed: %v", err)
	}
	if msg.Destination != 0x03 {
		t.Errorf("Destination = %s", msg.Destination)
	}
	if _, err := sniffer.Decode(other); !errors.Is(err, ErrDuplicate) {
		t.Errorf("promiscuous replay: expected ErrDuplicate, got %v", err)
	}
}

func TestDecode_SecurityViolation(t *testing.T) {
	plainSender, plainReceiver := newPair(false)
	sealedSender, sealedReceiver := newPair(true)

	tests := []struct {
		name     string
		receiver *Engine
		frame    []byte
	}{
		{"sealed frame without key", plainReceiver, mustEncode(t, sealedSender, 0x02, MsgStatusRequest, nil)},
		{"plain frame when key required", sealedReceiver, mustEncode(t, plainSender, 0x02, MsgStatusRequest, nil)},
		{"wrong key", NewEngine(0x02, WithCipher(security.NewKeyed(security.Key{1, 2, 3, 4}))),
			mustEncode(t, sealedSender, 0x02, MsgStatusRequest, []byte{9, 9})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.receiver.Decode(tt.frame)
			if !errors.Is(err, ErrSecurityViolation) {
				t.Fatalf("expected ErrSecurityViolation, got %v", err)
			}
			if KindOf(err) != KindSecurityViolation {
				t.Errorf("KindOf() = %s", KindOf(err))
			}
		})
	}
}

func TestDecode_ForgedFrameDoesNotAdvanceWindow(t *testing.T) {
	sender, receiver := newPair(true)
	genuine := mustEncode(t, sender, 0x02, MsgSetpointUpdate, []byte{0x01, 0x02, 0x03})

	// Attacker bumps the sequence and fixes the checksum
	forged := append([]byte(nil), genuine...)
	binary.BigEndian.PutUint16(forged[2:4], 0x7000)
	forged = recrc(forged)

	if _, err := receiver.Decode(forged); !errors.Is(err, ErrSecurityViolation) {
		t.Fatalf("expected ErrSecurityViolation, got %v", err)
	}
	if receiver.Window().Len() != 0 {
		t.Fatal("forged frame advanced the window")
	}
	if _, err := receiver.Decode(genuine); err != nil {
		t.Errorf("genuine frame rejected after forgery: %v", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	sender, _ := newPair(false)
	frame := mustEncode(t, sender, 0x02, MsgStatusReport, []byte{1, 2, 3})

	withByte := func(i int, v byte) []byte {
		f := append([]byte(nil), frame...)
		f[i] = v
		return recrc(f)
	}

	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short", frame[:HeaderSize]},
		{"oversize", make([]byte, MaxFrameSize+1)},
		{"length mismatch", withByte(6, 9)},
		{"reserved flags", withByte(5, 0x80)},
		{"broadcast source", withByte(0, 0xFF)},
		{"unconfigured source", withByte(0, 0x00)},
		{"unconfigured destination", withByte(1, 0x00)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, receiver := newPair(false)
			_, err := receiver.Decode(tt.frame)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
			if receiver.Counters().Dropped() != 1 {
				t.Errorf("Dropped() = %d", receiver.Counters().Dropped())
			}
		})
	}
}

// ============================================================
// Sequence Window Tests
// ============================================================

func TestNewer(t *testing.T) {
	tests := []struct {
		seq, last uint16
		want      bool
	}{
		{2, 1, true},
		{1, 1, false},
		{0, 1, false},
		{0x0000, 0xFFFF, true},
		{0x0001, 0xFFFE, true},
		{0xFFFE, 0x0001, false},
		{0x7FFF, 0x0000, true},
		{0x8000, 0x0000, false},
	}
	for _, tt := range tests {
		if got := Newer(tt.seq, tt.last); got != tt.want {
			t.Errorf("Newer(0x%04X, 0x%04X) = %v, want %v", tt.seq, tt.last, got, tt.want)
		}
	}
}

func TestSequenceWindow_EvictsLeastRecentlyUpdated(t *testing.T) {
	w := NewSequenceWindow(2)
	w.Accept(0x01, 10)
	w.Accept(0x02, 10)
	w.Accept(0x01, 11) // 0x02 is now the oldest
	w.Accept(0x03, 5)

	if w.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", w.Len())
	}
	if _, ok := w.Last(0x02); ok {
		t.Error("0x02 should have been evicted")
	}
	if last, ok := w.Last(0x01); !ok || last != 11 {
		t.Errorf("Last(0x01) = %d, %v", last, ok)
	}
	// An evicted peer starts over
	if !w.Accept(0x02, 1) {
		t.Error("evicted peer rejected")
	}
}

func TestSequenceWindow_RejectsStale(t *testing.T) {
	w := NewSequenceWindow(DefaultWindowSize)
	if !w.Accept(0x10, 100) {
		t.Fatal("first contact rejected")
	}
	if w.Accept(0x10, 100) || w.Accept(0x10, 99) {
		t.Error("stale sequence accepted")
	}
	if !w.Accept(0x10, 101) {
		t.Error("newer sequence rejected")
	}
}

func TestErrorKind_String(t *testing.T) {
	for kind := KindNone; kind < numKinds; kind++ {
		if kind.String() == "" {
			t.Errorf("kind %d has no name", kind)
		}
	}
	if KindOf(errors.New("other")) != KindOther {
		t.Error("unrelated error should be KindOther")
	}
	if Dropped(ErrPayloadTooLarge) {
		t.Error("PayloadTooLarge is a send-side error")
	}
}

func equalU16(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
