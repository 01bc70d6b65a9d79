// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"fmt"
)

// Byte-stream framing used by UART radio modems and the websocket bridge.
// Each frame is sent as START, stuffed(rssi, frame...), END.
const (
	StartByte = 0x7E
	EndByte   = 0x7F
	EscByte   = 0x7D
	EscXor    = 0x20
)

// Stuff wraps a raw radio frame for a byte stream. The first byte carries
// the received signal strength as a signed dBm value (0 when unknown).
func Stuff(frame []byte, rssi int) []byte {
	out := make([]byte, 0, 2*(len(frame)+1)+2)
	out = append(out, StartByte)
	for _, b := range append([]byte{byte(int8(rssi))}, frame...) {
		if b == StartByte || b == EndByte || b == EscByte {
			out = append(out, EscByte, b^EscXor)
		} else {
			out = append(out, b)
		}
	}
	return append(out, EndByte)
}

// Deframer recovers frames from a stuffed byte stream one byte at a time
type Deframer struct {
	buf        []byte
	inFrame    bool
	escapeNext bool
}

// NewDeframer creates a deframer
func NewDeframer() *Deframer {
	return &Deframer{buf: make([]byte, 0, MaxFrameSize+1)}
}

// Reset discards any partial frame
func (d *Deframer) Reset() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.escapeNext = false
}

// Feed processes one byte. It returns a frame once the END byte of a well
// formed frame arrives, and an error for frames that overflow or end early.
func (d *Deframer) Feed(b byte) (Frame, bool, error) {
	switch {
	case b == StartByte:
		d.Reset()
		d.inFrame = true
		return Frame{}, false, nil
	case !d.inFrame:
		return Frame{}, false, nil
	case b == EndByte:
		defer d.Reset()
		if d.escapeNext {
			return Frame{}, false, fmt.Errorf("incomplete escape sequence at end of frame")
		}
		if len(d.buf) < 1 {
			return Frame{}, false, fmt.Errorf("empty frame")
		}
		return Frame{
			Data: append([]byte(nil), d.buf[1:]...),
			RSSI: int(int8(d.buf[0])),
		}, true, nil
	case b == EscByte && !d.escapeNext:
		d.escapeNext = true
		return Frame{}, false, nil
	}

	if d.escapeNext {
		b ^= EscXor
		d.escapeNext = false
	}
	if len(d.buf) >= MaxFrameSize+1 {
		d.Reset()
		return Frame{}, false, fmt.Errorf("buffer overflow: frame exceeds %d bytes", MaxFrameSize)
	}
	d.buf = append(d.buf, b)
	return Frame{}, false, nil
}
