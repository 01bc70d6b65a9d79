// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package radio connects the protocol engine to a raw frame radio.
//
// A Transport sends one raw frame. A Listener delivers received frames into
// an RxQueue from its own goroutine, the way a receive interrupt hands bytes
// to the firmware main loop. Everything above the queue (decoding, opening,
// deduplication) happens in the main loop.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

// MaxFrameSize is the largest frame the radio carries
const MaxFrameSize = rfproto.MaxFrameSize

var (
	ErrFrameTooLarge = errors.New("frame exceeds radio maximum")
	ErrClosed        = errors.New("radio closed")
)

// Frame is a raw received frame with its signal strength hint
type Frame struct {
	Data     []byte
	RSSI     int
	Received time.Time
}

// Transport sends raw frames
type Transport interface {
	Send(frame []byte) error
}

// Listener delivers received frames into q until ctx is done
type Listener interface {
	Listen(ctx context.Context, q *RxQueue) error
}

// ReceiveController is implemented by radios whose receiver can be
// powered down between listen windows.
type ReceiveController interface {
	SetReceive(on bool)
}

// CarrierSense is implemented by radios that can report channel activity
type CarrierSense interface {
	ChannelBusy() bool
}

// Radio is a full duplex radio
type Radio interface {
	Transport
	Listener
}

func checkSize(frame []byte) error {
	if len(frame) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	return nil
}
