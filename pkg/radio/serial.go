// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// readTimeout bounds each blocking read so Listen notices cancellation
const readTimeout = 100 * time.Millisecond

// SerialBridge talks to a transparent UART radio modem using stuffed frames
type SerialBridge struct {
	rw  io.ReadWriteCloser
	log logrus.FieldLogger
	mu  sync.Mutex
}

// NewSerialBridge wraps an open byte stream
func NewSerialBridge(rw io.ReadWriteCloser, log logrus.FieldLogger) *SerialBridge {
	return &SerialBridge{rw: rw, log: logutil.OrDiscard(log).WithField("component", "serial")}
}

// OpenSerial opens a serial port and wraps it in a bridge
func OpenSerial(portName string, baudRate int, log logrus.FieldLogger) (*SerialBridge, error) {
	port, err := OpenSerialPort(portName, baudRate)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", portName, err)
	}
	return NewSerialBridge(port, log), nil
}

// OpenSerialPort opens a port at 8N1
func OpenSerialPort(portName string, baudRate int) (serial.Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// Send writes one stuffed frame
func (s *SerialBridge) Send(frame []byte) error {
	if err := checkSize(frame); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rw.Write(Stuff(frame, 0)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// Listen reads the stream and pushes every complete frame into q. It
// returns nil when ctx is cancelled or the stream ends.
func (s *SerialBridge) Listen(ctx context.Context, q *RxQueue) error {
	d := NewDeframer()
	buf := make([]byte, 256)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := s.rw.Read(buf)
		for _, b := range buf[:n] {
			frame, ok, ferr := d.Feed(b)
			if ferr != nil {
				s.log.WithError(ferr).Debug("Framing error")
				continue
			}
			if ok && !q.Push(frame.Data, frame.RSSI) {
				s.log.Warn("Receive queue overrun")
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

// Close closes the underlying stream
func (s *SerialBridge) Close() error {
	return s.rw.Close()
}
