// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// ATModem drives a LoRa UART module with the RYLR896 AT command set.
// Frames are hex encoded in AT+SEND so the binary protocol survives the
// line oriented interface, and are always sent to module address 0 so every
// module on the network ID hears them; addressing is done by the protocol
// engine.
type ATModem struct {
	rw  io.ReadWriteCloser
	log logrus.FieldLogger
	mu  sync.Mutex
}

// NewATModem wraps an open serial stream to the module
func NewATModem(rw io.ReadWriteCloser, log logrus.FieldLogger) *ATModem {
	return &ATModem{rw: rw, log: logutil.OrDiscard(log).WithField("component", "atmodem")}
}

// OpenATModem opens the module's serial port at 115200 baud
func OpenATModem(portName string, log logrus.FieldLogger) (*ATModem, error) {
	port, err := OpenSerialPort(portName, 115200)
	if err != nil {
		return nil, err
	}
	return NewATModem(port, log), nil
}

func (m *ATModem) command(cmd string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := io.WriteString(m.rw, cmd+"\r\n"); err != nil {
		return fmt.Errorf("modem write: %w", err)
	}
	return nil
}

// Configure sets the module address and network ID. Responses are
// reported asynchronously through Listen's log.
func (m *ATModem) Configure(address uint16, networkID uint8) error {
	if err := m.command(fmt.Sprintf("AT+ADDRESS=%d", address)); err != nil {
		return err
	}
	return m.command(fmt.Sprintf("AT+NETWORKID=%d", networkID))
}

// Send transmits one frame
func (m *ATModem) Send(frame []byte) error {
	if err := checkSize(frame); err != nil {
		return err
	}
	data := hex.EncodeToString(frame)
	return m.command(fmt.Sprintf("AT+SEND=0,%d,%s", len(data), data))
}

// SetReceive switches the module between receive and sleep mode
func (m *ATModem) SetReceive(on bool) {
	mode := 1
	if on {
		mode = 0
	}
	if err := m.command(fmt.Sprintf("AT+MODE=%d", mode)); err != nil {
		m.log.WithError(err).Warn("Failed to change modem mode")
	}
}

// Listen parses unsolicited +RCV lines into frames until the stream ends
func (m *ATModem) Listen(ctx context.Context, q *RxQueue) error {
	stop := context.AfterFunc(ctx, func() {
		m.rw.Close()
	})
	defer stop()

	reader := bufio.NewReader(m.rw)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			m.handleLine(strings.TrimRight(line, "\r\n"), q)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("modem read: %w", err)
		}
	}
}

func (m *ATModem) handleLine(line string, q *RxQueue) {
	switch {
	case line == "" || strings.HasPrefix(line, "+OK") || strings.HasPrefix(line, "+READY"):
	case strings.HasPrefix(line, "+ERR="):
		m.log.WithField("code", strings.TrimPrefix(line, "+ERR=")).Warn("Modem error")
	case strings.HasPrefix(line, "+RCV="):
		frame, rssi, err := ParseReceived(strings.TrimPrefix(line, "+RCV="))
		if err != nil {
			m.log.WithError(err).Debug("Dropping unparsable reception")
			return
		}
		if !q.Push(frame, rssi) {
			m.log.Warn("Receive queue overrun")
		}
	default:
		m.log.WithField("line", line).Debug("Unknown modem output")
	}
}

// ParseReceived parses the body of a +RCV line:
// <address>,<length>,<hex data>,<rssi>,<snr>
func ParseReceived(payload string) ([]byte, int, error) {
	fields := strings.Split(payload, ",")
	if len(fields) != 5 {
		return nil, 0, fmt.Errorf("expected 5 fields, got %d", len(fields))
	}
	if _, err := strconv.ParseUint(fields[0], 10, 16); err != nil {
		return nil, 0, fmt.Errorf("invalid address %q", fields[0])
	}
	length, err := strconv.Atoi(fields[1])
	if err != nil || length != len(fields[2]) {
		return nil, 0, fmt.Errorf("length %q does not match data", fields[1])
	}
	frame, err := hex.DecodeString(fields[2])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid data: %w", err)
	}
	if err := checkSize(frame); err != nil {
		return nil, 0, err
	}
	rssi, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, 0, fmt.Errorf("invalid rssi %q", fields[3])
	}
	return frame, rssi, nil
}

// Close closes the module's serial stream
func (m *ATModem) Close() error {
	return m.rw.Close()
}
