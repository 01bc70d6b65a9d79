// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

// Connection is a radio opened from the command line flags
type Connection interface {
	radio.Radio
	io.Closer
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("THERMOVALVE_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Not a terminal; read a plain line instead
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// OpenConnection opens a WebSocket bridge, an AT modem or a serial bridge
// based on flags. local is the protocol address, used to configure modems.
func OpenConnection(ctx context.Context, local rfproto.Address) (Connection, string, error) {
	if wsURL != "" {
		password := ""
		if wsUsername != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := radio.DialWebSocket(ctx, wsURL, wsUsername, password, wsNoSSLVerify, logger)
		if err != nil {
			return nil, "", err
		}
		return conn, fmt.Sprintf("WebSocket: %s", wsURL), nil
	}

	port := cfg.Serial.Port
	if port == "" {
		return nil, "", errors.New("either --port or --url must be specified")
	}

	if atModem {
		m, err := radio.OpenATModem(port, logger)
		if err != nil {
			return nil, "", err
		}
		if err := m.Configure(uint16(local), networkID); err != nil {
			m.Close()
			return nil, "", err
		}
		return m, fmt.Sprintf("AT modem: %s (network %d)", port, networkID), nil
	}

	conn, err := radio.OpenSerial(port, cfg.Serial.Baud, logger)
	if err != nil {
		return nil, "", err
	}
	return conn, fmt.Sprintf("Serial: %s @ %d baud", port, cfg.Serial.Baud), nil
}

// listen runs conn's listener until ctx is done and logs unexpected exits
func listen(ctx context.Context, conn radio.Listener, q *radio.RxQueue) {
	go func() {
		if err := conn.Listen(ctx, q); err != nil {
			logger.WithError(err).Error("Radio listener stopped")
		}
	}()
}
