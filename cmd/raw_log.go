// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/security"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw frame log in human-readable format",
	Long: `Continuously decode and display valve network frames as they arrive.

Every frame on the channel is shown regardless of its destination. Frames
that fail to decode are shown with the reason and, when the header is intact,
the header fields. Sealed payloads are opened with the configured network key.

Supports serial bridge, AT modem and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// sniffer returns an engine that accepts frames for any destination
func sniffer() *rfproto.Engine {
	opts := []rfproto.Option{rfproto.WithPromiscuous()}
	key, _ := cfg.SecurityKey()
	if cipher := security.Default(key); cipher != nil {
		opts = append(opts, rfproto.WithCipher(cipher))
	}
	return rfproto.NewEngine(rfproto.Address(cfg.Device.Coordinator), opts...)
}

// describeDrop formats a frame that failed to decode
func describeDrop(f radio.Frame, err error) string {
	ts := f.Received.Format("15:04:05.000")
	if h, _ := rfproto.Peek(f.Data); h != (rfproto.Header{}) {
		return fmt.Sprintf("[%s] \033[1;31mDROPPED %s:\033[0m %s\n  %v\n", ts, rfproto.KindOf(err), rfproto.FormatHeader(h), err)
	}
	return fmt.Sprintf("[%s] \033[1;31mDROPPED %s:\033[0m %d bytes\n  %v\n", ts, rfproto.KindOf(err), len(f.Data), err)
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(ctx, rfproto.Address(cfg.Device.Coordinator))
	if err != nil {
		return err
	}
	defer conn.Close()

	fmt.Printf("Thermovalve - Raw Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	engine := sniffer()
	q := radio.NewRxQueue(32)
	listen(ctx, conn, q)

	return drain(ctx, q, func(f radio.Frame) {
		msg, err := engine.Decode(f.Data)
		if err != nil {
			fmt.Print(describeDrop(f, err))
			return
		}
		msg.RSSI = f.RSSI
		msg.Timestamp = f.Received
		fmt.Print(rfproto.FormatMessage(msg))
	})
}

// drain hands every queued frame to fn until ctx is done
func drain(ctx context.Context, q *radio.RxQueue, fn func(radio.Frame)) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.Wake():
		}
		for {
			f, ok := q.Pop()
			if !ok {
				break
			}
			fn(f)
		}
	}
}
