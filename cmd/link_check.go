// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

var linkCheckDuration int

var linkCheckCmd = &cobra.Command{
	Use:   "link_check",
	Short: "Test radio connection stability",
	Long: `Hold the radio connection open without transmitting and report what arrives.

Useful for debugging bridge or modem stability: every received frame is logged
with its size and RSSI, and the result fails if the connection drops or the
receive queue overruns.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runLinkCheck,
}

func init() {
	rootCmd.AddCommand(linkCheckCmd)
	linkCheckCmd.Flags().IntVar(&linkCheckDuration, "duration", 30, "Test duration in seconds")
}

func runLinkCheck(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(linkCheckDuration)*time.Second)
	defer cancel()

	conn, connInfo, err := OpenConnection(ctx, rfproto.Address(cfg.Device.Coordinator))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Radio Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", linkCheckDuration)

	q := radio.NewRxQueue(radio.DefaultQueueSize)
	errChan := make(chan error, 1)
	go func() {
		errChan <- conn.Listen(ctx, q)
	}()

	start := time.Now()
	bytesReceived := 0
	framesReceived := 0
	heartbeat := time.NewTicker(time.Second)
	defer heartbeat.Stop()

	fmt.Printf("Listening for frames...\n\n")

	results := func(result string) {
		fmt.Printf("\n--- Test Results ---\n")
		fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Second))
		fmt.Printf("Frames received: %d\n", framesReceived)
		fmt.Printf("Bytes received: %d\n", bytesReceived)
		fmt.Printf("Queue overruns: %d\n", q.Overruns())
		fmt.Printf("Result: %s\n", result)
	}

	for {
		select {
		case <-q.Wake():
			for f, ok := q.Pop(); ok; f, ok = q.Pop() {
				bytesReceived += len(f.Data)
				framesReceived++
				fmt.Printf("[%s] Received %d bytes (rssi %d dBm): %x\n",
					f.Received.Format("15:04:05.000"), len(f.Data), f.RSSI, f.Data)
			}

		case <-ctx.Done():
			if q.Overruns() > 0 {
				results("FAILED (receive queue overrun)")
				os.Exit(1)
			}
			results("PASSED (connection stable)")
			return nil

		case err := <-errChan:
			if ctx.Err() != nil {
				continue
			}
			if err == nil {
				err = radio.ErrClosed
			}
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			results("FAILED (connection error)")
			os.Exit(1)

		case <-heartbeat.C:
			if remaining := time.Until(start.Add(time.Duration(linkCheckDuration) * time.Second)); remaining > 0 {
				fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
					time.Now().Format("15:04:05.000"), remaining.Seconds())
			}
		}
	}
}
