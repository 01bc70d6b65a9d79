// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
)

var (
	showAll       bool
	statsInterval int
	useTUI        bool
)

var errorDetectionCmd = &cobra.Command{
	Use:   "error_detection",
	Short: "Detect and analyze corrupt frames and anomalous values",
	Long: `Track frame errors, security failures and anomalous values with statistics.

This command decodes and validates each frame and detects:
  - Checksum failures and malformed headers
  - Frames that fail to open with the network key
  - Duplicate (replayed or retried) sequence numbers
  - Undecodable payloads and out of range values
  - Statistics and trends (frame rate, error rate, success rate)

By default, only errors are displayed. Use --show-all to display valid frames too.`,
	RunE: runErrorDetection,
}

func init() {
	rootCmd.AddCommand(errorDetectionCmd)
	errorDetectionCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	errorDetectionCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	errorDetectionCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
}

// frameResult is one analyzed frame
type frameResult struct {
	frame     radio.Frame
	msg       rfproto.Message
	err       error
	anomalies []rfproto.ValidationError
}

func analyze(engine *rfproto.Engine, f radio.Frame) frameResult {
	r := frameResult{frame: f}
	r.msg, r.err = engine.Decode(f.Data)
	if r.err != nil {
		return r
	}
	r.msg.RSSI = f.RSSI
	r.msg.Timestamp = f.Received
	r.anomalies = rfproto.ValidateMessage(r.msg)
	return r
}

func runErrorDetection(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	conn, connInfo, err := OpenConnection(ctx, rfproto.Address(cfg.Device.Coordinator))
	if err != nil {
		return err
	}
	defer conn.Close()

	q := radio.NewRxQueue(64)
	listen(ctx, conn, q)

	if useTUI {
		return runTUIMode(ctx, connInfo, q)
	}
	return runTextMode(ctx, connInfo, q)
}

// printValidationErrors prints validation errors for a message
func printValidationErrors(r frameResult) {
	timestamp := r.msg.Timestamp.Format("15:04:05.000")
	msgType := rfproto.FormatMessageType(r.msg.Type)

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s (0x%02X) from %s\n", timestamp, msgType, uint8(r.msg.Type), r.msg.Source)
	fmt.Printf("  CRC: \033[1;32mOK\033[0m\n")

	for i, a := range r.anomalies {
		switch a.Type {
		case rfproto.AnomalyDecodeError, rfproto.AnomalyUnknownType:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, a.Message)
		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, a.Message)
		}
	}
	fmt.Printf("  >>> MESSAGE REJECTED <<<\n\n")
}

// runTUIMode runs error detection in TUI mode
func runTUIMode(ctx context.Context, connInfo string, q *radio.RxQueue) error {
	engine := sniffer()
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	go drain(ctx, q, func(f radio.Frame) {
		p.Send(frameMsg(analyze(engine, f)))
	})

	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runTextMode runs error detection in text mode
func runTextMode(ctx context.Context, connInfo string, q *radio.RxQueue) error {
	fmt.Printf("Thermovalve - Error Detection Mode\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	engine := sniffer()
	stats := rfproto.NewStatistics()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			fmt.Print(stats.String())
			return nil

		case <-q.Wake():
			for f, ok := q.Pop(); ok; f, ok = q.Pop() {
				r := analyze(engine, f)
				stats.Update(r.err, r.anomalies)

				switch {
				case r.err != nil:
					fmt.Print(describeDrop(f, r.err))
					fmt.Println()
				case len(r.anomalies) > 0:
					printValidationErrors(r)
				case showAll:
					fmt.Print(rfproto.FormatMessage(r.msg))
				}
			}

		case <-statsTicker.C:
			fmt.Println()
			fmt.Print(stats.String())
			fmt.Println()
		}
	}
}
