// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/gateway"
)

var (
	pingTimeout int
	pingCount   int
)

var pingCmd = &cobra.Command{
	Use:   "ping <address>",
	Short: "Test the link to one valve with STATUS_REQUEST",
	Long: `Send STATUS_REQUEST packets to one valve and wait for its STATUS_REPORT.

The round trip includes the wait for the valve's next listen window, so on a
battery valve it ranges up to network.listen_period.

This is useful for verifying:
  - The radio bridge or modem is working
  - The valve shares the network key and network ID
  - Bidirectional packet flow works

Exit codes:
  0 - All pings successful
  1 - One or more pings failed/timed out
  2 - Connection error`,
	Args: cobra.ExactArgs(1),
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Timeout in seconds for each ping")
	pingCmd.Flags().IntVar(&pingCount, "count", 3, "Number of pings to send")
}

func runPing(cmd *cobra.Command, args []string) error {
	dst, err := parseAddress(args[0])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	reports := make(chan gateway.Valve, 8)
	b, conn, connInfo, err := newHub(ctx, func(v gateway.Valve) {
		if v.Address != dst {
			return
		}
		select {
		case reports <- v:
		default:
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Thermovalve - Ping\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Valve: %s\n", dst)
	fmt.Printf("Timeout: %d seconds per ping\n", pingTimeout)
	fmt.Printf("Count: %d pings\n\n", pingCount)

	go func() {
		if err := b.Run(ctx); err != nil {
			logger.WithError(err).Error("Network stopped")
		}
	}()

	successCount := 0
	failCount := 0
	var totalRTT time.Duration

	for i := 1; i <= pingCount; i++ {
		fmt.Printf("Ping %d/%d: ", i, pingCount)

		// Discard reports that answered earlier requests
	drain:
		for {
			select {
			case <-reports:
			default:
				break drain
			}
		}

		startTime := time.Now()
		if err := b.RequestStatus(dst); err != nil {
			fmt.Printf("SEND FAILED: %v\n", err)
			failCount++
			continue
		}

		select {
		case v := <-reports:
			rtt := time.Since(startTime)
			totalRTT += rtt
			fmt.Printf("REPORT from %s, %s°, uptime=%s, rssi=%d dBm, rtt=%v\n",
				v.Address, v.Report.Temperature, time.Duration(v.Report.Uptime)*time.Second, v.RSSI, rtt.Round(time.Millisecond))
			successCount++

		case <-time.After(time.Duration(pingTimeout) * time.Second):
			fmt.Printf("TIMEOUT (no response in %ds)\n", pingTimeout)
			failCount++

		case <-cmd.Context().Done():
			return nil
		}

		if i < pingCount {
			time.Sleep(100 * time.Millisecond)
		}
	}

	// Summary
	fmt.Printf("\n--- Ping statistics ---\n")
	fmt.Printf("%d pings sent, %d reports received, %.0f%% packet loss\n",
		pingCount, successCount, float64(failCount)/float64(pingCount)*100)
	if successCount > 0 {
		fmt.Printf("average rtt=%v\n", (totalRTT / time.Duration(successCount)).Round(time.Millisecond))
	}

	if failCount > 0 {
		os.Exit(1)
	}
	return nil
}
