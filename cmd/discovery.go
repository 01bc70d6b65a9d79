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
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/store"
)

var (
	discoveryTimeout int
)

var discoveryCmd = &cobra.Command{
	Use:   "discovery",
	Short: "Discover valves on the network",
	Long: `Broadcast a STATUS_REQUEST and list every valve that answers.

Valves only hear the request during their listen window, so the timeout should
cover at least one listen period (network.listen_period, default 1s). Status
reports are acknowledged as a gateway would.

Examples:
  thermovalve discovery --port /dev/ttyUSB0
  thermovalve discovery --port /dev/ttyUSB0 --at-modem --timeout 10

Exit codes:
  0 - At least one valve found
  1 - No valve answered before the timeout
  2 - Connection error`,
	RunE: runDiscovery,
}

func init() {
	rootCmd.AddCommand(discoveryCmd)
	discoveryCmd.Flags().IntVar(&discoveryTimeout, "timeout", 5, "Timeout in seconds for discovery")
}

// newHub opens the connection and builds a broker-less bridge on it
func newHub(ctx context.Context, onReport func(gateway.Valve)) (*gateway.Bridge, Connection, string, error) {
	local := rfproto.Address(cfg.Device.Coordinator)
	conn, connInfo, err := OpenConnection(ctx, local)
	if err != nil {
		return nil, nil, "", err
	}
	st, err := store.Open(cfg.Store.HubPath)
	if err != nil {
		conn.Close()
		return nil, nil, "", err
	}
	key, _ := cfg.SecurityKey()
	b := gateway.New(gateway.Options{
		Address:       local,
		Key:           key,
		Radio:         conn,
		Network:       cfg.Network.Config,
		RxBudget:      cfg.Control.RxBudget,
		Logger:        logger,
		OnReport:      onReport,
		Sequence:      st.State().Sequence,
		SequenceStore: st,
	})
	return b, conn, connInfo, nil
}

func runDiscovery(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(discoveryTimeout)*time.Second)
	defer cancel()

	found := make(map[rfproto.Address]bool)
	b, conn, connInfo, err := newHub(ctx, func(v gateway.Valve) {
		if found[v.Address] {
			return
		}
		found[v.Address] = true
		r := v.Report
		fmt.Printf("\nValve found:\n")
		fmt.Printf("  Address: %s\n", v.Address)
		fmt.Printf("  Temperature: %s°, Setpoint: %s°\n", r.Temperature, r.Setpoint)
		fmt.Printf("  Position: %d%%, Calibration: %s\n", r.Position, r.CalibrationState())
		fmt.Printf("  Faults: %s\n", r.Faults)
		fmt.Printf("  RSSI: %d dBm\n", v.RSSI)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Thermovalve - Valve Discovery\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n\n", discoveryTimeout)
	fmt.Printf("Sending STATUS_REQUEST (address=%s)...\n", rfproto.AddressBroadcast)

	// Repeat the broadcast each listen period so sleeping valves catch one
	go func() {
		period := cfg.Network.Listen.Period
		if period <= 0 {
			return
		}
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := b.Discover(); err != nil {
					logger.WithError(err).Warn("Discovery request failed")
				}
			}
		}
	}()

	if err := b.Run(ctx); err != nil {
		fmt.Printf("SEND FAILED: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("\n--- Discovery summary ---\n")
	fmt.Printf("Valves found: %d\n", len(b.Valves()))
	if len(b.Valves()) == 0 {
		fmt.Printf("No valves discovered. Check the network key, network ID and valve batteries.\n")
		os.Exit(1)
	}
	return nil
}
