// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/gateway"
	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

var (
	commandTimeout int
)

var setCmd = &cobra.Command{
	Use:   "set <address> <degrees>",
	Short: "Change a valve's setpoint",
	Long: `Send a SETPOINT_UPDATE to one valve and wait for its acknowledgement.

The address is two hex digits (21 or 0x21). The setpoint is in degrees Celsius
with up to two decimals and must lie between 0 and 40.

Exit codes:
  0 - Setpoint accepted
  1 - Setpoint rejected or not acknowledged
  2 - Connection error`,
	Args: cobra.ExactArgs(2),
	RunE: runSet,
}

var recalibrateCmd = &cobra.Command{
	Use:   "recalibrate <address>",
	Short: "Make a valve find its end stops again",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecalibrate,
}

func init() {
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(recalibrateCmd)
	for _, c := range []*cobra.Command{setCmd, recalibrateCmd} {
		c.Flags().IntVar(&commandTimeout, "timeout", 15, "Timeout in seconds to wait for the acknowledgement")
	}
}

// parseAddress parses a unicast address in hex
func parseAddress(s string) (rfproto.Address, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q", s)
	}
	a := rfproto.Address(n)
	if !a.IsUnicast() {
		return 0, fmt.Errorf("address %s is not a valve address", a)
	}
	return a, nil
}

func runSet(cmd *cobra.Command, args []string) error {
	dst, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	t, err := valve.ParseTemperature(args[1])
	if err != nil {
		return err
	}
	return sendCommand(cmd.Context(), fmt.Sprintf("setpoint %s° to %s", t, dst), func(b *gateway.Bridge, done func(error)) error {
		return b.SetSetpointFunc(dst, t, done)
	})
}

func runRecalibrate(cmd *cobra.Command, args []string) error {
	dst, err := parseAddress(args[0])
	if err != nil {
		return err
	}
	return sendCommand(cmd.Context(), fmt.Sprintf("recalibrate to %s", dst), func(b *gateway.Bridge, done func(error)) error {
		return b.Recalibrate(dst, done)
	})
}

// sendCommand runs a hub until issue's command completes or times out
func sendCommand(parent context.Context, what string, issue func(*gateway.Bridge, func(error)) error) error {
	ctx, cancel := context.WithTimeout(parent, time.Duration(commandTimeout)*time.Second)
	defer cancel()

	b, conn, connInfo, err := newHub(ctx, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Sending %s...\n", what)

	result := make(chan error, 1)
	if err := issue(b, func(err error) { result <- err }); err != nil {
		return err
	}
	go func() {
		if err := b.Run(ctx); err != nil {
			result <- err
		}
	}()

	select {
	case err := <-result:
		switch {
		case err == nil:
			fmt.Printf("ACCEPTED\n")
			return nil
		case errors.Is(err, netsched.ErrRejected):
			fmt.Printf("REJECTED by valve\n")
		case errors.Is(err, netsched.ErrNoAck):
			fmt.Printf("NO ACK: %v\n", err)
		default:
			fmt.Printf("FAILED: %v\n", err)
		}
	case <-ctx.Done():
		fmt.Printf("TIMEOUT: no answer within %d seconds\n", commandTimeout)
	}
	os.Exit(1)
	return nil
}
