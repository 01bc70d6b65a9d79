// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/gateway"
	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

var controlSimulate bool

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for monitoring and controlling valves",
	Long: `Monitor and control thermostatic valves via an interactive terminal UI.

The TUI runs as the network coordinator: it acknowledges status reports and
sends commands reliably, retrying until the valve acknowledges.

Features:
  - Valve discovery (broadcast STATUS_REQUEST)
  - Live temperature, setpoint, position and calibration per valve
  - Setpoint changes and recalibration with delivery results
  - Link statistics
  - Event logging

Tab switches between the valve list and the setpoint input. Arrow keys
navigate the valve list. Enter sends the setpoint, r recalibrates the
selected valve and d repeats discovery.

With --simulate the TUI drives an in-memory valve network instead of a radio;
--valves and --speed work as for the simulate command.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
	f := controlCmd.Flags()
	f.BoolVar(&controlSimulate, "simulate", false, "Control a simulated valve network")
	f.IntVar(&simValves, "valves", 3, "Number of simulated valves (with --simulate)")
	f.Float64Var(&simSpeed, "speed", 1, "Virtual clock speed (with --simulate)")
}

// commander is the part of a bridge the TUI drives
type commander interface {
	SetSetpointFunc(dst rfproto.Address, t valve.Temperature, done func(error)) error
	Recalibrate(dst rfproto.Address, done func(error)) error
	Discover() error
	Stats() (netsched.Stats, rfproto.Counters)
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Reports arrive on the bridge goroutine; p is set before it starts
	var p *tea.Program
	onReport := func(v gateway.Valve) {
		p.Send(valveMsg(v))
	}

	var (
		hub      commander
		connInfo string
		run      func() error
	)
	if controlSimulate {
		s := newSimulation(simValves, nil, onReport)
		hub = s.bridge
		connInfo = fmt.Sprintf("Simulation: %d valves @ %gx", len(s.valves), simSpeed)
		run = func() error { return s.run(ctx, simSpeed, 0, nil) }
	} else {
		b, conn, info, err := newHub(ctx, onReport)
		if err != nil {
			return err
		}
		defer conn.Close()
		hub = b
		connInfo = info
		run = func() error { return b.Run(ctx) }
	}

	m := initialControlModel(hub, connInfo)
	p = tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))

	go func() {
		if err := run(); err != nil {
			p.Send(hubStoppedMsg{err: err})
		}
	}()

	_, err := p.Run()
	cancel()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
