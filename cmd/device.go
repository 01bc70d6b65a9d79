// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/console"
	"github.com/Thermoquad/thermovalve/pkg/coordinator"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/sim"
	"github.com/Thermoquad/thermovalve/pkg/store"
)

var (
	deviceConsole  string
	deviceNoRadio  bool
	deviceStartPos int
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run one valve against a simulated room",
	Long: `Run the valve firmware loop on this host. The radio is real (serial bridge,
AT modem or WebSocket); the thermometer and motor are simulated.

The device address, setpoint, calibrated bounds and sequence counter persist in
store.path across restarts, so a restarted valve does not reuse sequence numbers
and skips the span measurement when homing.

--console attaches the line console to a serial port, or to stdin/stdout with
"-". Console commands: status, get setpoint, set setpoint <degrees>, recal,
events, version, help.

Use --no-radio to regulate standalone.`,
	RunE: runDevice,
}

func init() {
	rootCmd.AddCommand(deviceCmd)
	f := deviceCmd.Flags()
	f.StringVar(&deviceConsole, "console", "", `Console serial port, or "-" for stdin/stdout`)
	f.BoolVar(&deviceNoRadio, "no-radio", false, "Run without a radio")
	f.IntVar(&deviceStartPos, "motor-start", 200, "Simulated motor start position in steps")
}

type stdio struct {
	io.Reader
	io.Writer
}

func runDevice(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	state := st.State()

	key, _ := cfg.SecurityKey()
	setpoint, _ := cfg.Setpoint()
	if state.Setpoint.Valid() && state.Setpoint != 0 {
		setpoint = state.Setpoint
	}
	dev := coordinator.Device{
		Address:     rfproto.Address(cfg.Device.Address),
		Coordinator: rfproto.Address(cfg.Device.Coordinator),
		Key:         key,
		Setpoint:    setpoint,
		Bounds:      state.Bounds,
	}
	if err := st.Update(func(s *store.State) {
		s.Address = dev.Address
		s.Coordinator = dev.Coordinator
		s.Key = dev.Key
	}); err != nil {
		return err
	}

	room := sim.NewRoom(cfg.Room)
	motor := sim.NewMotor(420, deviceStartPos)
	opts := coordinator.Options{
		Device:         dev,
		Sequence:       state.Sequence,
		SequenceStore:  st,
		Thermometer:    sim.NewThermometer(room, 0.05, time.Now().UnixNano()),
		Actuator:       motor,
		Store:          st,
		Valve:          cfg.Valve,
		Network:        cfg.Network.Config,
		Tick:           cfg.Control.Tick,
		RxBudget:       cfg.Control.RxBudget,
		ReportInterval: cfg.Network.ReportInterval,
		Logger:         logger,
	}

	connInfo := "none"
	if !deviceNoRadio {
		conn, info, err := OpenConnection(ctx, dev.Address)
		if err != nil {
			return err
		}
		defer conn.Close()
		opts.Radio = conn
		opts.Queue = radio.NewRxQueue(radio.DefaultQueueSize)
		connInfo = info
	}
	c := coordinator.New(opts)

	logger.WithFields(logrus.Fields{
		"addr":       dev.Address,
		"connection": connInfo,
		"setpoint":   dev.Setpoint,
		"store":      st.Path(),
		"sequence":   state.Sequence,
	}).Info("Valve starting")

	go stepRoom(ctx, room, motor)

	if deviceConsole != "" {
		var rw io.ReadWriter = stdio{os.Stdin, os.Stdout}
		if deviceConsole != "-" {
			port, err := radio.OpenSerialPort(deviceConsole, cfg.Serial.Baud)
			if err != nil {
				return err
			}
			defer port.Close()
			rw = port
		}
		con := console.New(c, version, logger)
		go func() {
			if err := con.Serve(ctx, rw); err != nil {
				logger.WithError(err).Error("Console stopped")
			}
		}()
	}

	return c.Run(ctx)
}

// stepRoom advances the room model in real time
func stepRoom(ctx context.Context, room *sim.Room, motor *sim.Motor) {
	const dt = time.Second
	t := time.NewTicker(dt)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			room.Step(motor.PercentOpen(), dt)
		}
	}
}
