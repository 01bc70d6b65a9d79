// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/coordinator"
	"github.com/Thermoquad/thermovalve/pkg/gateway"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/sim"
	"github.com/Thermoquad/thermovalve/pkg/store"
)

// simStep is the virtual time resolution of the simulation
const simStep = 20 * time.Millisecond

var (
	simValves         int
	simSpeed          float64
	simLoss           float64
	simCorruption     float64
	simMQTT           bool
	simDuration       time.Duration
	simStatusInterval time.Duration
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a simulated valve network",
	Long: `Run several valves, each heating its own simulated room, and a gateway on a
shared in-memory radio channel.

Valves home their motors, regulate toward their setpoints and report to the
gateway. With --mqtt the gateway also publishes to the configured broker and
accepts setpoint commands from it, exactly as the gateway command does.

--speed runs the virtual clock faster than real time, so a room can be watched
warming up in minutes. --loss and --corruption impair the channel.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	f := simulateCmd.Flags()
	f.IntVar(&simValves, "valves", 3, "Number of simulated valves")
	f.Float64Var(&simSpeed, "speed", 1, "Virtual clock speed relative to real time")
	f.Float64Var(&simLoss, "loss", 0, "Probability that a frame is lost")
	f.Float64Var(&simCorruption, "corruption", 0, "Probability that a frame has a bit flipped")
	f.BoolVar(&simMQTT, "mqtt", false, "Publish to the configured MQTT broker")
	f.DurationVar(&simDuration, "duration", 0, "Virtual run time (0 runs until interrupted)")
	f.DurationVar(&simStatusInterval, "status-interval", 30*time.Second, "Virtual time between status log lines")
}

// simValve is one simulated valve and the room it heats
type simValve struct {
	c     *coordinator.Coordinator
	room  *sim.Room
	motor *sim.Motor
}

// simulation is a virtual-clock valve network
type simulation struct {
	air    *radio.Air
	valves []*simValve
	bridge *gateway.Bridge
	start  time.Time
	now    time.Time
}

func newSimulation(n int, broker gateway.Broker, onReport func(gateway.Valve)) *simulation {
	start := time.Now()
	s := &simulation{air: radio.NewAir(start.UnixNano(), logger), start: start, now: start}
	s.air.SetLoss(simLoss)
	s.air.SetCorruption(simCorruption)

	key, _ := cfg.SecurityKey()
	setpoint, _ := cfg.Setpoint()
	hub := rfproto.Address(cfg.Device.Coordinator)

	gwNode := s.air.Attach("gateway", -45)
	s.bridge = gateway.New(gateway.Options{
		Address:     hub,
		Key:         key,
		Radio:       gwNode,
		Network:     cfg.Network.Config,
		Broker:      broker,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		RxBudget:    cfg.Control.RxBudget,
		Logger:      logger,
		OnReport:    onReport,
	})
	gwNode.Attach(s.bridge.Queue())

	for i := 0; i < n; i++ {
		addr := rfproto.Address(cfg.Device.Address) + rfproto.Address(i)
		if addr == hub || !addr.IsUnicast() {
			continue
		}
		roomCfg := cfg.Room
		roomCfg.Initial -= float64(i)
		room := sim.NewRoom(roomCfg)
		motor := sim.NewMotor(400+40*i, 150)
		node := s.air.Attach(fmt.Sprintf("valve-%02x", uint8(addr)), -60-5*i)

		netCfg := cfg.Network.Config
		netCfg.Seed = int64(i) + 1
		mem := &store.Memory{}
		c := coordinator.New(coordinator.Options{
			Device: coordinator.Device{
				Address:     addr,
				Coordinator: hub,
				Key:         key,
				Setpoint:    setpoint,
			},
			Radio:          node,
			SequenceStore:  mem,
			Thermometer:    sim.NewThermometer(room, 0.05, int64(i)),
			Actuator:       motor,
			Store:          mem,
			Valve:          cfg.Valve,
			Network:        netCfg,
			Tick:           cfg.Control.Tick,
			RxBudget:       cfg.Control.RxBudget,
			ReportInterval: cfg.Network.ReportInterval,
			Logger:         logger,
		})
		node.Attach(c.Queue())
		s.valves = append(s.valves, &simValve{c: c, room: room, motor: motor})
	}
	return s
}

// advance moves the virtual clock forward by d in simStep increments
func (s *simulation) advance(d time.Duration) {
	for ; d > 0; d -= simStep {
		step := min(d, simStep)
		s.now = s.now.Add(step)
		for _, v := range s.valves {
			v.room.Step(v.motor.PercentOpen(), step)
			v.c.Step(s.now)
		}
		s.bridge.Step(s.now)
	}
}

// run advances the clock at speed times real time until ctx is done or
// the virtual duration has elapsed
func (s *simulation) run(ctx context.Context, speed float64, duration time.Duration, each func(now time.Time)) error {
	if err := s.bridge.Start(); err != nil {
		return err
	}
	if err := s.bridge.Discover(); err != nil {
		return err
	}
	if speed <= 0 {
		speed = 1
	}
	begin := s.now
	ticker := time.NewTicker(simStep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		s.advance(time.Duration(float64(simStep) * speed))
		if each != nil {
			each(s.now)
		}
		if duration > 0 && s.now.Sub(begin) >= duration {
			return nil
		}
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var broker gateway.Broker
	if simMQTT {
		b, err := gateway.DialMQTT(gateway.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID + "-sim",
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		broker = b
	}

	s := newSimulation(simValves, broker, nil)
	logger.WithFields(logrus.Fields{
		"valves": len(s.valves),
		"speed":  simSpeed,
		"mqtt":   simMQTT,
	}).Info("Simulation started")

	var lastStatus time.Time
	err := s.run(ctx, simSpeed, simDuration, func(now time.Time) {
		if now.Sub(lastStatus) < simStatusInterval {
			return
		}
		lastStatus = now
		for _, v := range s.valves {
			st := v.c.Status()
			logger.WithFields(logrus.Fields{
				"valve":    st.Address,
				"room":     fmt.Sprintf("%.2f", v.room.Temperature()),
				"setpoint": st.Setpoint,
				"state":    st.Valve.State,
				"open":     st.Valve.PercentOpen(),
				"faults":   st.Faults,
			}).Info("Valve status")
		}
	})

	sched, counters := s.bridge.Stats()
	logger.WithFields(logrus.Fields{
		"elapsed": s.now.Sub(s.start).Truncate(time.Second),
		"reports": counters.Accepted,
		"dropped": counters.Dropped(),
		"no_ack":  sched.NoAck,
		"valves":  len(s.bridge.Valves()),
	}).Info("Simulation finished")
	return err
}
