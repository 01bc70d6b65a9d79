// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/pkg/gateway"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/store"
)

var (
	gatewayStatsInterval int
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Bridge the valve network to an MQTT broker",
	Long: `Run as the network coordinator: acknowledge status reports, publish them to
MQTT and forward setpoint commands from MQTT to the valves.

Topics use mqtt.topic_prefix (default "thermovalve") and the valve address as
two hex digits:

  thermovalve/21/temperature      retained
  thermovalve/21/setpoint         retained
  thermovalve/21/position         retained
  thermovalve/21/state            retained
  thermovalve/21/faults           retained
  thermovalve/21/rssi             retained
  thermovalve/21/setpoint/set     publish a temperature here to change it
  thermovalve/21/setpoint/result  ok, rejected, no_ack or an error

The broker is set with mqtt.broker (THERMOVALVE_MQTT_BROKER).`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
	gatewayCmd.Flags().IntVar(&gatewayStatsInterval, "stats-interval", 60, "Seconds between statistics log lines (0 disables)")
}

func runGateway(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	broker, err := gateway.DialMQTT(gateway.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
	}, logger)
	if err != nil {
		return err
	}
	defer broker.Close()

	local := rfproto.Address(cfg.Device.Coordinator)
	conn, connInfo, err := OpenConnection(ctx, local)
	if err != nil {
		return err
	}
	defer conn.Close()

	st, err := store.Open(cfg.Store.HubPath)
	if err != nil {
		return err
	}
	key, _ := cfg.SecurityKey()
	b := gateway.New(gateway.Options{
		Address:       local,
		Key:           key,
		Radio:         conn,
		Network:       cfg.Network.Config,
		Broker:        broker,
		TopicPrefix:   cfg.MQTT.TopicPrefix,
		RxBudget:      cfg.Control.RxBudget,
		Logger:        logger,
		Sequence:      st.State().Sequence,
		SequenceStore: st,
	})

	logger.WithFields(logrus.Fields{
		"connection": connInfo,
		"broker":     cfg.MQTT.Broker,
		"prefix":     cfg.MQTT.TopicPrefix,
		"secured":    !key.IsZero(),
		"sequence":   st.State().Sequence,
	}).Info("Gateway started")

	if gatewayStatsInterval > 0 {
		go logGatewayStats(ctx, b, time.Duration(gatewayStatsInterval)*time.Second)
	}
	return b.Run(ctx)
}

func logGatewayStats(ctx context.Context, b *gateway.Bridge, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sched, counters := b.Stats()
			logger.WithFields(logrus.Fields{
				"valves":      len(b.Valves()),
				"transmitted": sched.Transmitted,
				"retries":     sched.Retries,
				"no_ack":      sched.NoAck,
				"accepted":    counters.Accepted,
				"dropped":     counters.Dropped(),
			}).Info("Gateway statistics")
		}
	}
}
