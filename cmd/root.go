// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/thermovalve/internal/logutil"
	"github.com/Thermoquad/thermovalve/pkg/config"
)

// version is overridden at link time
var version = "0.1.0"

var (
	// Connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool
	atModem       bool
	networkID     uint8

	configPath string

	// Populated before any subcommand runs
	cfg    config.Config
	logger *logrus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "thermovalve",
	Short: "Radiator valve thermostat network tools",
	Long: `Thermovalve - tools for running, simulating and monitoring a network of
battery powered radiator valve thermostats.

Connection modes:
  Serial bridge: --port /dev/ttyUSB0 [--baud 115200]
  AT modem:      --port /dev/ttyUSB0 --at-modem [--network-id 18]
  WebSocket:     --url ws://host/path [--username user]

For WebSocket authentication, the password is read from the THERMOVALVE_PASSWORD
environment variable, or prompted interactively if not set.

Settings are read from --config (YAML, TOML or JSON) and THERMOVALVE_* environment
variables, for example THERMOVALVE_SECURITY_KEY. The network key is deliberately
not accepted on the command line.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	flags := rootCmd.PersistentFlags()

	flags.StringP("port", "p", "", "Serial port device")
	flags.IntP("baud", "b", 115200, "Baud rate (serial bridge only)")
	flags.BoolVar(&atModem, "at-modem", false, "Port is a LoRa module speaking the AT command set")
	flags.Uint8Var(&networkID, "network-id", 18, "AT modem network ID")

	flags.StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	flags.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	flags.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	flags.StringVarP(&configPath, "config", "c", "", "Configuration file")
	flags.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	v := config.NewViper()
	for key, name := range map[string]string{
		"serial.port": "port",
		"serial.baud": "baud",
		"log_level":   "log-level",
	} {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}

	c, err := config.Load(v, configPath)
	if err != nil {
		return err
	}
	l, err := logutil.New(os.Stderr, c.LogLevel)
	if err != nil {
		return err
	}
	cfg = c
	logger = l
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
