// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads thermovalve settings from an optional file and
// THERMOVALVE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/security"
	"github.com/Thermoquad/thermovalve/pkg/sim"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// EnvPrefix is prepended to environment variable names
const EnvPrefix = "THERMOVALVE"

// Device identifies the valve on the network
type Device struct {
	Address         uint8  `mapstructure:"address"`
	Coordinator     uint8  `mapstructure:"coordinator"`
	DefaultSetpoint string `mapstructure:"default_setpoint"`
}

// Control holds the main loop timing
type Control struct {
	Tick     time.Duration `mapstructure:"tick"`
	RxBudget int           `mapstructure:"rx_budget"`
}

// Network holds scheduler and reporting settings
type Network struct {
	netsched.Config `mapstructure:",squash"`
	ReportInterval  time.Duration `mapstructure:"report_interval"`
}

// Serial is the UART used for the radio modem or the console
type Serial struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// MQTT configures the gateway bridge
type MQTT struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Security holds the pre-shared network key as 8 hex digits
type Security struct {
	Key string `mapstructure:"key"`
}

// Store locates the persistent state files. Path holds the valve record;
// HubPath holds the network coordinator's sequence counter for the gateway
// and the CLI commands that transmit.
type Store struct {
	Path    string `mapstructure:"path"`
	HubPath string `mapstructure:"hub_path"`
}

// Config is the complete configuration
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Device   Device         `mapstructure:"device"`
	Security Security       `mapstructure:"security"`
	Control  Control        `mapstructure:"control"`
	Valve    valve.Config   `mapstructure:"valve"`
	Network  Network        `mapstructure:"network"`
	Serial   Serial         `mapstructure:"serial"`
	MQTT     MQTT           `mapstructure:"mqtt"`
	Store    Store          `mapstructure:"store"`
	Room     sim.RoomConfig `mapstructure:"room"`
}

// Default returns the built-in configuration
func Default() Config {
	var c Config
	c.LogLevel = "info"
	c.Device = Device{Address: 0x21, Coordinator: 0x01, DefaultSetpoint: "20.00"}
	c.Control = Control{Tick: time.Second, RxBudget: 4}
	c.Valve = valve.DefaultConfig()
	c.Network = Network{Config: netsched.DefaultConfig(), ReportInterval: time.Minute}
	c.Serial = Serial{Baud: 115200}
	c.MQTT = MQTT{Broker: "tcp://localhost:1883", ClientID: "thermovalve", TopicPrefix: "thermovalve"}
	c.Store = Store{Path: "thermovalve.state", HubPath: "thermovalve-hub.state"}
	c.Room = sim.DefaultRoomConfig()
	return c
}

// NewViper returns a viper instance carrying every default, bound to the
// environment. Callers may bind command line flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	d := Default()
	for key, val := range map[string]any{
		"log_level":                  d.LogLevel,
		"device.address":             d.Device.Address,
		"device.coordinator":         d.Device.Coordinator,
		"device.default_setpoint":    d.Device.DefaultSetpoint,
		"security.key":               "",
		"control.tick":               d.Control.Tick,
		"control.rx_budget":          d.Control.RxBudget,
		"valve.kp":                   d.Valve.Gains.Kp,
		"valve.ki":                   d.Valve.Gains.Ki,
		"valve.kd":                   d.Valve.Gains.Kd,
		"valve.failsafe_position":    d.Valve.FailsafeDemand,
		"valve.homing_step":          d.Valve.HomingStep,
		"valve.max_travel":           d.Valve.MaxTravel,
		"valve.min_span":             d.Valve.MinSpan,
		"valve.calibration_attempts": d.Valve.CalibrationAttempts,
		"valve.deadband":             d.Valve.Deadband,
		"network.ack_timeout":        d.Network.AckTimeout,
		"network.max_retries":        d.Network.MaxRetries,
		"network.listen_period":      d.Network.Listen.Period,
		"network.listen_window":      d.Network.Listen.Window,
		"network.listen_offset":      d.Network.Listen.Offset,
		"network.backoff_min":        d.Network.BackoffMin,
		"network.backoff_max":        d.Network.BackoffMax,
		"network.max_backoffs":       d.Network.MaxBackoffs,
		"network.queue_limit":        d.Network.QueueLimit,
		"network.report_interval":    d.Network.ReportInterval,
		"serial.port":                d.Serial.Port,
		"serial.baud":                d.Serial.Baud,
		"mqtt.broker":                d.MQTT.Broker,
		"mqtt.client_id":             d.MQTT.ClientID,
		"mqtt.username":              d.MQTT.Username,
		"mqtt.password":              d.MQTT.Password,
		"mqtt.topic_prefix":          d.MQTT.TopicPrefix,
		"store.path":                 d.Store.Path,
		"store.hub_path":             d.Store.HubPath,
		"room.initial":               d.Room.Initial,
		"room.outside":               d.Room.Outside,
		"room.radiator":              d.Room.Radiator,
		"room.heat_rate":             d.Room.HeatRate,
		"room.loss_rate":             d.Room.LossRate,
	} {
		v.SetDefault(key, val)
	}
	return v
}

// Load reads path (when non-empty) into v and decodes the result
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values that would otherwise fail deep inside a component
func (c Config) Validate() error {
	var errs []error
	if !rfproto.Address(c.Device.Address).IsUnicast() {
		errs = append(errs, fmt.Errorf("device.address %s is not a unicast address", rfproto.Address(c.Device.Address)))
	}
	if !rfproto.Address(c.Device.Coordinator).IsUnicast() {
		errs = append(errs, fmt.Errorf("device.coordinator %s is not a unicast address", rfproto.Address(c.Device.Coordinator)))
	}
	if _, err := c.SecurityKey(); err != nil {
		errs = append(errs, fmt.Errorf("security.key: %w", err))
	}
	if _, err := c.Setpoint(); err != nil {
		errs = append(errs, fmt.Errorf("device.default_setpoint: %w", err))
	}
	if c.Control.Tick <= 0 {
		errs = append(errs, fmt.Errorf("control.tick must be positive"))
	}
	if c.Network.AckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("network.ack_timeout must be positive"))
	}
	if err := c.Network.Listen.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("network.listen: %w", err))
	}
	if err := c.Network.PeerListen.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("network.peer: %w", err))
	}
	if c.Valve.FailsafeDemand > valve.OutputMax {
		errs = append(errs, fmt.Errorf("valve.failsafe_position %d above %d", c.Valve.FailsafeDemand, valve.OutputMax))
	}
	return errors.Join(errs...)
}

// SecurityKey returns the parsed network key; empty means unsecured
func (c Config) SecurityKey() (security.Key, error) {
	if c.Security.Key == "" {
		return security.Key{}, nil
	}
	return security.ParseKey(c.Security.Key)
}

// Setpoint returns the parsed default setpoint
func (c Config) Setpoint() (valve.Temperature, error) {
	return valve.ParseTemperature(c.Device.DefaultSetpoint)
}
