// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/thermovalve/pkg/security"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, Default(), c)

	sp, err := c.Setpoint()
	require.NoError(t, err)
	assert.Equal(t, valve.DefaultTemperature, sp)

	key, err := c.SecurityKey()
	require.NoError(t, err)
	assert.True(t, key.IsZero())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "thermovalve.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device:
  address: 34
  default_setpoint: "21.50"
security:
  key: deadbeef
valve:
  kp: 40
  failsafe_position: 30
network:
  ack_timeout: 250ms
  listen_period: 2s
  max_retries: 5
`), 0o600))

	c, err := Load(NewViper(), path)
	require.NoError(t, err)
	assert.Equal(t, uint8(34), c.Device.Address)
	assert.Equal(t, uint8(0x01), c.Device.Coordinator, "unset keys keep defaults")
	assert.Equal(t, 40.0, c.Valve.Gains.Kp)
	assert.Equal(t, valve.DefaultGains.Ki, c.Valve.Gains.Ki)
	assert.Equal(t, 30, c.Valve.FailsafeDemand)
	assert.Equal(t, 250*time.Millisecond, c.Network.AckTimeout)
	assert.Equal(t, 2*time.Second, c.Network.Listen.Period)
	assert.Equal(t, 5, c.Network.MaxRetries)

	key, err := c.SecurityKey()
	require.NoError(t, err)
	assert.Equal(t, security.Key{0xDE, 0xAD, 0xBE, 0xEF}, key)

	sp, _ := c.Setpoint()
	assert.Equal(t, valve.Temperature(2150), sp)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("THERMOVALVE_DEVICE_ADDRESS", "48")
	t.Setenv("THERMOVALVE_CONTROL_TICK", "2s")
	t.Setenv("THERMOVALVE_MQTT_TOPIC_PREFIX", "heating")

	c, err := Load(NewViper(), "")
	require.NoError(t, err)
	assert.Equal(t, uint8(48), c.Device.Address)
	assert.Equal(t, 2*time.Second, c.Control.Tick)
	assert.Equal(t, "heating", c.MQTT.TopicPrefix)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  any
	}{
		{"broadcast address", "device.address", 0xFF},
		{"unconfigured coordinator", "device.coordinator", 0},
		{"short key", "security.key", "abc"},
		{"setpoint out of range", "device.default_setpoint", "45"},
		{"zero tick", "control.tick", 0},
		{"failsafe above 100", "valve.failsafe_position", 150},
		{"zero ack timeout", "network.ack_timeout", 0},
		{"zero listen window", "network.listen_window", 0},
		{"negative listen period", "network.listen_period", "-1s"},
		{"peer period without window", "network.peer.listen_period", "1s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewViper()
			v.Set(tt.key, tt.val)
			_, err := Load(v, "")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
