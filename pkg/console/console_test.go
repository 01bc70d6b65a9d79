// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package console

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/thermovalve/pkg/coordinator"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

type fakeDevice struct {
	setpoint valve.Temperature
	recals   int
	events   []coordinator.Event
}

func (d *fakeDevice) Status() coordinator.Status {
	return coordinator.Status{Address: 0x21, Setpoint: d.setpoint, Measured: 1950}
}

func (d *fakeDevice) Setpoint() valve.Temperature { return d.setpoint }

func (d *fakeDevice) SetSetpoint(t valve.Temperature) error {
	if !t.Valid() {
		return valve.ErrTemperatureRange
	}
	d.setpoint = t
	return nil
}

func (d *fakeDevice) Recalibrate() { d.recals++ }

func (d *fakeDevice) Events() []coordinator.Event { return d.events }

func TestExecute(t *testing.T) {
	dev := &fakeDevice{setpoint: 2000}
	c := New(dev, "1.2.3", nil)

	tests := []struct {
		line string
		want string
	}{
		{"get setpoint", "setpoint 20.00"},
		{"  GET   SETPOINT ", "setpoint 20.00"},
		{"set setpoint 21.5", "ok setpoint 21.50"},
		{"get setpoint", "setpoint 21.50"},
		{"version", "thermovalve 1.2.3"},
		{"recal", "ok recalibrating"},
		{"events", "no events"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Execute(tt.line))
		})
	}
	assert.Equal(t, 1, dev.recals)
}

func TestExecute_Errors(t *testing.T) {
	dev := &fakeDevice{setpoint: 2000}
	c := New(dev, "dev", nil)

	for _, line := range []string{
		"set setpoint 45",
		"set setpoint warm",
		"set setpoint nan",
		"set setpoint",
		"get",
		"reboot",
	} {
		t.Run(line, func(t *testing.T) {
			assert.True(t, strings.HasPrefix(c.Execute(line), "error: "))
		})
	}
	assert.Equal(t, valve.Temperature(2000), dev.setpoint, "rejected input leaves the setpoint")
}

func TestExecute_StatusAndEvents(t *testing.T) {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	dev := &fakeDevice{setpoint: 2000}
	for i := 0; i < 10; i++ {
		dev.events = append(dev.events, coordinator.Event{Time: now, Kind: coordinator.EventStall})
	}
	dev.events = append(dev.events, coordinator.Event{Time: now, Kind: coordinator.EventNoAck, Detail: "4 attempts"})
	c := New(dev, "dev", nil)

	status := c.Execute("status")
	assert.Contains(t, status, "addr=0x21")
	assert.Contains(t, status, "setpoint=20.00")
	assert.NotContains(t, status, "\n")

	events := c.Execute("events")
	assert.Equal(t, maxEvents, strings.Count(events, "03:04:05"))
	assert.True(t, strings.HasSuffix(events, "no_ack: 4 attempts"))
	assert.NotContains(t, events, "\n")

	assert.Contains(t, c.Execute("help"), "set setpoint")
}

func TestServe(t *testing.T) {
	dev := &fakeDevice{setpoint: 2000}
	c := New(dev, "dev", nil)

	in := strings.NewReader("get setpoint\r\nset setpoint 19\n\n" + strings.Repeat("x", 300) + "\nversion\n")
	var out bytes.Buffer
	rw := struct {
		io.Reader
		io.Writer
	}{in, &out}

	require.NoError(t, c.Serve(context.Background(), rw))
	assert.Equal(t, "setpoint 20.00\r\nok setpoint 19.00\r\nerror: line too long\r\nthermovalve dev\r\n", out.String())
}

func TestServe_Cancelled(t *testing.T) {
	c := New(&fakeDevice{}, "dev", nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Serve(ctx, struct {
		io.Reader
		io.Writer
	}{strings.NewReader("status\n"), io.Discard}))
}
