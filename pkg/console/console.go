// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package console implements the valve's line-oriented serial console.
// Every request line gets exactly one response line.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
	"github.com/Thermoquad/thermovalve/pkg/coordinator"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// maxLine bounds a request line; longer input is discarded
const maxLine = 128

// maxEvents is the number of events listed by the events command
const maxEvents = 8

// Device is the console's view of the running valve
type Device interface {
	Status() coordinator.Status
	Setpoint() valve.Temperature
	SetSetpoint(valve.Temperature) error
	Recalibrate()
	Events() []coordinator.Event
}

// Console executes console commands against a Device
type Console struct {
	dev     Device
	version string
	log     logrus.FieldLogger
}

// New creates a console
func New(dev Device, version string, log logrus.FieldLogger) *Console {
	return &Console{dev: dev, version: version, log: logutil.OrDiscard(log).WithField("component", "console")}
}

const helpText = "commands: status, get setpoint, set setpoint <degrees>, recal, events, version, help"

// Execute runs one request line and returns the response without a line
// terminator. Empty input yields an empty response.
func (c *Console) Execute(line string) string {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return ""
	}

	switch fields[0] {
	case "status":
		return c.dev.Status().String()

	case "get":
		if len(fields) == 2 && fields[1] == "setpoint" {
			return "setpoint " + c.dev.Setpoint().String()
		}

	case "set":
		if len(fields) == 3 && fields[1] == "setpoint" {
			t, err := valve.ParseTemperature(fields[2])
			if err != nil {
				return "error: " + err.Error()
			}
			if err := c.dev.SetSetpoint(t); err != nil {
				return "error: " + err.Error()
			}
			c.log.WithField("setpoint", t).Info("Setpoint set from console")
			return "ok setpoint " + t.String()
		}

	case "recal":
		c.dev.Recalibrate()
		return "ok recalibrating"

	case "events":
		events := c.dev.Events()
		if len(events) == 0 {
			return "no events"
		}
		if len(events) > maxEvents {
			events = events[len(events)-maxEvents:]
		}
		parts := make([]string, len(events))
		for i, e := range events {
			parts[i] = e.String()
		}
		return strings.Join(parts, "; ")

	case "version":
		return "thermovalve " + c.version

	case "help", "?":
		return helpText
	}
	return fmt.Sprintf("error: unknown command %q (try help)", strings.TrimSpace(line))
}

// Serve reads request lines from rw and writes one response line for each
// until ctx is cancelled or the stream ends. Reads that return no data, as
// a serial port with a read timeout does, are retried.
func (c *Console) Serve(ctx context.Context, rw io.ReadWriter) error {
	var line []byte
	overflow := false
	buf := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := rw.Read(buf)
		for _, b := range buf[:n] {
			switch {
			case b == '\r' || b == '\n':
				if overflow {
					overflow = false
					if werr := c.respond(rw, "error: line too long"); werr != nil {
						return werr
					}
				} else if len(line) > 0 {
					if werr := c.respond(rw, c.Execute(string(line))); werr != nil {
						return werr
					}
				}
				line = line[:0]
			case overflow:
			case len(line) >= maxLine:
				overflow = true
				line = line[:0]
			default:
				line = append(line, b)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("console read: %w", err)
		}
	}
}

func (c *Console) respond(w io.Writer, resp string) error {
	if _, err := io.WriteString(w, resp+"\r\n"); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	return nil
}
