// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package coordinator

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

func (c *Coordinator) receive(f radio.Frame, now time.Time) {
	msg, err := c.engine.Decode(f.Data)
	if err != nil {
		// Dropped frames are only counted
		c.log.WithFields(logrus.Fields{"kind": rfproto.KindOf(err), "rssi": f.RSSI}).WithError(err).Debug("Frame dropped")
		return
	}
	msg.RSSI = f.RSSI
	msg.Timestamp = f.Received
	c.route(msg, now)
}

func (c *Coordinator) route(msg rfproto.Message, now time.Time) {
	log := c.log.WithFields(logrus.Fields{
		"peer": msg.Source,
		"seq":  msg.Sequence,
		"type": rfproto.FormatMessageType(msg.Type),
	})

	switch msg.Type {
	case rfproto.MsgSetpointUpdate:
		u, err := rfproto.UnmarshalSetpointUpdate(msg)
		if err == nil {
			err = c.applySetpoint(u.Setpoint, msg.Source.String(), now)
		}
		if err != nil {
			log.WithError(err).Warn("Setpoint update rejected")
			c.addEvent(now, EventSetpointRejected, fmt.Sprintf("from %s: %v", msg.Source, err))
			c.ack(msg, rfproto.AckRejected)
			return
		}
		log.WithField("setpoint", u.Setpoint).Info("Setpoint updated")
		c.ack(msg, rfproto.AckAccepted)

	case rfproto.MsgStatusRequest:
		c.send(rfproto.NewStatusReport(msg.Source, c.statusReport(now)))

	case rfproto.MsgRecalibrate:
		log.Info("Recalibration requested")
		c.recalibrate(now, msg.Source.String())
		c.ack(msg, rfproto.AckAccepted)

	case rfproto.MsgAck:
		if !c.sched.HandleAck(msg) {
			log.Debug("Unmatched ACK")
		}

	default:
		log.Debug("Ignoring message")
	}
}

// ack answers unicast commands; broadcasts are never acknowledged
func (c *Coordinator) ack(msg rfproto.Message, status rfproto.AckStatus) {
	if msg.IsBroadcast() {
		return
	}
	c.send(rfproto.NewAck(msg.Source, msg.Sequence, status))
}

func (c *Coordinator) send(o rfproto.Outbound) {
	if err := c.sched.Send(o.Destination, o.Type, o.Payload); err != nil {
		c.log.WithError(err).WithField("type", rfproto.FormatMessageType(o.Type)).Warn("Send failed")
	}
}

func (c *Coordinator) applySetpoint(t valve.Temperature, source string, now time.Time) error {
	if !t.Valid() {
		return fmt.Errorf("setpoint %s: %w", t, valve.ErrTemperatureRange)
	}
	if t == c.dev.Setpoint {
		return nil
	}
	c.dev.Setpoint = t
	c.addEvent(now, EventSetpoint, fmt.Sprintf("%s from %s", t, source))
	if c.opts.Store != nil {
		if err := c.opts.Store.SaveSetpoint(t); err != nil {
			c.log.WithError(err).Error("Failed to persist setpoint")
		}
	}
	return nil
}

func (c *Coordinator) recalibrate(now time.Time, source string) {
	c.loop.Recalibrate()
	c.addEvent(now, EventRecalibrate, "requested by "+source)
	c.noteState(now)
}

// SetSetpoint changes the setpoint locally, as the console or UI does.
// Out-of-range values are rejected and leave the setpoint unchanged.
func (c *Coordinator) SetSetpoint(t valve.Temperature) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applySetpoint(t, "console", c.eventTime())
}

// Setpoint returns the active setpoint
func (c *Coordinator) Setpoint() valve.Temperature {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dev.Setpoint
}

// Recalibrate discards the valve bounds and homes again
func (c *Coordinator) Recalibrate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recalibrate(c.eventTime(), "console")
}

// Events returns the retained events, oldest first
func (c *Coordinator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.events.list()
}

func (c *Coordinator) eventTime() time.Time {
	if c.now.IsZero() {
		return time.Now()
	}
	return c.now
}

// Status is a point-in-time view of the device
type Status struct {
	Address     rfproto.Address
	Coordinator rfproto.Address
	Setpoint    valve.Temperature
	Measured    valve.Temperature
	Valve       valve.Snapshot
	Command     valve.Command
	Faults      rfproto.Faults
	Uptime      time.Duration

	Radio     bool
	Secured   bool
	Receiving bool
	Pending   int
	Sequence  uint16
	Counters  rfproto.Counters
	Network   netsched.Stats
	Overruns  uint64
	Events    uint64
}

// Status returns the current device status
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Address:     c.dev.Address,
		Coordinator: c.dev.Coordinator,
		Setpoint:    c.dev.Setpoint,
		Measured:    c.measured,
		Valve:       c.loop.Snapshot(),
		Command:     c.lastCmd,
		Faults:      c.faults,
		Events:      c.events.total,
	}
	if !c.started.IsZero() {
		s.Uptime = c.now.Sub(c.started)
	}
	if c.sched != nil {
		s.Radio = true
		s.Secured = c.engine.Secured()
		s.Receiving = c.sched.Receiving()
		s.Pending = c.sched.Pending()
		s.Sequence = c.engine.Sequence()
		s.Counters = c.engine.Counters()
		s.Network = c.sched.Stats()
		s.Overruns = c.queue.Overruns()
	}
	return s
}

// String renders the status as a single console line
func (s Status) String() string {
	return fmt.Sprintf("addr=%s setpoint=%s measured=%s valve=%s pos=%d%% demand=%d%% faults=%s uptime=%s",
		s.Address, s.Setpoint, s.Measured, s.Valve.State, s.Valve.PercentOpen(), s.Valve.Demand,
		s.Faults, s.Uptime.Truncate(time.Second))
}
