// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package coordinator runs a thermostat valve: it ticks the control loop,
// drives the network scheduler and routes application messages between
// the radio and the loop.
//
// All device state lives in one Coordinator. Step is the main loop body;
// the console and other goroutines read and change state through the
// exported methods, which serialize with Step.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
	"github.com/Thermoquad/thermovalve/pkg/netsched"
	"github.com/Thermoquad/thermovalve/pkg/radio"
	"github.com/Thermoquad/thermovalve/pkg/rfproto"
	"github.com/Thermoquad/thermovalve/pkg/security"
	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// Thermometer supplies the measured room temperature
type Thermometer interface {
	Read() valve.Temperature
}

// Actuator executes motor commands and returns the steps actually moved
type Actuator interface {
	Execute(cmd valve.Command) int
}

// Persister stores state that must survive a restart
type Persister interface {
	SaveBounds(valve.Bounds) error
	SaveSetpoint(valve.Temperature) error
}

// Device is the identity and operating state of this valve
type Device struct {
	Address     rfproto.Address
	Coordinator rfproto.Address
	Key         security.Key
	Setpoint    valve.Temperature
	Bounds      *valve.Bounds
}

// Options configures a Coordinator
type Options struct {
	Device Device

	// Radio is optional; without it the valve regulates standalone
	Radio         radio.Transport
	Queue         *radio.RxQueue
	Sequence      uint16
	SequenceStore rfproto.SequenceStore

	Thermometer Thermometer
	Actuator    Actuator
	Store       Persister

	Valve   valve.Config
	Network netsched.Config

	Tick           time.Duration
	Poll           time.Duration
	RxBudget       int
	ReportInterval time.Duration
	EventLogSize   int

	Logger logrus.FieldLogger
}

// Coordinator owns the device state and the components acting on it
type Coordinator struct {
	mu  sync.Mutex
	log logrus.FieldLogger

	dev    Device
	opts   Options
	loop   *valve.Loop
	engine *rfproto.Engine
	sched  *netsched.Scheduler
	radio  radio.Transport
	queue  *radio.RxQueue

	now        time.Time
	started    time.Time
	lastTick   time.Time
	nextReport time.Time
	report     *netsched.Transfer

	measured    valve.Temperature
	lastCmd     valve.Command
	lastState   valve.CalibrationState
	sensorFault bool
	faults      rfproto.Faults
	events      eventLog
}

// New creates a coordinator. The valve starts uncalibrated and homes on
// the first tick.
func New(opts Options) *Coordinator {
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Poll <= 0 {
		opts.Poll = 20 * time.Millisecond
	}
	if opts.RxBudget <= 0 {
		opts.RxBudget = 4
	}
	if opts.Valve == (valve.Config{}) {
		opts.Valve = valve.DefaultConfig()
	}
	if opts.Network == (netsched.Config{}) {
		opts.Network = netsched.DefaultConfig()
	}
	if !opts.Device.Setpoint.Valid() {
		opts.Device.Setpoint = valve.DefaultTemperature
	}

	c := &Coordinator{
		log:    logutil.OrDiscard(opts.Logger).WithField("addr", opts.Device.Address),
		dev:    opts.Device,
		opts:   opts,
		events: newEventLog(opts.EventLogSize),
	}
	c.loop = valve.NewLoop(opts.Valve, c.log)
	if b := opts.Device.Bounds; b != nil {
		c.loop.RestoreBounds(*b)
	}

	if RadioSupport && opts.Radio != nil {
		engOpts := []rfproto.Option{rfproto.WithSequence(opts.Sequence)}
		if cipher := security.Default(opts.Device.Key); cipher != nil {
			engOpts = append(engOpts, rfproto.WithCipher(cipher))
		}
		if opts.SequenceStore != nil {
			engOpts = append(engOpts, rfproto.WithSequenceStore(opts.SequenceStore))
		}
		c.engine = rfproto.NewEngine(opts.Device.Address, engOpts...)
		c.sched = netsched.New(c.engine, opts.Radio, opts.Network, c.log)
		c.radio = opts.Radio
		c.queue = opts.Queue
		if c.queue == nil {
			c.queue = radio.NewRxQueue(radio.DefaultQueueSize)
		}
	}
	return c
}

// Queue returns the receive queue the radio delivers into, nil without a radio
func (c *Coordinator) Queue() *radio.RxQueue {
	return c.queue
}

// Step runs one pass of the main loop: the control tick when due, then the
// scheduler, then at most RxBudget received frames.
func (c *Coordinator) Step(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = now
	if c.started.IsZero() {
		c.started = now
		c.nextReport = now
	}
	if c.lastTick.IsZero() || now.Sub(c.lastTick) >= c.opts.Tick {
		c.controlTick(now)
	}
	if c.sched == nil {
		return
	}
	c.maybeReport(now)
	c.sched.Tick(now)
	for i := 0; i < c.opts.RxBudget; i++ {
		f, ok := c.queue.Pop()
		if !ok {
			break
		}
		c.receive(f, now)
	}
}

// Run drives Step until ctx is done. When the radio is also a Listener its
// receive loop runs alongside.
func (c *Coordinator) Run(ctx context.Context) error {
	if l, ok := c.radio.(radio.Listener); ok {
		go func() {
			if err := l.Listen(ctx, c.queue); err != nil {
				c.log.WithError(err).Error("Radio listener stopped")
			}
		}()
	}

	ticker := time.NewTicker(c.opts.Poll)
	defer ticker.Stop()

	var wake <-chan struct{}
	if c.queue != nil {
		wake = c.queue.Wake()
	}
	c.log.WithFields(logrus.Fields{
		"coordinator": c.dev.Coordinator,
		"secured":     c.engine != nil && c.engine.Secured(),
		"radio":       c.sched != nil,
	}).Info("Coordinator running")

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			c.Step(now)
		case <-wake:
			c.Step(time.Now())
		}
	}
}

func (c *Coordinator) controlTick(now time.Time) {
	var elapsed time.Duration
	if !c.lastTick.IsZero() {
		elapsed = now.Sub(c.lastTick)
	}
	c.lastTick = now

	if c.opts.Thermometer != nil {
		c.measured = c.opts.Thermometer.Read()
	}
	cmd := c.loop.Tick(c.dev.Setpoint, c.measured, elapsed)
	c.lastCmd = cmd
	c.noteSensor(cmd.Fault, now)

	if c.opts.Actuator != nil {
		moved := c.opts.Actuator.Execute(cmd)
		c.reportMotion(moved, now)
	}
	c.noteState(now)
}

func (c *Coordinator) noteSensor(fault error, now time.Time) {
	out := errors.Is(fault, valve.ErrSensorOutOfRange)
	if out == c.sensorFault {
		return
	}
	c.sensorFault = out
	if out {
		c.faults |= rfproto.FaultSensorRange
		c.log.WithField("measured", c.measured).Warn("Sensor out of range, valve in fail-safe")
		c.addEvent(now, EventSensorRange, fault.Error())
		return
	}
	c.faults &^= rfproto.FaultSensorRange
	c.log.WithField("measured", c.measured).Info("Sensor back in range")
	c.addEvent(now, EventSensorRecovered, c.measured.String())
}

// ReportMotion feeds back steps moved by an external motor driver for the
// last command. Coordinators built with an Actuator do this themselves.
func (c *Coordinator) ReportMotion(moved int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.reportMotion(moved, c.now)
	c.noteState(c.now)
	return err
}

func (c *Coordinator) reportMotion(moved int, now time.Time) error {
	err := c.loop.ReportMotion(moved)
	if errors.Is(err, valve.ErrStallDetected) {
		c.faults |= rfproto.FaultStall
		c.addEvent(now, EventStall, fmt.Sprintf("commanded %s %d", c.lastCmd.Direction, c.lastCmd.Steps))
	}
	return err
}

// noteState records calibration transitions and persists new bounds
func (c *Coordinator) noteState(now time.Time) {
	state := c.loop.State()
	if state == c.lastState {
		return
	}
	prev := c.lastState
	c.lastState = state

	switch state {
	case valve.Calibrated:
		b := c.loop.Snapshot().Bounds
		c.faults &^= rfproto.FaultStall | rfproto.FaultCalibration
		c.addEvent(now, EventCalibrated, fmt.Sprintf("span %d steps", b.Span()))
		if c.dev.Bounds == nil || *c.dev.Bounds != b {
			c.dev.Bounds = &b
			if c.opts.Store != nil {
				if err := c.opts.Store.SaveBounds(b); err != nil {
					c.log.WithError(err).Error("Failed to persist valve bounds")
				}
			}
		}
	case valve.Failed:
		c.faults |= rfproto.FaultCalibration
		c.addEvent(now, EventCalibrationFailed, fmt.Sprintf("after %d attempts", c.loop.Snapshot().Attempts))
	default:
		c.log.WithFields(logrus.Fields{"from": prev, "state": state}).Debug("Calibration state changed")
	}
}

func (c *Coordinator) addEvent(now time.Time, kind EventKind, detail string) {
	c.events.add(Event{Time: now, Kind: kind, Detail: detail})
}

// maybeReport queues the periodic status report to the network coordinator
func (c *Coordinator) maybeReport(now time.Time) {
	if c.opts.ReportInterval <= 0 || c.report != nil || now.Before(c.nextReport) {
		return
	}
	c.nextReport = now.Add(c.opts.ReportInterval)

	payload, err := rfproto.MarshalPayload(c.statusReport(now))
	if err != nil {
		c.log.WithError(err).Error("Failed to encode status report")
		return
	}
	t, err := c.sched.SendReliable(c.dev.Coordinator, rfproto.MsgStatusReport, payload, -1, c.reportDone)
	if err != nil {
		c.log.WithError(err).Warn("Status report not queued")
		return
	}
	c.report = t
}

// reportDone runs inside the scheduler, with c.mu held by Step
func (c *Coordinator) reportDone(t *netsched.Transfer) {
	c.report = nil
	now := c.now
	switch err := t.Err(); {
	case err == nil:
		if c.faults&rfproto.FaultNoAck != 0 {
			c.addEvent(now, EventReportDelivered, fmt.Sprintf("%d attempts", t.Attempts()))
		}
		c.faults &^= rfproto.FaultNoAck
	case errors.Is(err, netsched.ErrNoAck):
		c.log.WithFields(logrus.Fields{"peer": c.dev.Coordinator, "attempts": t.Attempts()}).Warn("Status report not acknowledged")
		c.faults |= rfproto.FaultNoAck
		c.addEvent(now, EventNoAck, err.Error())
	default:
		c.log.WithError(err).Warn("Status report failed")
	}
}

func (c *Coordinator) statusReport(now time.Time) rfproto.StatusReport {
	snap := c.loop.Snapshot()
	return rfproto.StatusReport{
		Temperature: c.measured,
		Setpoint:    c.dev.Setpoint,
		Position:    uint8(snap.PercentOpen()),
		Calibration: uint8(snap.State),
		Faults:      c.faults,
		Uptime:      uint32(now.Sub(c.started) / time.Second),
	}
}
