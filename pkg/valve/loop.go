// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package valve implements the radiator valve control loop: a PID
// regulator producing a percent-open demand, a step position tracker bounded
// by calibrated stops, and the homing state machine that finds those stops.
//
// The loop never drives the motor itself. Each Tick returns a Command for the
// motor driver, and the driver reports the steps actually moved through
// ReportMotion before the next tick. A move of zero steps on a non-zero
// command is a stall.
package valve

import (
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// Direction is the motor drive direction
type Direction uint8

// Directions
const (
	Stop Direction = iota
	Open
	Close
)

func (d Direction) String() string {
	switch d {
	case Stop:
		return "STOP"
	case Open:
		return "OPEN"
	case Close:
		return "CLOSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(d))
	}
}

// Command is the motor drive request produced by one tick
type Command struct {
	Direction Direction
	Steps     int
	Demand    int   // regulator output, percent open
	Fault     error // condition raised on this tick, nil when healthy
}

func (c Command) String() string {
	if c.Fault != nil {
		return fmt.Sprintf("%s %d (demand %d%%, fault: %v)", c.Direction, c.Steps, c.Demand, c.Fault)
	}
	return fmt.Sprintf("%s %d (demand %d%%)", c.Direction, c.Steps, c.Demand)
}

// Config holds the control loop tunables
type Config struct {
	Gains Gains `mapstructure:",squash"`

	// FailsafeDemand is the percent open held while the sensor is out of
	// range. Negative stops the motor where it is.
	FailsafeDemand int `mapstructure:"failsafe_position"`

	HomingStep          int `mapstructure:"homing_step"`
	MaxTravel           int `mapstructure:"max_travel"`
	MinSpan             int `mapstructure:"min_span"`
	CalibrationAttempts int `mapstructure:"calibration_attempts"`
	Deadband            int `mapstructure:"deadband"`
}

// DefaultConfig returns tunables for a typical thermostatic valve head
func DefaultConfig() Config {
	return Config{
		Gains:               DefaultGains,
		FailsafeDemand:      -1,
		HomingStep:          20,
		MaxTravel:           2000,
		MinSpan:             100,
		CalibrationAttempts: 3,
		Deadband:            2,
	}
}

// Snapshot is a copy of the loop state for reporting
type Snapshot struct {
	State    CalibrationState
	Position int
	Bounds   Bounds
	Demand   int
	PID      PIDState
	Attempts int
}

// PercentOpen returns the position as percent open, zero when uncalibrated
func (s Snapshot) PercentOpen() int {
	if s.State != Calibrated {
		return 0
	}
	return s.Bounds.PercentOpen(s.Position)
}

// Loop is the valve control loop. It is not safe for concurrent use.
type Loop struct {
	cfg    Config
	pid    *PID
	log    logrus.FieldLogger
	state  CalibrationState
	bounds Bounds
	pos    int
	demand int
	homing homing
	last   Command
	// fault raised by ReportMotion, carried on the next command
	pending error
}

// NewLoop creates an uncalibrated control loop. A nil logger discards output.
func NewLoop(cfg Config, log logrus.FieldLogger) *Loop {
	if cfg.HomingStep <= 0 {
		cfg.HomingStep = DefaultConfig().HomingStep
	}
	if cfg.CalibrationAttempts <= 0 {
		cfg.CalibrationAttempts = 1
	}
	return &Loop{
		cfg: cfg,
		pid: NewPID(cfg.Gains),
		log: logutil.OrDiscard(log).WithField("component", "valve"),
	}
}

// Tick runs one control period.
//
// Out-of-range inputs put the loop in fail-safe and leave the regulator
// state untouched. Uncalibrated loops home before regulating.
func (l *Loop) Tick(setpoint, measured Temperature, elapsed time.Duration) Command {
	cmd := l.tick(setpoint, measured, elapsed)
	if l.pending != nil && cmd.Fault == nil {
		cmd.Fault = l.pending
	}
	l.pending = nil
	l.last = cmd
	return cmd
}

func (l *Loop) tick(setpoint, measured Temperature, elapsed time.Duration) Command {
	if !setpoint.Valid() || !measured.Valid() {
		cmd := l.failsafe()
		cmd.Fault = fmt.Errorf("%w: setpoint %s, measured %s", ErrSensorOutOfRange, setpoint, measured)
		return cmd
	}

	switch l.state {
	case Uncalibrated:
		l.state = Homing
		l.homing.restart()
		l.log.WithField("attempt", l.homing.attempts+1).Info("Homing valve")
		return l.homing.command(l.cfg.HomingStep)
	case Homing:
		return l.homing.command(l.cfg.HomingStep)
	case Failed:
		return Command{Direction: Stop, Fault: ErrCalibrationFailed}
	}

	errDeg := float64(setpoint-measured) / 100
	l.demand = int(math.Round(l.pid.Update(errDeg, elapsed)))
	return l.moveTo(l.bounds.PositionFor(l.demand))
}

func (l *Loop) moveTo(target int) Command {
	cmd := Command{Direction: Stop, Demand: l.demand}
	delta := target - l.pos
	if delta >= -l.cfg.Deadband && delta <= l.cfg.Deadband {
		return cmd
	}
	if delta > 0 {
		cmd.Direction = Open
		cmd.Steps = l.bounds.Limit(l.pos, Open, delta)
	} else {
		cmd.Direction = Close
		cmd.Steps = l.bounds.Limit(l.pos, Close, -delta)
	}
	if cmd.Steps == 0 {
		cmd.Direction = Stop
	}
	return cmd
}

func (l *Loop) failsafe() Command {
	if l.state != Calibrated || l.cfg.FailsafeDemand < 0 {
		return Command{Direction: Stop, Demand: l.demand}
	}
	l.demand = l.cfg.FailsafeDemand
	return l.moveTo(l.bounds.PositionFor(l.cfg.FailsafeDemand))
}

// ReportMotion feeds back the steps the motor actually moved for the last
// command. It returns ErrStallDetected when a calibrated valve stalls and
// ErrCalibrationFailed when homing gives up; both are also carried on the
// next command.
func (l *Loop) ReportMotion(moved int) error {
	cmd := l.last
	l.last = Command{}
	if cmd.Direction == Stop || cmd.Steps <= 0 {
		return nil
	}
	if moved < 0 {
		moved = 0
	}
	if moved > cmd.Steps {
		moved = cmd.Steps
	}

	switch l.state {
	case Homing:
		return l.homingMotion(cmd.Direction, moved)
	case Calibrated:
		if moved == 0 {
			l.log.WithFields(logrus.Fields{"position": l.pos, "direction": cmd.Direction}).Warn("Valve stalled, recalibrating")
			l.invalidate()
			l.pending = ErrStallDetected
			return ErrStallDetected
		}
		l.advance(cmd.Direction, moved)
	}
	return nil
}

func (l *Loop) advance(d Direction, moved int) {
	if d == Open {
		l.pos += moved
	} else {
		l.pos -= moved
	}
	if l.state == Calibrated {
		if l.pos < l.bounds.Min {
			l.pos = l.bounds.Min
		}
		if l.pos > l.bounds.Max {
			l.pos = l.bounds.Max
		}
	}
}

func (l *Loop) homingMotion(d Direction, moved int) error {
	h := &l.homing
	if moved > 0 {
		l.advance(d, moved)
		h.travel += moved
		if h.travel > l.cfg.MaxTravel {
			return l.attemptFailed(fmt.Sprintf("no stop within %d steps", l.cfg.MaxTravel))
		}
		return nil
	}

	switch h.phase {
	case seekClosed:
		l.pos = 0
		if h.known != nil && h.known.Span() >= l.cfg.MinSpan {
			l.calibrated(Bounds{Min: 0, Max: h.known.Span()})
			return nil
		}
		h.phase = seekOpen
		h.travel = 0
		return nil
	default:
		span := l.pos
		if span < l.cfg.MinSpan {
			return l.attemptFailed(fmt.Sprintf("span %d below minimum %d", span, l.cfg.MinSpan))
		}
		l.calibrated(Bounds{Min: 0, Max: span})
		return nil
	}
}

func (l *Loop) calibrated(b Bounds) {
	l.bounds = b
	l.state = Calibrated
	l.homing.attempts = 0
	l.pid.Reset()
	l.log.WithFields(logrus.Fields{"min": b.Min, "max": b.Max}).Info("Valve calibrated")
}

func (l *Loop) attemptFailed(reason string) error {
	h := &l.homing
	h.attempts++
	h.known = nil
	log := l.log.WithFields(logrus.Fields{"attempt": h.attempts, "reason": reason})
	if h.attempts >= l.cfg.CalibrationAttempts {
		l.state = Failed
		log.Error("Valve calibration failed")
		err := fmt.Errorf("%w after %d attempts: %s", ErrCalibrationFailed, h.attempts, reason)
		l.pending = err
		return err
	}
	log.Warn("Calibration attempt failed, retrying")
	h.restart()
	return nil
}

func (l *Loop) invalidate() {
	l.state = Uncalibrated
	l.pos = 0
	l.demand = 0
	l.pid.Reset()
}

// Recalibrate discards the current bounds and homes again on the next tick.
// It also clears a Failed state.
func (l *Loop) Recalibrate() {
	l.homing.attempts = 0
	l.invalidate()
}

// RestoreBounds supplies bounds from persistent storage. The valve still
// homes to the closed stop to recover its zero reference, but skips the
// span measurement when the stored span is plausible.
func (l *Loop) RestoreBounds(b Bounds) {
	if b.Span() <= 0 {
		return
	}
	l.homing.known = &b
}

// State returns the calibration state
func (l *Loop) State() CalibrationState {
	return l.state
}

// Snapshot returns a copy of the loop state
func (l *Loop) Snapshot() Snapshot {
	return Snapshot{
		State:    l.state,
		Position: l.pos,
		Bounds:   l.bounds,
		Demand:   l.demand,
		PID:      l.pid.State(),
		Attempts: l.homing.attempts,
	}
}
