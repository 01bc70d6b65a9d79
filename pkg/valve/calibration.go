// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package valve

import "fmt"

// CalibrationState is the valve travel calibration state
type CalibrationState uint8

// Calibration states
const (
	Uncalibrated CalibrationState = iota
	Homing
	Calibrated
	Failed
)

func (s CalibrationState) String() string {
	switch s {
	case Uncalibrated:
		return "UNCALIBRATED"
	case Homing:
		return "HOMING"
	case Calibrated:
		return "CALIBRATED"
	case Failed:
		return "FAILED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

// Valid reports whether s is a known state
func (s CalibrationState) Valid() bool {
	return s <= Failed
}

// Bounds are the calibrated mechanical stops in motor steps
type Bounds struct {
	Min int `cbor:"0,keyasint"`
	Max int `cbor:"1,keyasint"`
}

// Span returns the travel between the stops
func (b Bounds) Span() int {
	return b.Max - b.Min
}

// Contains reports whether position lies within the stops
func (b Bounds) Contains(position int) bool {
	return position >= b.Min && position <= b.Max
}

// Limit truncates a move of steps in direction d from position so that the
// result stays within the stops. It returns the permitted step count.
func (b Bounds) Limit(position int, d Direction, steps int) int {
	if steps <= 0 {
		return 0
	}
	var room int
	switch d {
	case Open:
		room = b.Max - position
	case Close:
		room = position - b.Min
	default:
		return 0
	}
	if room < 0 {
		room = 0
	}
	if steps > room {
		return room
	}
	return steps
}

// PositionFor maps a demand in percent to a step position within the stops
func (b Bounds) PositionFor(demand int) int {
	if demand <= OutputMin {
		return b.Min
	}
	if demand >= OutputMax {
		return b.Max
	}
	return b.Min + demand*b.Span()/OutputMax
}

// PercentOpen maps a step position to percent open
func (b Bounds) PercentOpen(position int) int {
	if b.Span() <= 0 {
		return 0
	}
	p := (position - b.Min) * OutputMax / b.Span()
	if p < OutputMin {
		return OutputMin
	}
	if p > OutputMax {
		return OutputMax
	}
	return p
}

type homingPhase uint8

const (
	seekClosed homingPhase = iota
	seekOpen
)

// homing drives to the closed stop to find the zero reference, then to the
// open stop to measure the span. A known span skips the second pass.
type homing struct {
	phase    homingPhase
	travel   int
	attempts int
	known    *Bounds
}

func (h *homing) restart() {
	h.phase = seekClosed
	h.travel = 0
}

func (h *homing) command(step int) Command {
	d := Close
	if h.phase == seekOpen {
		d = Open
	}
	return Command{Direction: d, Steps: step}
}
