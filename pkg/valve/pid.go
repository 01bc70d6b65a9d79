// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package valve

import "time"

// Actuator output range in percent open
const (
	OutputMin = 0
	OutputMax = 100
)

// Gains are the PID coefficients. Error is measured in degrees and
// output in percent open, so Kp is %/°, Ki is %/(°·s) and Kd is %·s/°.
type Gains struct {
	Kp float64 `mapstructure:"kp"`
	Ki float64 `mapstructure:"ki"`
	Kd float64 `mapstructure:"kd"`
}

// DefaultGains are tuned for a typical panel radiator
var DefaultGains = Gains{Kp: 25, Ki: 0.02, Kd: 0}

// PIDState is the regulator memory carried across ticks
type PIDState struct {
	Integral  float64
	PrevError float64
	primed    bool
}

// PID is a positional PID regulator with integral clamping
type PID struct {
	gains Gains
	state PIDState
}

// NewPID creates a regulator with the given gains
func NewPID(g Gains) *PID {
	return &PID{gains: g}
}

// Update advances the regulator by one sample and returns the output
// clamped to [OutputMin, OutputMax].
func (p *PID) Update(errDeg float64, dt time.Duration) float64 {
	seconds := dt.Seconds()
	if seconds < 0 {
		seconds = 0
	}

	out := p.gains.Kp * errDeg

	p.state.Integral = clamp(p.state.Integral+errDeg*seconds*p.gains.Ki, OutputMin, OutputMax)
	out += p.state.Integral

	if DerivativeEnabled && p.state.primed && seconds > 0 {
		out += (errDeg - p.state.PrevError) / seconds * p.gains.Kd
	}

	// Tracked even when the derivative term is compiled out
	p.state.PrevError = errDeg
	p.state.primed = true

	return clamp(out, OutputMin, OutputMax)
}

// Reset clears the integral and derivative history
func (p *PID) Reset() {
	p.state = PIDState{}
}

// State returns the regulator memory
func (p *PID) State() PIDState {
	return p.state
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
