// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package netsched

import (
	"errors"
	"fmt"
	"time"
)

// ListenSchedule is a periodic receive window aligned to the Unix epoch so
// that every device sharing a clock wakes at the same instants.
type ListenSchedule struct {
	Period time.Duration `mapstructure:"listen_period"`
	Window time.Duration `mapstructure:"listen_window"`
	Offset time.Duration `mapstructure:"listen_offset"`
}

// AlwaysOn reports whether the schedule keeps the receiver permanently on.
// A schedule with a period but no window is treated as always on, so
// traffic held for a peer window is never held forever.
func (s ListenSchedule) AlwaysOn() bool {
	return s.Period <= 0 || s.Window <= 0 || s.Window >= s.Period
}

// Validate rejects schedules that cannot be followed as configured
func (s ListenSchedule) Validate() error {
	switch {
	case s.Period < 0 || s.Window < 0 || s.Offset < 0:
		return errors.New("listen durations must not be negative")
	case s.Period > 0 && s.Window == 0:
		return fmt.Errorf("listen window must be positive when the period is %v", s.Period)
	}
	return nil
}

func (s ListenSchedule) phase(now time.Time) time.Duration {
	p := (now.UnixNano() - int64(s.Offset)) % int64(s.Period)
	if p < 0 {
		p += int64(s.Period)
	}
	return time.Duration(p)
}

// Active reports whether now falls inside a listen window
func (s ListenSchedule) Active(now time.Time) bool {
	if s.AlwaysOn() {
		return true
	}
	return s.phase(now) < s.Window
}

// NextWake returns the start of the next listen window, or now when a
// window is open.
func (s ListenSchedule) NextWake(now time.Time) time.Time {
	if s.Active(now) {
		return now
	}
	return now.Add(s.Period - s.phase(now))
}

// DutyCycle returns the fraction of time the receiver is on
func (s ListenSchedule) DutyCycle() float64 {
	if s.AlwaysOn() {
		return 1
	}
	return float64(s.Window) / float64(s.Period)
}
