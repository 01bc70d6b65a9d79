// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package valve

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Temperature is a fixed-point temperature in hundredths of a degree
// (2000 = 20.00°).
type Temperature int16

// Valid temperature range for setpoints and measurements
const (
	MinTemperature     Temperature = 0
	MaxTemperature     Temperature = 4000
	DefaultTemperature Temperature = 2000
)

// Valid reports whether t lies within [MinTemperature, MaxTemperature].
func (t Temperature) Valid() bool {
	return t >= MinTemperature && t <= MaxTemperature
}

// Celsius returns t as a floating point degree value.
func (t Temperature) Celsius() float64 {
	return float64(t) / 100
}

// String formats t as degrees with two decimals, e.g. "20.00".
func (t Temperature) String() string {
	sign := ""
	v := int(t)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// ParseTemperature parses a degree value such as "21.5" or "-3.25".
// Out-of-range values are rejected rather than clamped.
func ParseTemperature(s string) (Temperature, error) {
	s = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(s), "C"), "°")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid temperature %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("invalid temperature %q: not a finite number", s)
	}
	hundredths := math.Round(f * 100)
	if hundredths < math.MinInt16 || hundredths > math.MaxInt16 {
		return 0, fmt.Errorf("temperature %q: %w", s, ErrTemperatureRange)
	}
	t := Temperature(hundredths)
	if !t.Valid() {
		return t, fmt.Errorf("temperature %s: %w", t, ErrTemperatureRange)
	}
	return t, nil
}
