// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package valve

import "errors"

var (
	ErrTemperatureRange  = errors.New("temperature out of range")
	ErrSensorOutOfRange  = errors.New("sensor out of range")
	ErrStallDetected     = errors.New("stall detected")
	ErrCalibrationFailed = errors.New("calibration failed")
)
