// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"fmt"

	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// AnomalyType represents different types of message anomalies
type AnomalyType int

const (
	AnomalyDecodeError AnomalyType = iota
	AnomalyInvalidTemp
	AnomalyInvalidPosition
	AnomalyInvalidState
	AnomalyUnexpectedPayload
	AnomalyUnknownType
)

// ValidationError represents a message validation failure
type ValidationError struct {
	Type    AnomalyType
	Message string
	Details map[string]interface{}
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage checks a decoded message for anomalous content.
// Returns a slice of validation errors (empty if the message is valid)
func ValidateMessage(m Message) []ValidationError {
	switch m.Type {
	case MsgSetpointUpdate:
		return validateSetpointUpdate(m)
	case MsgStatusReport:
		return validateStatusReport(m)
	case MsgAck:
		if _, err := UnmarshalAck(m); err != nil {
			return []ValidationError{decodeError(m, err)}
		}
	case MsgStatusRequest, MsgRecalibrate:
		if len(m.Payload) != 0 {
			return []ValidationError{{
				Type:    AnomalyUnexpectedPayload,
				Message: fmt.Sprintf("%s carries %d unexpected payload bytes", FormatMessageType(m.Type), len(m.Payload)),
				Details: map[string]interface{}{"length": len(m.Payload)},
			}}
		}
	default:
		return []ValidationError{{
			Type:    AnomalyUnknownType,
			Message: fmt.Sprintf("Unknown message type 0x%02X", uint8(m.Type)),
			Details: map[string]interface{}{"type": uint8(m.Type)},
		}}
	}
	return nil
}

func decodeError(m Message, err error) ValidationError {
	return ValidationError{
		Type:    AnomalyDecodeError,
		Message: err.Error(),
		Details: map[string]interface{}{"type": uint8(m.Type), "length": len(m.Payload)},
	}
}

func validateTemperature(field string, t valve.Temperature) []ValidationError {
	if t.Valid() {
		return nil
	}
	return []ValidationError{{
		Type:    AnomalyInvalidTemp,
		Message: fmt.Sprintf("Invalid %s=%s (valid %s-%s)", field, t, valve.MinTemperature, valve.MaxTemperature),
		Details: map[string]interface{}{field: int16(t)},
	}}
}

func validateSetpointUpdate(m Message) []ValidationError {
	u, err := UnmarshalSetpointUpdate(m)
	if err != nil {
		return []ValidationError{decodeError(m, err)}
	}
	return validateTemperature("setpoint", u.Setpoint)
}

func validateStatusReport(m Message) []ValidationError {
	r, err := UnmarshalStatusReport(m)
	if err != nil {
		return []ValidationError{decodeError(m, err)}
	}

	errors := []ValidationError{}
	// A faulted sensor legitimately reports out of range readings
	if r.Faults&FaultSensorRange == 0 {
		errors = append(errors, validateTemperature("temperature", r.Temperature)...)
	}
	errors = append(errors, validateTemperature("setpoint", r.Setpoint)...)

	if r.Position > 100 {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidPosition,
			Message: fmt.Sprintf("Invalid position=%d%% (max 100)", r.Position),
			Details: map[string]interface{}{"position": r.Position},
		})
	}
	if !r.CalibrationState().Valid() {
		errors = append(errors, ValidationError{
			Type:    AnomalyInvalidState,
			Message: fmt.Sprintf("Invalid calibration state=%d", r.Calibration),
			Details: map[string]interface{}{"state": r.Calibration},
		})
	}
	return errors
}
