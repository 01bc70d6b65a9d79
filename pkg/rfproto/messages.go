// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// Application payloads are CBOR maps with small integer keys so that a full
// status report fits in a single sealed frame.

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		MaxMapPairs: 16,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// SetpointUpdate carries a new target temperature (0x10)
type SetpointUpdate struct {
	Setpoint valve.Temperature `cbor:"0,keyasint"`
}

// StatusReport carries the valve state (0x20)
type StatusReport struct {
	Temperature valve.Temperature `cbor:"0,keyasint"`
	Setpoint    valve.Temperature `cbor:"1,keyasint"`
	Position    uint8             `cbor:"2,keyasint"` // percent open
	Calibration uint8             `cbor:"3,keyasint"`
	Faults      Faults            `cbor:"4,keyasint,omitempty"`
	Uptime      uint32            `cbor:"5,keyasint"` // seconds
}

// CalibrationState returns the reported calibration state
func (r StatusReport) CalibrationState() valve.CalibrationState {
	return valve.CalibrationState(r.Calibration)
}

// Ack acknowledges a frame by its sequence number (0x30)
type Ack struct {
	Sequence uint16    `cbor:"0,keyasint"`
	Status   AckStatus `cbor:"1,keyasint,omitempty"`
}

// MarshalPayload encodes an application payload
func MarshalPayload(v any) ([]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CBOR: %w", err)
	}
	return data, nil
}

func unmarshalPayload(msg Message, want MessageType, v any) error {
	if msg.Type != want {
		return fmt.Errorf("expected %s, got %s", FormatMessageType(want), FormatMessageType(msg.Type))
	}
	if err := decMode.Unmarshal(msg.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", FormatMessageType(want), err)
	}
	return nil
}

// Required fields decode through pointers so that a missing key is told
// apart from a zero value.
type setpointUpdateWire struct {
	Setpoint *valve.Temperature `cbor:"0,keyasint"`
}

type ackWire struct {
	Sequence *uint16   `cbor:"0,keyasint"`
	Status   AckStatus `cbor:"1,keyasint,omitempty"`
}

// UnmarshalSetpointUpdate decodes a SETPOINT_UPDATE payload. The setpoint
// field is required.
func UnmarshalSetpointUpdate(msg Message) (SetpointUpdate, error) {
	var w setpointUpdateWire
	if err := unmarshalPayload(msg, MsgSetpointUpdate, &w); err != nil {
		return SetpointUpdate{}, err
	}
	if w.Setpoint == nil {
		return SetpointUpdate{}, fmt.Errorf("%w: SETPOINT_UPDATE without setpoint", ErrMalformed)
	}
	return SetpointUpdate{Setpoint: *w.Setpoint}, nil
}

// UnmarshalStatusReport decodes a STATUS_REPORT payload
func UnmarshalStatusReport(msg Message) (StatusReport, error) {
	var r StatusReport
	err := unmarshalPayload(msg, MsgStatusReport, &r)
	return r, err
}

// UnmarshalAck decodes an ACK payload. The sequence field is required.
func UnmarshalAck(msg Message) (Ack, error) {
	var w ackWire
	if err := unmarshalPayload(msg, MsgAck, &w); err != nil {
		return Ack{}, err
	}
	if w.Sequence == nil {
		return Ack{}, fmt.Errorf("%w: ACK without sequence", ErrMalformed)
	}
	return Ack{Sequence: *w.Sequence, Status: w.Status}, nil
}

// Builders create Outbound messages ready for Engine.EncodeOutbound or the
// scheduler. Encoding fixed structs cannot fail, so errors are not returned.

func mustMarshal(v any) []byte {
	data, err := MarshalPayload(v)
	if err != nil {
		panic(err)
	}
	return data
}

// NewSetpointUpdate creates a SETPOINT_UPDATE message
func NewSetpointUpdate(dst Address, setpoint valve.Temperature) Outbound {
	return Outbound{Destination: dst, Type: MsgSetpointUpdate, Payload: mustMarshal(SetpointUpdate{Setpoint: setpoint})}
}

// NewStatusRequest creates a STATUS_REQUEST message. Devices reply with
// STATUS_REPORT; broadcast requests are used for discovery.
func NewStatusRequest(dst Address) Outbound {
	return Outbound{Destination: dst, Type: MsgStatusRequest}
}

// NewRecalibrate creates a RECALIBRATE message
func NewRecalibrate(dst Address) Outbound {
	return Outbound{Destination: dst, Type: MsgRecalibrate}
}

// NewStatusReport creates a STATUS_REPORT message
func NewStatusReport(dst Address, r StatusReport) Outbound {
	return Outbound{Destination: dst, Type: MsgStatusReport, Payload: mustMarshal(r)}
}

// NewAck creates an ACK for the frame with the given sequence number
func NewAck(dst Address, seq uint16, status AckStatus) Outbound {
	return Outbound{Destination: dst, Type: MsgAck, Payload: mustMarshal(Ack{Sequence: seq, Status: status})}
}
