// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"strings"
	"testing"

	"github.com/Thermoquad/thermovalve/pkg/valve"
)

// deliver encodes an outbound message from 0x01 and decodes it at 0x02
func deliver(t *testing.T, o Outbound) Message {
	t.Helper()
	sender, receiver := newPair(true)
	frame, err := sender.EncodeOutbound(o)
	if err != nil {
		t.Fatalf("EncodeOutbound failed: %v", err)
	}
	msg, err := receiver.Decode(frame)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	return msg
}

// ============================================================
// Message Builder Tests
// ============================================================

func TestSetpointUpdate_RoundTrip(t *testing.T) {
	msg := deliver(t, NewSetpointUpdate(0x02, 2150))
	if msg.Type != MsgSetpointUpdate {
		t.Fatalf("Type = 0x%02X", uint8(msg.Type))
	}
	u, err := UnmarshalSetpointUpdate(msg)
	if err != nil {
		t.Fatalf("UnmarshalSetpointUpdate failed: %v", err)
	}
	if u.Setpoint != 2150 {
		t.Errorf("Setpoint = %s, want 21.50", u.Setpoint)
	}
}

func TestStatusReport_FitsSealedFrame(t *testing.T) {
	r := StatusReport{
		Temperature: valve.MaxTemperature,
		Setpoint:    valve.MaxTemperature,
		Position:    100,
		Calibration: uint8(valve.Failed),
		Faults:      FaultSensorRange | FaultStall | FaultCalibration | FaultNoAck,
		Uptime:      0xFFFFFFFF,
	}
	msg := deliver(t, NewStatusReport(0x02, r))
	got, err := UnmarshalStatusReport(msg)
	if err != nil {
		t.Fatalf("UnmarshalStatusReport failed: %v", err)
	}
	if got != r {
		t.Errorf("report = %+v, want %+v", got, r)
	}
	if len(msg.Payload) > 53 {
		t.Errorf("report payload %d bytes", len(msg.Payload))
	}
}

func TestAck_RoundTrip(t *testing.T) {
	msg := deliver(t, NewAck(0x02, 0xBEEF, AckRejected))
	a, err := UnmarshalAck(msg)
	if err != nil {
		t.Fatalf("UnmarshalAck failed: %v", err)
	}
	if a.Sequence != 0xBEEF || a.Status != AckRejected {
		t.Errorf("ack = %+v", a)
	}
}

func TestEmptyRequests(t *testing.T) {
	for _, o := range []Outbound{NewStatusRequest(AddressBroadcast), NewRecalibrate(0x02)} {
		if len(o.Payload) != 0 {
			t.Errorf("%s carries a payload", FormatMessageType(o.Type))
		}
	}
}

func TestUnmarshal_WrongType(t *testing.T) {
	msg := deliver(t, NewAck(0x02, 1, AckAccepted))
	if _, err := UnmarshalStatusReport(msg); err == nil {
		t.Error("expected error decoding ACK as STATUS_REPORT")
	}
	msg.Type = MsgStatusReport
	msg.Payload = []byte{0xFF, 0x00}
	if _, err := UnmarshalStatusReport(msg); err == nil {
		t.Error("expected error for garbage payload")
	}
}

func TestUnmarshal_MissingRequiredField(t *testing.T) {
	tests := []struct {
		name    string
		msgType MessageType
		payload []byte
	}{
		{"setpoint empty map", MsgSetpointUpdate, []byte{0xA0}},
		{"setpoint unknown key only", MsgSetpointUpdate, []byte{0xA1, 0x07, 0x01}},
		{"setpoint no payload", MsgSetpointUpdate, nil},
		{"ack without sequence", MsgAck, []byte{0xA1, 0x01, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{Source: 0x01, Destination: 0x02, Type: tt.msgType, Payload: tt.payload}
			var err error
			if tt.msgType == MsgAck {
				_, err = UnmarshalAck(msg)
			} else {
				_, err = UnmarshalSetpointUpdate(msg)
			}
			if err == nil {
				t.Fatal("expected error for missing field")
			}
		})
	}

	// A zero setpoint that is actually present still decodes
	msg := deliver(t, NewSetpointUpdate(0x02, 0))
	u, err := UnmarshalSetpointUpdate(msg)
	if err != nil {
		t.Fatalf("UnmarshalSetpointUpdate failed: %v", err)
	}
	if u.Setpoint != 0 {
		t.Errorf("Setpoint = %s, want 0.00", u.Setpoint)
	}
}

// ============================================================
// Validator Tests
// ============================================================

func TestValidateMessage(t *testing.T) {
	report := func(r StatusReport) Message {
		o := NewStatusReport(0x02, r)
		return Message{Type: o.Type, Payload: o.Payload}
	}
	setpoint := func(sp valve.Temperature) Message {
		o := NewSetpointUpdate(0x02, sp)
		return Message{Type: o.Type, Payload: o.Payload}
	}

	tests := []struct {
		name string
		msg  Message
		want []AnomalyType
	}{
		{"valid report", report(StatusReport{Temperature: 1950, Setpoint: 2000, Position: 40, Calibration: uint8(valve.Calibrated)}), nil},
		{"bad position", report(StatusReport{Temperature: 1950, Setpoint: 2000, Position: 140}), []AnomalyType{AnomalyInvalidPosition}},
		{"bad temperature", report(StatusReport{Temperature: -5000, Setpoint: 2000}), []AnomalyType{AnomalyInvalidTemp}},
		{"sensor fault excuses temperature", report(StatusReport{Temperature: -5000, Setpoint: 2000, Faults: FaultSensorRange}), nil},
		{"bad state", report(StatusReport{Temperature: 1950, Setpoint: 2000, Calibration: 42}), []AnomalyType{AnomalyInvalidState}},
		{"valid setpoint", setpoint(2100), nil},
		{"bad setpoint", setpoint(4500), []AnomalyType{AnomalyInvalidTemp}},
		{"undecodable", Message{Type: MsgSetpointUpdate, Payload: []byte{0x1F}}, []AnomalyType{AnomalyDecodeError}},
		{"request with payload", Message{Type: MsgStatusRequest, Payload: []byte{1}}, []AnomalyType{AnomalyUnexpectedPayload}},
		{"unknown type", Message{Type: 0x7F}, []AnomalyType{AnomalyUnknownType}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ValidateMessage(tt.msg)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d anomalies (%v), want %d", len(got), got, len(tt.want))
			}
			for i := range got {
				if got[i].Type != tt.want[i] {
					t.Errorf("anomaly %d = %d, want %d", i, got[i].Type, tt.want[i])
				}
				if got[i].Error() == "" {
					t.Errorf("anomaly %d has no message", i)
				}
			}
		})
	}
}

// ============================================================
// Formatter Tests
// ============================================================

func TestFormatMessageType(t *testing.T) {
	tests := []struct {
		msgType MessageType
		want    string
	}{
		{MsgSetpointUpdate, "SETPOINT_UPDATE"},
		{MsgStatusRequest, "STATUS_REQUEST"},
		{MsgRecalibrate, "RECALIBRATE"},
		{MsgStatusReport, "STATUS_REPORT"},
		{MsgAck, "ACK"},
		{0x99, "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := FormatMessageType(tt.msgType); got != tt.want {
			t.Errorf("FormatMessageType(0x%02X) = %q, want %q", uint8(tt.msgType), got, tt.want)
		}
	}
}

func TestFormatMessage(t *testing.T) {
	msg := deliver(t, NewStatusReport(0x02, StatusReport{
		Temperature: 1925,
		Setpoint:    2000,
		Position:    35,
		Calibration: uint8(valve.Calibrated),
		Faults:      FaultNoAck,
		Uptime:      3725,
	}))
	msg.RSSI = -71

	out := FormatMessage(msg)
	for _, want := range []string{
		"STATUS_REPORT (0x20)", "0x01 -> 0x02", "seq=1", "sealed", "rssi=-71",
		"Temperature: 19.25°", "Position: 35%", "CALIBRATED", "NO_ACK", "1h 2m 5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFaults_String(t *testing.T) {
	if got := Faults(0).String(); got != "none" {
		t.Errorf("got %q", got)
	}
	if got := (FaultStall | FaultCalibration).String(); got != "STALL|CALIBRATION" {
		t.Errorf("got %q", got)
	}
	if got := Faults(0x80).String(); got != "0x80" {
		t.Errorf("got %q", got)
	}
}

// ============================================================
// Statistics Tests
// ============================================================

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	s.Update(nil, nil)
	s.Update(ErrCorrupt, nil)
	s.Update(ErrDuplicate, nil)
	s.Update(nil, []ValidationError{{Type: AnomalyInvalidTemp}})
	s.Update(nil, []ValidationError{{Type: AnomalyDecodeError}})

	if s.TotalFrames != 5 || s.ValidFrames != 1 {
		t.Errorf("total/valid = %d/%d", s.TotalFrames, s.ValidFrames)
	}
	if s.Errors[KindCorrupt] != 1 || s.Errors[KindDuplicate] != 1 {
		t.Errorf("errors = %v", s.Errors)
	}
	if s.InvalidTemp != 1 || s.AnomalousValues != 1 || s.DecodeErrors != 1 {
		t.Errorf("anomalies = %d/%d/%d", s.InvalidTemp, s.AnomalousValues, s.DecodeErrors)
	}

	out := s.String()
	for _, want := range []string{"Total Frames:", "corrupt:", "duplicate:", "Invalid Temp:"} {
		if !strings.Contains(out, want) {
			t.Errorf("String() missing %q:\n%s", want, out)
		}
	}

	s.Reset()
	if s.TotalFrames != 0 || s.Errors[KindCorrupt] != 0 {
		t.Error("Reset() did not clear counters")
	}
}
