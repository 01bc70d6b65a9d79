// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"fmt"
	"strings"
	"time"
)

// FormatMessage formats a decoded message into a human-readable string
func FormatMessage(m Message) string {
	timestamp := m.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	sec := ""
	if m.Secured {
		sec = " sealed"
	}
	rssi := ""
	if m.RSSI != 0 {
		rssi = fmt.Sprintf(" rssi=%d", m.RSSI)
	}

	result := fmt.Sprintf("[%s] %s (0x%02X) %s -> %s seq=%d len=%d%s%s\n",
		timestamp.Format("15:04:05.000"), FormatMessageType(m.Type), uint8(m.Type),
		m.Source, m.Destination, m.Sequence, len(m.Payload), sec, rssi)

	return result + FormatPayload(m)
}

// FormatHeader formats a frame header, used for frames that failed to decode
func FormatHeader(h Header) string {
	return fmt.Sprintf("%s (0x%02X) %s -> %s seq=%d len=%d flags=0x%02X",
		FormatMessageType(h.Type), uint8(h.Type), h.Source, h.Destination, h.Sequence, h.Length, h.Flags)
}

// FormatMessageType returns the human-readable name for a message type
func FormatMessageType(msgType MessageType) string {
	switch msgType {
	// Commands (0x10-0x1F)
	case MsgSetpointUpdate:
		return "SETPOINT_UPDATE"
	case MsgStatusRequest:
		return "STATUS_REQUEST"
	case MsgRecalibrate:
		return "RECALIBRATE"

	// Reports (0x20-0x2F)
	case MsgStatusReport:
		return "STATUS_REPORT"

	// Link control (0x30-0x3F)
	case MsgAck:
		return "ACK"

	default:
		return "UNKNOWN"
	}
}

// FormatPayload formats the decoded payload based on message type
func FormatPayload(m Message) string {
	switch m.Type {
	case MsgStatusRequest, MsgRecalibrate:
		return "  (no payload)\n"

	case MsgSetpointUpdate:
		u, err := UnmarshalSetpointUpdate(m)
		if err != nil {
			return fmt.Sprintf("  (undecodable: %v)\n", err)
		}
		return fmt.Sprintf("  Setpoint: %s°\n", u.Setpoint)

	case MsgStatusReport:
		r, err := UnmarshalStatusReport(m)
		if err != nil {
			return fmt.Sprintf("  (undecodable: %v)\n", err)
		}
		return fmt.Sprintf("  Temperature: %s°, Setpoint: %s°, Position: %d%%, Calibration: %s, Faults: %s, Uptime: %s\n",
			r.Temperature, r.Setpoint, r.Position, r.CalibrationState(), r.Faults, formatUptime(r.Uptime))

	case MsgAck:
		a, err := UnmarshalAck(m)
		if err != nil {
			return fmt.Sprintf("  (undecodable: %v)\n", err)
		}
		return fmt.Sprintf("  Acked seq: %d, Status: %s\n", a.Sequence, a.Status)

	default:
		if len(m.Payload) == 0 {
			return "  (no payload)\n"
		}
		return fmt.Sprintf("  Raw: % X\n", m.Payload)
	}
}

func (s AckStatus) String() string {
	switch s {
	case AckAccepted:
		return "ACCEPTED"
	case AckRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(s))
	}
}

func (f Faults) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, bit := range []struct {
		flag Faults
		name string
	}{
		{FaultSensorRange, "SENSOR_RANGE"},
		{FaultStall, "STALL"},
		{FaultCalibration, "CALIBRATION"},
		{FaultNoAck, "NO_ACK"},
	} {
		if f&bit.flag != 0 {
			names = append(names, bit.name)
			f &^= bit.flag
		}
	}
	if f != 0 {
		names = append(names, fmt.Sprintf("0x%02X", uint8(f)))
	}
	return strings.Join(names, "|")
}

// formatUptime converts seconds to a human-readable duration
func formatUptime(seconds uint32) string {
	const (
		secondsPerMinute = 60
		secondsPerHour   = 60 * secondsPerMinute
		secondsPerDay    = 24 * secondsPerHour
	)

	days := seconds / secondsPerDay
	seconds %= secondsPerDay
	hours := seconds / secondsPerHour
	seconds %= secondsPerHour
	minutes := seconds / secondsPerMinute
	seconds %= secondsPerMinute

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
