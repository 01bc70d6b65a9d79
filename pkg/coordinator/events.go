// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package coordinator

import (
	"fmt"
	"time"
)

// EventKind classifies entries in the event log
type EventKind uint8

// Event kinds
const (
	EventSetpoint EventKind = iota
	EventSetpointRejected
	EventCalibrated
	EventCalibrationFailed
	EventRecalibrate
	EventStall
	EventSensorRange
	EventSensorRecovered
	EventNoAck
	EventReportDelivered
)

func (k EventKind) String() string {
	switch k {
	case EventSetpoint:
		return "setpoint"
	case EventSetpointRejected:
		return "setpoint_rejected"
	case EventCalibrated:
		return "calibrated"
	case EventCalibrationFailed:
		return "calibration_failed"
	case EventRecalibrate:
		return "recalibrate"
	case EventStall:
		return "stall"
	case EventSensorRange:
		return "sensor_range"
	case EventSensorRecovered:
		return "sensor_recovered"
	case EventNoAck:
		return "no_ack"
	case EventReportDelivered:
		return "report_delivered"
	default:
		return fmt.Sprintf("event(%d)", uint8(k))
	}
}

// Event is one entry in the coordinator's event log
type Event struct {
	Time   time.Time
	Kind   EventKind
	Detail string
}

func (e Event) String() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s %s", e.Time.Format("15:04:05"), e.Kind)
	}
	return fmt.Sprintf("%s %s: %s", e.Time.Format("15:04:05"), e.Kind, e.Detail)
}

// DefaultEventLogSize is the number of events retained
const DefaultEventLogSize = 32

// eventLog keeps the most recent events, oldest first
type eventLog struct {
	buf   []Event
	next  int
	full  bool
	total uint64
}

func newEventLog(size int) eventLog {
	if size <= 0 {
		size = DefaultEventLogSize
	}
	return eventLog{buf: make([]Event, size)}
}

func (l *eventLog) add(e Event) {
	l.buf[l.next] = e
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

func (l *eventLog) list() []Event {
	if !l.full {
		return append([]Event(nil), l.buf[:l.next]...)
	}
	out := make([]Event, 0, len(l.buf))
	out = append(out, l.buf[l.next:]...)
	return append(out, l.buf[:l.next]...)
}
