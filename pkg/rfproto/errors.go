// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package rfproto

import (
	"errors"

	"github.com/Thermoquad/thermovalve/pkg/security"
)

var (
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrCorrupt           = errors.New("checksum mismatch")
	ErrSecurityViolation = security.ErrSecurityViolation
	ErrDuplicate         = errors.New("duplicate sequence")
	ErrNotAddressed      = errors.New("frame not addressed to this device")
	ErrMalformed         = errors.New("malformed frame")
	ErrUnconfigured      = errors.New("device address not configured")
)

// ErrorKind classifies protocol failures for diagnostics
type ErrorKind int

// Error kinds
const (
	KindNone ErrorKind = iota
	KindPayloadTooLarge
	KindCorrupt
	KindSecurityViolation
	KindDuplicate
	KindNotAddressed
	KindMalformed
	KindOther
	numKinds
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindCorrupt:
		return "corrupt"
	case KindSecurityViolation:
		return "security_violation"
	case KindDuplicate:
		return "duplicate"
	case KindNotAddressed:
		return "not_addressed"
	case KindMalformed:
		return "malformed"
	default:
		return "other"
	}
}

// KindOf maps an error returned by this package to its kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrPayloadTooLarge):
		return KindPayloadTooLarge
	case errors.Is(err, ErrCorrupt):
		return KindCorrupt
	case errors.Is(err, ErrSecurityViolation):
		return KindSecurityViolation
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrNotAddressed):
		return KindNotAddressed
	case errors.Is(err, ErrMalformed), errors.Is(err, ErrUnconfigured):
		return KindMalformed
	default:
		return KindOther
	}
}

// Dropped reports whether err is one of the receive-path conditions that
// are handled by silently dropping the frame.
func Dropped(err error) bool {
	switch KindOf(err) {
	case KindCorrupt, KindSecurityViolation, KindDuplicate, KindNotAddressed, KindMalformed:
		return true
	}
	return false
}
