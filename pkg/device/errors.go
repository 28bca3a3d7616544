package device

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceNotFound is returned when no active device matches the
	// requested owner and device UUID.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDuplicateDevice marks a storage-level uniqueness violation. The
	// register path treats it as a lost race and recovers; every other path
	// surfaces it as a conflict.
	ErrDuplicateDevice = errors.New("device already exists")

	// ErrRegistrationConflict is returned when a lost insert race cannot be
	// resolved to an existing row by any identifying signal.
	ErrRegistrationConflict = errors.New("conflicting device registration in progress")
)

// MalformedInputError is returned when the caller supplies an invalid device
// type override or an unparseable fingerprint payload. Rejected before any
// matching occurs.
type MalformedInputError struct {
	Detail string
}

func (e MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: %s", e.Detail)
}

// OwnershipConflictError is returned when a device identity is already bound
// to a different account. Bindings are permanent: they are never merged or
// silently reassigned.
type OwnershipConflictError struct {
	// Signal names the identity dimension that collided: "device_uuid",
	// "fingerprint" or "stable_fingerprint".
	Signal string
}

func (e OwnershipConflictError) Error() string {
	return fmt.Sprintf("device %s is already bound to another account", e.Signal)
}

// QuotaExceededError is returned when the owner already holds an active
// device of the requested type. Remediation is an explicit replace or
// deactivate, never a silent override.
type QuotaExceededError struct {
	DeviceType DeviceType
}

func (e QuotaExceededError) Error() string {
	return fmt.Sprintf("device limit reached for type %s: deactivate or replace the existing device first", e.DeviceType)
}

// IsExpectedOutcome reports whether err belongs to the deterministic,
// caller-facing part of the taxonomy. Expected outcomes are recorded as audit
// events only; anything else is a storage failure worth an operator alert.
func IsExpectedOutcome(err error) bool {
	var malformed MalformedInputError
	var conflict OwnershipConflictError
	var quota QuotaExceededError
	return errors.As(err, &malformed) ||
		errors.As(err, &conflict) ||
		errors.As(err, &quota) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrRegistrationConflict)
}
