package safety

import "github.com/cockroachdb/errors"

var (
	// ErrInInterrupt is returned when a lock or unlock is attempted while the
	// interrupt gate is active. The underlying protocol is not re-entrant;
	// the call is refused before any service work happens.
	ErrInInterrupt = errors.New("translation request refused: interrupt context is active")

	// ErrInvalidConstraints is returned for a nil or internally inconsistent
	// constraint profile.
	ErrInvalidConstraints = errors.New("device constraint profile is invalid")

	// ErrBoundaryViolation is the software-detected form: the request was
	// rejected before any protocol call because it straddles the device's
	// boundary window.
	ErrBoundaryViolation = errors.New("transfer straddles the device boundary window")

	// ErrAlignmentViolation is returned when the buffer address does not meet
	// the device's alignment requirement.
	ErrAlignmentViolation = errors.New("buffer does not meet the device alignment requirement")

	// ErrAddressWidth is returned when the buffer lies beyond the device's
	// addressable range.
	ErrAddressWidth = errors.New("buffer lies beyond the device's addressable range")

	// ErrSegmentTooLong is returned when the request exceeds the device's
	// maximum single-segment length.
	ErrSegmentTooLong = errors.New("transfer exceeds the device's maximum segment length")

	// ErrBounceExhausted is returned when escalation needed a bounce lease
	// and the pool could not carve one.
	ErrBounceExhausted = errors.New("bounce buffer pool exhausted")

	// ErrBounceUnavailable is returned when escalation needed a bounce lease
	// but no pool was configured.
	ErrBounceUnavailable = errors.New("no bounce buffer pool available")

	// ErrRecoveryExhausted is returned when every retry and escalation tier
	// failed. The caller must treat this as "cannot lock now".
	ErrRecoveryExhausted = errors.New("lock recovery exhausted")

	// ErrLeaseReleased is returned when a bounce lease is used or released
	// after it was already returned to the pool.
	ErrLeaseReleased = errors.New("bounce lease already released")
)
