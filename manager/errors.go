package manager

import "github.com/cockroachdb/errors"

var (
	// ErrRegistryFull is returned when no slot can be found or reclaimed
	// for a new lock.
	ErrRegistryFull = errors.New("lock registry is full")

	// ErrInvalidHandle is returned for the zero handle or a slot outside
	// the registry.
	ErrInvalidHandle = errors.New("invalid lock handle")

	// ErrStaleHandle is returned when a handle's generation no longer
	// matches its slot. The region it referred to was released and the
	// slot reused.
	ErrStaleHandle = errors.New("stale lock handle")

	// ErrEntryBusy is returned when an entry is mid protocol call on
	// another goroutine.
	ErrEntryBusy = errors.New("lock entry is busy")

	// ErrEntryFailed is returned when dereferencing an entry that is
	// quarantined after a failed release.
	ErrEntryFailed = errors.New("lock entry is in the error state")
)
