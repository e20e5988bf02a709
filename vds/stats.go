package vds

import "sync/atomic"

// ClientStats is a snapshot of the client's protocol counters.
type ClientStats struct {
	LockAttempts    uint64
	LockSuccesses   uint64
	LockFailures    uint64
	UnlockAttempts  uint64
	UnlockSuccesses uint64
	UnlockFailures  uint64
	ScatterLocks    uint64
	// BoundaryViolations counts both boundary-class service codes.
	BoundaryViolations uint64
	// AlternateDetections counts locks the service satisfied with its own
	// alternate buffer, including conservatively-treated unknown mappings.
	AlternateDetections uint64
	// DirectLocks counts direct and remapped in-place locks.
	DirectLocks uint64
}

// Counters are updated lock-free; the client holds no other mutable state
// past construction.
type clientCounters struct {
	lockAttempts        atomic.Uint64
	lockSuccesses       atomic.Uint64
	lockFailures        atomic.Uint64
	unlockAttempts      atomic.Uint64
	unlockSuccesses     atomic.Uint64
	unlockFailures      atomic.Uint64
	scatterLocks        atomic.Uint64
	boundaryViolations  atomic.Uint64
	alternateDetections atomic.Uint64
	directLocks         atomic.Uint64
}

func (c *clientCounters) snapshot() ClientStats {
	return ClientStats{
		LockAttempts:        c.lockAttempts.Load(),
		LockSuccesses:       c.lockSuccesses.Load(),
		LockFailures:        c.lockFailures.Load(),
		UnlockAttempts:      c.unlockAttempts.Load(),
		UnlockSuccesses:     c.unlockSuccesses.Load(),
		UnlockFailures:      c.unlockFailures.Load(),
		ScatterLocks:        c.scatterLocks.Load(),
		BoundaryViolations:  c.boundaryViolations.Load(),
		AlternateDetections: c.alternateDetections.Load(),
		DirectLocks:         c.directLocks.Load(),
	}
}

func (c *clientCounters) reset() {
	c.lockAttempts.Store(0)
	c.lockSuccesses.Store(0)
	c.lockFailures.Store(0)
	c.unlockAttempts.Store(0)
	c.unlockSuccesses.Store(0)
	c.unlockFailures.Store(0)
	c.scatterLocks.Store(0)
	c.boundaryViolations.Store(0)
	c.alternateDetections.Store(0)
	c.directLocks.Store(0)
}
