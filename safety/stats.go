package safety

import "sync/atomic"

// LayerStats is a point-in-time snapshot of the layer's counters.
type LayerStats struct {
	TotalLocks          uint64
	SuccessfulLocks     uint64
	FailedLocks         uint64
	RecoveryAttempts    uint64
	RecoverySuccesses   uint64
	BoundaryViolations  uint64
	InterruptRejections uint64
	BounceUses          uint64
	ServiceBounceUses   uint64
}

type layerCounters struct {
	totalLocks          atomic.Uint64
	successfulLocks     atomic.Uint64
	failedLocks         atomic.Uint64
	recoveryAttempts    atomic.Uint64
	recoverySuccesses   atomic.Uint64
	boundaryViolations  atomic.Uint64
	interruptRejections atomic.Uint64
	bounceUses          atomic.Uint64
	serviceBounceUses   atomic.Uint64
}

func (c *layerCounters) snapshot() LayerStats {
	return LayerStats{
		TotalLocks:          c.totalLocks.Load(),
		SuccessfulLocks:     c.successfulLocks.Load(),
		FailedLocks:         c.failedLocks.Load(),
		RecoveryAttempts:    c.recoveryAttempts.Load(),
		RecoverySuccesses:   c.recoverySuccesses.Load(),
		BoundaryViolations:  c.boundaryViolations.Load(),
		InterruptRejections: c.interruptRejections.Load(),
		BounceUses:          c.bounceUses.Load(),
		ServiceBounceUses:   c.serviceBounceUses.Load(),
	}
}

func (c *layerCounters) reset() {
	c.totalLocks.Store(0)
	c.successfulLocks.Store(0)
	c.failedLocks.Store(0)
	c.recoveryAttempts.Store(0)
	c.recoverySuccesses.Store(0)
	c.boundaryViolations.Store(0)
	c.interruptRejections.Store(0)
	c.bounceUses.Store(0)
	c.serviceBounceUses.Store(0)
}

// Stats returns a snapshot of the layer's counters.
func (l *Layer) Stats() LayerStats {
	return l.counters.snapshot()
}

// ResetStats zeroes every counter.
func (l *Layer) ResetStats() {
	l.counters.reset()
}
