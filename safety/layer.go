package safety

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/jfabienke/dmalock/dmautils"
	"github.com/jfabienke/dmalock/vds"
)

const (
	defaultRetryCount = 3
	defaultRetryDelay = 10 * time.Millisecond
)

// CreateOptions configures NewLayer.
type CreateOptions struct {
	// RetryCount is the number of lock attempts per recovery tier before
	// escalating. Zero selects the default of 3.
	RetryCount int

	// RetryDelay is the pause between attempts. Zero selects 10ms.
	RetryDelay time.Duration

	// Delayer overrides how the pause is performed. Nil selects time.Sleep.
	Delayer Delayer

	// DisableBounce skips bounce pool construction. Requests asking for
	// bounce escalation then fail with ErrBounceUnavailable.
	DisableBounce bool

	// Bounce configures the pool when bounce is enabled.
	Bounce BouncePoolCreateOptions
}

// LockRequest describes one region to pin for DMA.
type LockRequest struct {
	Address   uint32
	Size      uint32
	Direction vds.Direction

	// Constraints is the device profile the pinned region must satisfy.
	Constraints Constraints

	// AllowBounce permits escalating to a staging copy through the bounce
	// pool when the region cannot be pinned in place.
	AllowBounce bool

	// Memory is the caller's flat address space, used to stage data in and
	// out of a bounce lease. Nil suppresses staging copies; the caller then
	// owns data movement.
	Memory dmautils.Memory
}

// Lock is a pinned region produced by LockRegion. Exactly one of UsedBounce
// and ServiceAlternate can be set: either this layer staged the data through
// its own pool, or the translation service remapped it into an alternate
// buffer, never both.
type Lock struct {
	Handle          uint16
	PhysicalAddress uint32
	Size            uint32
	Kind            vds.TranslationKind
	Scattered       bool
	Segments        []vds.SGEntry

	UsedBounce       bool
	ServiceAlternate bool

	request       LockRequest
	lease         *BounceLease
	needsPostCopy bool
}

// Layer sits between device drivers and the translation client. It validates
// requests against device constraints, refuses work in interrupt context,
// retries transient lock failures, and escalates to scatter/gather or a
// bounce buffer when a region cannot be pinned contiguously.
type Layer struct {
	logger *slog.Logger
	client *vds.Client
	pool   *BouncePool

	gate       InterruptGate
	delayer    Delayer
	retryCount int
	retryDelay time.Duration

	counters layerCounters
}

// NewLayer builds a Layer over client. Unless disabled, the bounce pool is
// carved and pinned here; its construction failure fails the layer.
func NewLayer(logger *slog.Logger, client *vds.Client, o CreateOptions) (*Layer, error) {
	if client == nil {
		return nil, errors.New("translation client is required")
	}

	l := &Layer{
		logger:     logger,
		client:     client,
		delayer:    o.Delayer,
		retryCount: o.RetryCount,
		retryDelay: o.RetryDelay,
	}
	if l.delayer == nil {
		l.delayer = SleepDelayer()
	}
	if l.retryCount <= 0 {
		l.retryCount = defaultRetryCount
	}
	if l.retryDelay <= 0 {
		l.retryDelay = defaultRetryDelay
	}

	if !o.DisableBounce {
		pool, err := NewBouncePool(logger, client, o.Bounce)
		if err != nil {
			return nil, err
		}
		l.pool = pool
	}

	return l, nil
}

// Destroy releases the bounce pool. Live locks must be unlocked first.
func (l *Layer) Destroy() error {
	if l.pool == nil {
		return nil
	}
	err := l.pool.Destroy()
	l.pool = nil
	return err
}

// EnterInterrupt marks the start of interrupt context. Lock and Unlock
// refuse to run until the matching ExitInterrupt.
func (l *Layer) EnterInterrupt() { l.gate.Enter() }

// ExitInterrupt marks the end of one interrupt nesting level.
func (l *Layer) ExitInterrupt() { l.gate.Leave() }

// InInterrupt reports whether interrupt context is active.
func (l *Layer) InInterrupt() bool { return l.gate.Active() }

// Pool exposes the bounce pool, mainly for stats inspection. Nil when
// bounce is disabled.
func (l *Layer) Pool() *BouncePool { return l.pool }

// LockRegion pins req's region for DMA. The attempt order is fixed:
// contiguous lock with retries, then a scatter/gather lock with retries when
// the service supports it, then a bounce lease when req allows it. Every
// tier is skipped instantly in interrupt context.
func (l *Layer) LockRegion(req LockRequest) (*Lock, error) {
	l.counters.totalLocks.Add(1)

	if err := req.Constraints.Validate(); err != nil {
		l.counters.failedLocks.Add(1)
		return nil, err
	}
	if req.Size == 0 {
		l.counters.failedLocks.Add(1)
		return nil, errors.Wrapf(vds.ErrInvalidSize, "zero-size lock request")
	}
	if req.Constraints.MaxSegmentLength != 0 && req.Size > req.Constraints.MaxSegmentLength && !req.AllowBounce {
		// Too large for a single transfer and nothing to split it with.
		l.counters.failedLocks.Add(1)
		return nil, errors.Wrapf(ErrSegmentTooLong, "0x%x bytes against a 0x%x segment limit", req.Size, req.Constraints.MaxSegmentLength)
	}

	if l.gate.Active() {
		l.counters.interruptRejections.Add(1)
		l.counters.failedLocks.Add(1)
		return nil, ErrInInterrupt
	}

	lock, err := l.lockContiguous(req)
	if err == nil {
		l.counters.successfulLocks.Add(1)
		return lock, nil
	}
	if !isEscalatable(err) {
		l.counters.failedLocks.Add(1)
		return nil, err
	}
	firstErr := err

	if l.client.Capabilities().SupportsScatterGather {
		l.counters.recoveryAttempts.Add(1)
		lock, err = l.lockScattered(req)
		if err == nil {
			l.counters.recoverySuccesses.Add(1)
			l.counters.successfulLocks.Add(1)
			return lock, nil
		}
		if !isEscalatable(err) {
			l.counters.failedLocks.Add(1)
			return nil, err
		}
	}

	if req.AllowBounce {
		l.counters.recoveryAttempts.Add(1)
		lock, err = l.lockBounced(req)
		if err == nil {
			l.counters.recoverySuccesses.Add(1)
			l.counters.successfulLocks.Add(1)
			l.counters.bounceUses.Add(1)
			return lock, nil
		}
		l.counters.failedLocks.Add(1)
		return nil, err
	}

	l.counters.failedLocks.Add(1)
	return nil, errors.Wrapf(ErrRecoveryExhausted, "region 0x%08x+0x%x: %v", req.Address, req.Size, firstErr)
}

// lockContiguous runs the first tier: a contiguous lock with bounded
// retries on transient service failures.
func (l *Layer) lockContiguous(req LockRequest) (*Lock, error) {
	flags := uint16(vds.LockContiguous)
	if req.Constraints.BoundaryMask == 0xFFFF {
		flags |= vds.LockNo64KCross
	}
	return l.attemptLock(req, flags)
}

// lockScattered runs the second tier: the contiguity requirement dropped,
// the resulting entry list coalesced and checked segment by segment.
func (l *Layer) lockScattered(req LockRequest) (*Lock, error) {
	return l.attemptLock(req, vds.LockAllowScatter)
}

func (l *Layer) attemptLock(req LockRequest, flags uint16) (*Lock, error) {
	var lastErr error
	for attempt := 1; attempt <= l.retryCount; attempt++ {
		if attempt > 1 {
			l.delayer.Delay(l.retryDelay)
		}

		result, err := l.client.Lock(req.Address, req.Size, flags, req.Direction)
		if err != nil {
			if !isRetryableServiceError(err) {
				return nil, err
			}
			lastErr = err
			l.logger.Debug("lock attempt failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			continue
		}

		// A constraint rejection of a successful lock is deterministic;
		// retrying cannot change it, only the next tier can.
		return l.acceptResult(req, result)
	}
	return nil, errors.Wrapf(ErrRecoveryExhausted, "%d attempts: %v", l.retryCount, lastErr)
}

// acceptResult checks a successful service lock against the device profile
// and performs the alternate-buffer pre-copy. A result the device cannot
// use is unlocked again and reported as a boundary violation.
func (l *Layer) acceptResult(req LockRequest, result *vds.LockResult) (*Lock, error) {
	segments := result.Segments
	if result.Scattered && len(segments) > 0 {
		segments = CoalesceScatterList(segments, 0)
	}

	var checkErr error
	if result.Scattered {
		for _, seg := range segments {
			if err := req.Constraints.Check(seg.PhysicalAddress, seg.Length); err != nil {
				checkErr = err
				break
			}
		}
	} else {
		checkErr = req.Constraints.Check(result.PhysicalAddress, result.ActualLength)
	}
	if checkErr != nil {
		if errors.Is(checkErr, ErrBoundaryViolation) {
			l.counters.boundaryViolations.Add(1)
		}
		if unlockErr := l.client.Unlock(result.Handle); unlockErr != nil {
			l.logger.Warn("failed to back out an unusable lock",
				slog.Int("handle", int(result.Handle)),
				slog.Any("error", unlockErr),
			)
		}
		return nil, checkErr
	}

	if result.NeedsPreCopy {
		if err := l.client.CopyToAlternate(result.Handle, req.Address, req.Size, 0); err != nil {
			if unlockErr := l.client.Unlock(result.Handle); unlockErr != nil {
				l.logger.Warn("failed to back out after a pre-copy failure",
					slog.Int("handle", int(result.Handle)),
					slog.Any("error", unlockErr),
				)
			}
			return nil, errors.Wrapf(err, "alternate buffer pre-copy")
		}
	}

	if result.Kind == vds.TranslationAlternate {
		l.counters.serviceBounceUses.Add(1)
	}

	return &Lock{
		Handle:           result.Handle,
		PhysicalAddress:  result.PhysicalAddress,
		Size:             req.Size,
		Kind:             result.Kind,
		Scattered:        result.Scattered,
		Segments:         segments,
		ServiceAlternate: result.Kind == vds.TranslationAlternate,
		request:          req,
		needsPostCopy:    result.NeedsPostCopy,
	}, nil
}

// lockBounced runs the last tier: carve a pool lease and stage through it.
// The pool region was pinned at construction, so no protocol call happens
// here beyond the staging copy.
func (l *Layer) lockBounced(req LockRequest) (*Lock, error) {
	if l.pool == nil {
		return nil, ErrBounceUnavailable
	}

	lease, err := l.pool.Carve(req.Size, req.Constraints)
	if err != nil {
		return nil, err
	}

	if req.Direction != vds.DeviceToHost && req.Memory != nil {
		if err := lease.CopyIn(req.Memory, req.Address); err != nil {
			releaseLease(l.logger, lease)
			return nil, err
		}
	}

	return &Lock{
		PhysicalAddress: lease.Address(),
		Size:            req.Size,
		Kind:            vds.TranslationDirect,
		UsedBounce:      true,
		request:         req,
		lease:           lease,
		needsPostCopy:   req.Direction != vds.HostToDevice,
	}, nil
}

// Unlock releases a lock produced by LockRegion, performing the
// device-to-host staging copy first when one is owed. Like LockRegion it
// refuses to run in interrupt context.
func (l *Layer) Unlock(lock *Lock) error {
	if lock == nil {
		return errors.New("nil lock")
	}
	if l.gate.Active() {
		l.counters.interruptRejections.Add(1)
		return ErrInInterrupt
	}

	if lock.UsedBounce {
		var copyErr error
		if lock.needsPostCopy && lock.request.Memory != nil {
			copyErr = lock.lease.CopyOut(lock.request.Memory, lock.request.Address)
		}
		if err := lock.lease.Release(); err != nil {
			return err
		}
		return copyErr
	}

	if lock.needsPostCopy {
		if err := l.client.CopyFromAlternate(lock.Handle, lock.request.Address, lock.Size, 0); err != nil {
			return errors.Wrapf(err, "alternate buffer post-copy")
		}
	}
	return l.client.Unlock(lock.Handle)
}

func releaseLease(logger *slog.Logger, lease *BounceLease) {
	if err := lease.Release(); err != nil {
		logger.Warn("failed to release a bounce lease", slog.Any("error", err))
	}
}

// isRetryableServiceError reports whether a lock attempt may be repeated:
// only transient raw codes qualify, parameter errors fail the tier at once.
func isRetryableServiceError(err error) bool {
	if protoErr, ok := vds.AsProtocolError(err); ok {
		return protoErr.Code.IsRetryable()
	}
	return false
}

// isEscalatable reports whether the next recovery tier should run after a
// tier failed. Constraint rejections and exhausted retries escalate; hard
// parameter or protocol errors do not.
func isEscalatable(err error) bool {
	if errors.Is(err, ErrRecoveryExhausted) {
		return true
	}
	return errors.Is(err, ErrBoundaryViolation) ||
		errors.Is(err, ErrAlignmentViolation) ||
		errors.Is(err, ErrAddressWidth) ||
		errors.Is(err, ErrSegmentTooLong)
}
