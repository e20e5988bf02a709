package manager

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"

	"github.com/jfabienke/dmalock/dmautils"
	"github.com/jfabienke/dmalock/internal/utils"
	"github.com/jfabienke/dmalock/safety"
	"github.com/jfabienke/dmalock/vds"
)

const (
	defaultCapacity = 64
	maxCapacity     = 1024
)

// CreateOptions configures New.
type CreateOptions struct {
	// Capacity is the fixed number of registry slots. Zero selects 64.
	Capacity int

	// SingleThreaded turns the registry mutex off for callers that drive
	// the manager from one goroutine only.
	SingleThreaded bool

	// Clock overrides the time source for last-access tracking. Nil
	// selects time.Now.
	Clock func() time.Time
}

// LockOptions shapes one Lock call.
type LockOptions struct {
	Policy      Policy
	Constraints safety.Constraints

	// AllowBounce and Memory pass through to the safety layer.
	AllowBounce bool
	Memory      dmautils.Memory

	// Tag labels the entry in dumps and stats.
	Tag string
}

// Manager tracks live DMA locks in a fixed-capacity registry. It
// deduplicates lock requests for identical regions, hands out
// generation-checked handles, and applies retention policies so hot regions
// stay pinned while one-off locks are reclaimed. All physical pinning goes
// through the safety layer; the manager itself never retries a failed lock.
type Manager struct {
	logger *slog.Logger
	layer  *safety.Layer
	clock  func() time.Time

	mutex   utils.OptionalRWMutex
	entries []entry
	index   *swiss.Map[regionKey, int]

	counters managerCounters
}

// New builds a Manager over layer.
func New(logger *slog.Logger, layer *safety.Layer, o CreateOptions) (*Manager, error) {
	if layer == nil {
		return nil, errors.New("safety layer is required")
	}
	capacity := o.Capacity
	if capacity == 0 {
		capacity = defaultCapacity
	}
	if capacity < 1 || capacity > maxCapacity {
		return nil, errors.Newf("registry capacity %d out of range [1, %d]", capacity, maxCapacity)
	}
	clock := o.Clock
	if clock == nil {
		clock = time.Now
	}

	m := &Manager{
		logger:  logger,
		layer:   layer,
		clock:   clock,
		mutex:   utils.OptionalRWMutex{UseMutex: !o.SingleThreaded},
		entries: make([]entry, capacity),
		index:   swiss.NewMap[regionKey, int](uint32(capacity)),
	}
	// Generations start at 1 so no live handle is ever the zero value.
	for i := range m.entries {
		m.entries[i].generation = 1
	}
	return m, nil
}

// Lock pins the region and returns a handle for it. A second Lock of the
// same (address, size) pair shares the first one's entry instead of issuing
// another protocol lock. Managed locks are pinned bidirectionally.
func (m *Manager) Lock(addr uint32, size uint32, o LockOptions) (Handle, error) {
	m.counters.lockRequests.Add(1)
	if size == 0 {
		return Handle{}, errors.Wrapf(vds.ErrInvalidSize, "zero-size managed lock")
	}
	key := regionKey{addr: addr, size: size}

	m.mutex.Lock()

	if slot, hit := m.index.Get(key); hit {
		e := &m.entries[slot]
		if e.busy {
			m.mutex.Unlock()
			return Handle{}, ErrEntryBusy
		}
		if e.state == EntryError {
			m.mutex.Unlock()
			return Handle{}, ErrEntryFailed
		}
		handle := m.joinEntryLocked(slot, e)
		m.mutex.Unlock()
		return handle, nil
	}

	slot, err := m.reserveSlotLocked()
	if err != nil {
		m.mutex.Unlock()
		m.counters.registryFullFailures.Add(1)
		return Handle{}, err
	}

	// Reserve the slot, then do the physical lock with the mutex released.
	// The busy flag keeps the half-built entry out of every scan.
	e := &m.entries[slot]
	generation := e.generation
	*e = entry{
		state:      EntryLocked,
		generation: generation,
		addr:       addr,
		size:       size,
		tag:        o.Tag,
		policy:     o.Policy,
		busy:       true,
	}
	m.mutex.Unlock()

	lock, lockErr := m.layer.LockRegion(safety.LockRequest{
		Address:     addr,
		Size:        size,
		Direction:   vds.Bidirectional,
		Constraints: o.Constraints,
		AllowBounce: o.AllowBounce,
		Memory:      o.Memory,
	})

	m.mutex.Lock()
	e = &m.entries[slot]
	e.busy = false
	if lockErr != nil {
		// A failed lock leaves no trace beyond the counters.
		*e = entry{state: EntryFree, generation: generation}
		m.mutex.Unlock()
		return Handle{}, lockErr
	}

	// Another goroutine may have locked the same region while the mutex was
	// released. Join its entry and give back the surplus physical lock, so
	// the region keeps a single registry entry and a single service handle.
	if winner, hit := m.index.Get(key); hit && winner != slot {
		w := &m.entries[winner]
		if !w.busy && w.state != EntryError {
			*e = entry{state: EntryFree, generation: generation}
			handle := m.joinEntryLocked(winner, w)
			m.mutex.Unlock()
			if err := m.layer.Unlock(lock); err != nil {
				m.logger.Warn("failed to release duplicate lock after dedup race",
					slog.String("tag", o.Tag),
					slog.Any("error", err),
				)
			}
			return handle, nil
		}
	}

	e.lock = lock
	e.refCount = 1
	e.accessCount = 1
	e.lastAccess = m.clock()
	m.index.Put(key, slot)
	m.counters.locksCreated.Add(1)
	handle := Handle{Slot: uint16(slot), Generation: generation}
	m.mutex.Unlock()
	return handle, nil
}

// joinEntryLocked adds a reference to an existing healthy entry and returns
// its handle. Called with the mutex held.
func (m *Manager) joinEntryLocked(slot int, e *entry) Handle {
	e.refCount++
	e.accessCount++
	e.lastAccess = m.clock()
	if e.state == EntryAging {
		e.state = EntryLocked
	}
	if e.policy == PolicyAuto && e.accessCount > AutoPromoteThreshold {
		e.policy = PolicyPersistent
		m.counters.autoPromotions.Add(1)
		m.logger.Debug("auto-promoted hot region to persistent",
			slog.Int("slot", slot),
			slog.Uint64("accessCount", e.accessCount),
		)
	}
	m.counters.dedupHits.Add(1)
	return Handle{Slot: uint16(slot), Generation: e.generation}
}

// reserveSlotLocked finds a slot for a new entry: a Free one if any, else
// the longest-idle reclaimable Aging one, which is physically released
// first. Called and returned with the mutex held.
func (m *Manager) reserveSlotLocked() (int, error) {
	for {
		for i := range m.entries {
			if m.entries[i].state == EntryFree {
				return i, nil
			}
		}

		victim := -1
		var oldest time.Time
		for i := range m.entries {
			e := &m.entries[i]
			if e.state != EntryAging || e.busy || e.refCount != 0 {
				continue
			}
			if victim < 0 || e.lastAccess.Before(oldest) {
				victim = i
				oldest = e.lastAccess
			}
		}
		if victim < 0 {
			return 0, errors.Wrapf(ErrRegistryFull, "%d slots, none free or reclaimable", len(m.entries))
		}

		if err := m.releaseSlotLocked(victim); err != nil {
			// The victim is quarantined now; another candidate may work.
			continue
		}
		m.counters.pressureReclaims.Add(1)
		return victim, nil
	}
}

// releaseSlotLocked physically unlocks the entry and frees its slot. On
// unlock failure the slot moves to the Error state instead, so the handle
// space the service still considers held is never reissued. Called and
// returned with the mutex held; the mutex is released around the protocol
// call.
func (m *Manager) releaseSlotLocked(slot int) error {
	e := &m.entries[slot]
	lock := e.lock
	key := regionKey{addr: e.addr, size: e.size}
	e.busy = true
	m.mutex.Unlock()

	err := m.layer.Unlock(lock)

	m.mutex.Lock()
	e = &m.entries[slot]
	e.busy = false
	m.index.Delete(key)
	if err != nil {
		e.state = EntryError
		m.counters.errorEntries.Add(1)
		m.logger.Warn("physical unlock failed, quarantining slot",
			slog.Int("slot", slot),
			slog.String("tag", e.tag),
			slog.Any("error", err),
		)
		return err
	}

	generation := e.generation
	*e = entry{state: EntryFree, generation: generation + 1}
	m.counters.locksReleased.Add(1)
	return nil
}

// resolveLocked validates a handle against the registry. Called with the
// mutex held (read or write).
func (m *Manager) resolveLocked(h Handle) (int, *entry, error) {
	if !h.Valid() || int(h.Slot) >= len(m.entries) {
		return 0, nil, ErrInvalidHandle
	}
	e := &m.entries[h.Slot]
	if e.state == EntryFree || e.generation != h.Generation {
		return 0, nil, errors.Wrapf(ErrStaleHandle, "slot %d generation %d", h.Slot, h.Generation)
	}
	return int(h.Slot), e, nil
}

// Unlock drops one reference. The physical lock is released only when the
// last reference goes away and the policy does not retain the entry:
// Persistent entries stay pinned, Auto entries that have seen reuse move to
// Aging so a later Lock of the same region is free, and everything else is
// released on the spot.
func (m *Manager) Unlock(h Handle) error {
	m.counters.unlockRequests.Add(1)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	slot, e, err := m.resolveLocked(h)
	if err != nil {
		return err
	}
	if e.busy {
		return ErrEntryBusy
	}
	if e.state == EntryError {
		return ErrEntryFailed
	}
	if e.refCount == 0 {
		return errors.Wrapf(ErrInvalidHandle, "slot %d is not referenced", slot)
	}

	e.refCount--
	if e.refCount > 0 {
		return nil
	}

	switch {
	case e.policy == PolicyPersistent:
		return nil
	case e.policy == PolicyAuto && e.accessCount > 1:
		e.state = EntryAging
		e.lastAccess = m.clock()
		return nil
	}

	return m.releaseSlotLocked(slot)
}

// Find returns the handle of a live entry covering exactly (addr, size),
// without taking a reference.
func (m *Manager) Find(addr uint32, size uint32) (Handle, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	slot, hit := m.index.Get(regionKey{addr: addr, size: size})
	if !hit {
		return Handle{}, false
	}
	e := &m.entries[slot]
	if e.busy || e.state == EntryError {
		return Handle{}, false
	}
	return Handle{Slot: uint16(slot), Generation: e.generation}, true
}

// Entry returns a snapshot of the entry behind h.
func (m *Manager) Entry(h Handle) (EntryInfo, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	slot, e, err := m.resolveLocked(h)
	if err != nil {
		return EntryInfo{}, err
	}
	return e.info(slot), nil
}

// CleanupStale releases every zero-reference, non-busy, non-persistent
// entry that has been idle longer than maxAge, and returns how many were
// freed. Entries whose physical release fails are quarantined, not counted.
func (m *Manager) CleanupStale(maxAge time.Duration) int {
	now := m.clock()
	freed := 0

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := range m.entries {
		e := &m.entries[i]
		if e.busy || e.refCount != 0 || e.policy == PolicyPersistent {
			continue
		}
		if e.state != EntryLocked && e.state != EntryAging {
			continue
		}
		if now.Sub(e.lastAccess) <= maxAge {
			continue
		}
		if m.releaseSlotLocked(i) == nil {
			freed++
			m.counters.staleReclaims.Add(1)
		}
	}
	return freed
}

// LockRing pins a descriptor ring: descriptorCount descriptors of
// descriptorSize bytes starting at addr, persistent, full 32-bit
// addressing. Rings are programmed into the device once and touched on
// every interrupt, so they are never worth reclaiming.
func (m *Manager) LockRing(addr uint32, descriptorSize uint32, descriptorCount uint32) (Handle, error) {
	return m.Lock(addr, descriptorSize*descriptorCount, LockOptions{
		Policy:      PolicyPersistent,
		Constraints: safety.PCIConstraints(),
		Tag:         "descriptor-ring",
	})
}

// ResetErrorEntries force-frees quarantined slots, retrying the physical
// release once each. Slots are freed even when the retry fails; the caller
// accepts the leak to get the registry back. Returns the number of slots
// returned to service.
func (m *Manager) ResetErrorEntries() int {
	reset := 0

	m.mutex.Lock()
	defer m.mutex.Unlock()

	for i := range m.entries {
		e := &m.entries[i]
		if e.state != EntryError || e.busy {
			continue
		}

		lock := e.lock
		e.busy = true
		m.mutex.Unlock()
		err := m.layer.Unlock(lock)
		m.mutex.Lock()

		e = &m.entries[i]
		e.busy = false
		if err != nil {
			m.logger.Warn("abandoning physical lock during error reset",
				slog.Int("slot", i),
				slog.String("tag", e.tag),
				slog.Any("error", err),
			)
		}
		generation := e.generation
		*e = entry{state: EntryFree, generation: generation + 1}
		reset++
	}
	return reset
}

// DumpRegistry logs every live entry. With verbose set it includes access
// history and physical placement.
func (m *Manager) DumpRegistry(verbose bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for i := range m.entries {
		e := &m.entries[i]
		if e.state == EntryFree {
			continue
		}
		attrs := []any{
			slog.Int("slot", i),
			slog.String("state", e.state.String()),
			slog.String("policy", e.policy.String()),
			slog.String("region", regionString(e.addr, e.size)),
			slog.Int("refCount", e.refCount),
			slog.String("tag", e.tag),
		}
		if verbose {
			attrs = append(attrs,
				slog.Uint64("accessCount", e.accessCount),
				slog.Time("lastAccess", e.lastAccess),
			)
			if e.lock != nil {
				attrs = append(attrs,
					slog.String("physical", regionString(e.lock.PhysicalAddress, e.size)),
					slog.Bool("bounced", e.lock.UsedBounce),
				)
			}
		}
		m.logger.Info("registry entry", attrs...)
	}
}

// Close releases every live lock, persistent ones included, then shuts the
// safety layer down. The manager must not be used afterwards.
func (m *Manager) Close() error {
	var firstErr error

	m.mutex.Lock()
	for i := range m.entries {
		e := &m.entries[i]
		if e.state != EntryLocked && e.state != EntryAging {
			continue
		}
		if e.refCount > 0 {
			m.logger.Warn("closing over a referenced lock",
				slog.Int("slot", i),
				slog.Int("refCount", e.refCount),
				slog.String("tag", e.tag),
			)
			e.refCount = 0
		}
		e.policy = PolicyTransient
		if err := m.releaseSlotLocked(i); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mutex.Unlock()

	if err := m.layer.Destroy(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
