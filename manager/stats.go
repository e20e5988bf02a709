package manager

import (
	"fmt"
	"sync/atomic"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// ManagerStats is a point-in-time snapshot of the registry and its
// counters.
type ManagerStats struct {
	Capacity       int
	LiveEntries    int
	AgingEntries   int
	ErrorEntries   int
	PersistentHeld int

	LockRequests         uint64
	DedupHits            uint64
	LocksCreated         uint64
	UnlockRequests       uint64
	LocksReleased        uint64
	AutoPromotions       uint64
	StaleReclaims        uint64
	PressureReclaims     uint64
	RegistryFullFailures uint64
	QuarantinedTotal     uint64
}

type managerCounters struct {
	lockRequests         atomic.Uint64
	dedupHits            atomic.Uint64
	locksCreated         atomic.Uint64
	unlockRequests       atomic.Uint64
	locksReleased        atomic.Uint64
	autoPromotions       atomic.Uint64
	staleReclaims        atomic.Uint64
	pressureReclaims     atomic.Uint64
	registryFullFailures atomic.Uint64
	errorEntries         atomic.Uint64
}

// Stats returns a snapshot of the counters and the current registry
// occupancy.
func (m *Manager) Stats() ManagerStats {
	stats := ManagerStats{
		Capacity:             len(m.entries),
		LockRequests:         m.counters.lockRequests.Load(),
		DedupHits:            m.counters.dedupHits.Load(),
		LocksCreated:         m.counters.locksCreated.Load(),
		UnlockRequests:       m.counters.unlockRequests.Load(),
		LocksReleased:        m.counters.locksReleased.Load(),
		AutoPromotions:       m.counters.autoPromotions.Load(),
		StaleReclaims:        m.counters.staleReclaims.Load(),
		PressureReclaims:     m.counters.pressureReclaims.Load(),
		RegistryFullFailures: m.counters.registryFullFailures.Load(),
		QuarantinedTotal:     m.counters.errorEntries.Load(),
	}

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	for i := range m.entries {
		e := &m.entries[i]
		switch e.state {
		case EntryLocked:
			stats.LiveEntries++
			if e.policy == PolicyPersistent {
				stats.PersistentHeld++
			}
		case EntryAging:
			stats.LiveEntries++
			stats.AgingEntries++
		case EntryError:
			stats.ErrorEntries++
		}
	}
	return stats
}

// BuildStatsString writes the counters and every live entry as JSON.
func (m *Manager) BuildStatsString(writer *jwriter.Writer) {
	stats := m.Stats()

	obj := writer.Object()
	defer obj.End()

	counters := obj.Name("Counters").Object()
	counters.Name("LockRequests").Int(int(stats.LockRequests))
	counters.Name("DedupHits").Int(int(stats.DedupHits))
	counters.Name("LocksCreated").Int(int(stats.LocksCreated))
	counters.Name("UnlockRequests").Int(int(stats.UnlockRequests))
	counters.Name("LocksReleased").Int(int(stats.LocksReleased))
	counters.Name("AutoPromotions").Int(int(stats.AutoPromotions))
	counters.Name("StaleReclaims").Int(int(stats.StaleReclaims))
	counters.Name("PressureReclaims").Int(int(stats.PressureReclaims))
	counters.Name("RegistryFullFailures").Int(int(stats.RegistryFullFailures))
	counters.End()

	obj.Name("Capacity").Int(stats.Capacity)
	obj.Name("LiveEntries").Int(stats.LiveEntries)
	obj.Name("ErrorEntries").Int(stats.ErrorEntries)

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	entriesArr := obj.Name("Entries").Array()
	defer entriesArr.End()

	for i := range m.entries {
		e := &m.entries[i]
		if e.state == EntryFree {
			continue
		}
		entryObj := entriesArr.Object()
		entryObj.Name("Slot").Int(i)
		entryObj.Name("State").String(e.state.String())
		entryObj.Name("Policy").String(e.policy.String())
		entryObj.Name("Region").String(regionString(e.addr, e.size))
		entryObj.Name("RefCount").Int(e.refCount)
		entryObj.Name("AccessCount").Int(int(e.accessCount))
		if e.tag != "" {
			entryObj.Name("Tag").String(e.tag)
		}
		if e.lock != nil {
			entryObj.Name("Physical").String(fmt.Sprintf("0x%08x", e.lock.PhysicalAddress))
			entryObj.Name("Bounced").Bool(e.lock.UsedBounce)
		}
		entryObj.End()
	}
}

func regionString(addr uint32, size uint32) string {
	return fmt.Sprintf("0x%08x+0x%x", addr, size)
}
