package manager

import (
	"time"

	"github.com/jfabienke/dmalock/safety"
)

// EntryState is the lifecycle state of one registry slot.
type EntryState uint32

const (
	// EntryFree marks an unused slot.
	EntryFree EntryState = iota
	// EntryLocked marks a live lock, referenced or retained by policy.
	EntryLocked
	// EntryAging marks a zero-reference lock kept warm for reuse. Aging
	// entries are released by the stale sweep or reclaimed under
	// allocation pressure.
	EntryAging
	// EntryError marks a slot whose physical release failed. It is
	// quarantined until ResetErrorEntries.
	EntryError
)

var entryStateNames = map[EntryState]string{
	EntryFree:   "Free",
	EntryLocked: "Locked",
	EntryAging:  "Aging",
	EntryError:  "Error",
}

func (s EntryState) String() string {
	name, ok := entryStateNames[s]
	if !ok {
		return "unknown state"
	}
	return name
}

// regionKey is the dedup index key. Two requests for the same (address,
// size) pair share one entry.
type regionKey struct {
	addr uint32
	size uint32
}

type entry struct {
	state      EntryState
	generation uint32

	addr uint32
	size uint32
	tag  string

	policy      Policy
	refCount    int
	accessCount uint64
	lastAccess  time.Time

	// busy is set while the slot's lock or unlock is in flight with the
	// registry mutex released. A busy slot may not be reclaimed, released
	// or dereferenced.
	busy bool

	lock *safety.Lock
}

// EntryInfo is a read-only snapshot of one live entry.
type EntryInfo struct {
	Handle          Handle
	Address         uint32
	Size            uint32
	PhysicalAddress uint32
	State           EntryState
	Policy          Policy
	RefCount        int
	AccessCount     uint64
	LastAccess      time.Time
	UsedBounce      bool
	Scattered       bool
	Tag             string
}

func (e *entry) info(slot int) EntryInfo {
	info := EntryInfo{
		Handle:      Handle{Slot: uint16(slot), Generation: e.generation},
		Address:     e.addr,
		Size:        e.size,
		State:       e.state,
		Policy:      e.policy,
		RefCount:    e.refCount,
		AccessCount: e.accessCount,
		LastAccess:  e.lastAccess,
		Tag:         e.tag,
	}
	if e.lock != nil {
		info.PhysicalAddress = e.lock.PhysicalAddress
		info.UsedBounce = e.lock.UsedBounce
		info.Scattered = e.lock.Scattered
	}
	return info
}
