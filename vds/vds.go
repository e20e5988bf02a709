// Package vds is the raw client for a virtual DMA translation service: the
// facility that, in an address-translated execution environment, maps the
// linear addresses software sees onto the physical addresses a bus-mastering
// device must be programmed with. The client exposes the service's protocol
// primitives (lock, unlock, dedicated buffers, alternate-buffer copies,
// scatter/gather lists) and nothing else; constraint checking and lock
// lifecycle live in the safety and manager packages built on top of it.
//
// The service is optional. When constructed without a Transport the client
// runs in the direct-mapped regime, where every lock degrades to a pure
// address computation. That is the common case on hardware that needs no
// virtualization, not an error path.
package vds

// Function selectors of the translation-service protocol. The values are a
// fixed firmware contract and must not be renumbered.
const (
	FuncGetVersion         uint16 = 0x8102
	FuncLockRegion         uint16 = 0x8103
	FuncUnlockRegion       uint16 = 0x8104
	FuncScatterLock        uint16 = 0x8105
	FuncScatterUnlock      uint16 = 0x8106
	FuncRequestBuffer      uint16 = 0x8107
	FuncGetScatterList     uint16 = 0x8108
	FuncCopyToBuffer       uint16 = 0x8109
	FuncCopyFromBuffer     uint16 = 0x810A
	FuncDisableTranslation uint16 = 0x810B
	FuncEnableTranslation  uint16 = 0x810C
	FuncReleaseBuffer      uint16 = 0x810D
)

// Lock request flags passed in the flags word of a lock call.
const (
	LockContiguous   uint16 = 0x0001
	LockAllowScatter uint16 = 0x0002
	LockNo64KCross   uint16 = 0x0080
)

// Capability flags reported by the service version query.
const (
	CapISADMA       uint16 = 0x0001
	CapNo64KCross   uint16 = 0x0002
	CapBusMaster    uint16 = 0x0004
	Cap24BitAddress uint16 = 0x0008
)

const (
	// MaxLockSize bounds a single lock request. The service cannot usefully
	// pin more than the 24-bit ISA window in one region.
	MaxLockSize uint32 = 0x00FFFFFF

	// MaxCopyChunk is the largest alternate-buffer copy issued in one
	// protocol call. Deliberately short of a full 64KB.
	MaxCopyChunk uint32 = 0xF000

	// realModeWrapLimit is the 20-bit (1MB) addressing horizon a single copy
	// call must not wrap.
	realModeWrapLimit uint32 = 0x100000
)

// RawError is a numeric error code returned by the translation service. The
// carry flag is authoritative for failure; the code is only meaningful when
// carry was set.
type RawError uint16

const (
	RawSuccess           RawError = 0x00
	RawRegionNotLocked   RawError = 0x01
	RawLockFailed        RawError = 0x02
	RawInvalidParams     RawError = 0x03
	RawBoundaryCrossed   RawError = 0x04
	RawBufferInUse       RawError = 0x05
	RawRegionTooLarge    RawError = 0x06
	RawBufferBoundary    RawError = 0x07
	RawInvalidID         RawError = 0x08
	RawBufferNotLocked   RawError = 0x09
	RawInvalidSize       RawError = 0x0A
	RawBoundaryViolation RawError = 0x0B
	RawInvalidAlignment  RawError = 0x0C
	RawNotSupported      RawError = 0x0F
	RawFlagsNotSupported RawError = 0x10
)

var rawErrorMapping = make(map[RawError]string)

func (e RawError) String() string {
	str, ok := rawErrorMapping[e]
	if !ok {
		return "unknown service error"
	}
	return str
}

func init() {
	rawErrorMapping[RawSuccess] = "success"
	rawErrorMapping[RawRegionNotLocked] = "region not locked"
	rawErrorMapping[RawLockFailed] = "lock failed"
	rawErrorMapping[RawInvalidParams] = "invalid parameters"
	rawErrorMapping[RawBoundaryCrossed] = "region crosses boundary"
	rawErrorMapping[RawBufferInUse] = "buffer in use"
	rawErrorMapping[RawRegionTooLarge] = "region too large"
	rawErrorMapping[RawBufferBoundary] = "buffer boundary violation"
	rawErrorMapping[RawInvalidID] = "invalid buffer id"
	rawErrorMapping[RawBufferNotLocked] = "buffer not locked"
	rawErrorMapping[RawInvalidSize] = "invalid size"
	rawErrorMapping[RawBoundaryViolation] = "boundary violation"
	rawErrorMapping[RawInvalidAlignment] = "invalid alignment"
	rawErrorMapping[RawNotSupported] = "function not supported"
	rawErrorMapping[RawFlagsNotSupported] = "flags not supported"
}

// IsBoundary reports whether the code is one of the two boundary-class
// failures. Both are counted against the same statistic.
func (e RawError) IsBoundary() bool {
	return e == RawBoundaryCrossed || e == RawBoundaryViolation
}

// IsRetryable reports whether the code describes a transient lock failure
// worth attempting again. Parameter and capability errors are not.
func (e RawError) IsRetryable() bool {
	return e == RawLockFailed || e.IsBoundary()
}
