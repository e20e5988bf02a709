// Package vdstest provides an in-memory translation service for tests. It
// speaks the real wire descriptors through the vds.Transport interface, so
// the layers above can be exercised against honest protocol traffic without
// hardware behind it.
package vdstest

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/jfabienke/dmalock/vds"
)

type lockState struct {
	linear  uint32
	size    uint32
	scatter bool
}

// Service is a fake translation service. The zero value is usable; fields
// may be set before (or between) calls to shape its behavior.
type Service struct {
	mu sync.Mutex

	// MajorVersion/MinorVersion report from the version query. Zero values
	// are replaced with 2.0.
	MajorVersion uint8
	MinorVersion uint8
	// MaxTransferSize advertised by the version query.
	MaxTransferSize uint32
	// ScatterGather advertises bus-master scatter/gather support.
	ScatterGather bool
	// MaxScatterEntries advertised when ScatterGather is set.
	MaxScatterEntries uint8

	// Kind selects the translation kind reported for successful locks.
	Kind vds.TranslationKind
	// AlternateBase, when Kind is TranslationAlternate, is where alternate
	// buffers are reported to live. Successive locks stack upward from it.
	AlternateBase uint32
	// Translate optionally maps linear to physical for direct/remapped
	// locks. Identity when nil.
	Translate func(linear uint32) uint32
	// TruncateLocksTo, when nonzero, caps the length the service reports
	// locking.
	TruncateLocksTo uint32

	// ScatterRuns, when non-nil, marks every lock as scattered and serves
	// this list from scatter-list retrieval.
	ScatterRuns []vds.SGEntry

	// FailNextLocks forces the next N lock calls to fail with FailCode.
	FailNextLocks int
	// FailNextUnlocks forces the next N unlock calls to fail with FailCode.
	FailNextUnlocks int
	// FailCode is the error code used for forced failures; RawLockFailed
	// when zero.
	FailCode vds.RawError

	// OnCall, when set, observes every protocol call before it is handled.
	OnCall func(fn uint16)

	nextHandle   uint16
	nextBuffer   uint16
	alternateOff uint32
	locks        map[uint16]lockState
	buffers      map[uint16]uint32

	calls []uint16
	// CopySizes records the RegionSize of every alternate-buffer copy call,
	// in order. Chunking tests assert against it.
	CopySizes []uint32
}

var _ vds.Transport = (*Service)(nil)

// Calls returns the function selectors of every call received so far.
func (s *Service) Calls() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint16, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallCount returns how many calls of the given selector were received.
func (s *Service) CallCount(fn uint16) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, got := range s.calls {
		if got == fn {
			count++
		}
	}
	return count
}

// ActiveLocks returns the number of currently held lock handles.
func (s *Service) ActiveLocks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func (s *Service) failure(code vds.RawError) vds.Response {
	if code == vds.RawSuccess {
		code = vds.RawLockFailed
	}
	return vds.Response{AX: uint16(code), Carry: true}
}

func (s *Service) Call(fn uint16, flags uint16, descriptor []byte) (vds.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.OnCall != nil {
		s.OnCall(fn)
	}
	s.calls = append(s.calls, fn)

	switch fn {
	case vds.FuncGetVersion:
		return s.version(), nil
	case vds.FuncLockRegion, vds.FuncScatterLock:
		return s.lock(descriptor)
	case vds.FuncUnlockRegion, vds.FuncScatterUnlock:
		return s.unlock(descriptor)
	case vds.FuncRequestBuffer:
		return s.requestBuffer(descriptor)
	case vds.FuncReleaseBuffer:
		return s.releaseBuffer(descriptor)
	case vds.FuncCopyToBuffer, vds.FuncCopyFromBuffer:
		return s.copyBuffer(descriptor)
	case vds.FuncGetScatterList:
		return s.scatterList(descriptor)
	case vds.FuncEnableTranslation, vds.FuncDisableTranslation:
		return vds.Response{}, nil
	}

	return s.failure(vds.RawNotSupported), nil
}

func (s *Service) version() vds.Response {
	major := s.MajorVersion
	minor := s.MinorVersion
	if major == 0 {
		major, minor = 2, 0
	}

	var dx uint16
	if s.ScatterGather {
		dx |= vds.CapBusMaster
		entries := s.MaxScatterEntries
		if entries == 0 {
			entries = 16
		}
		dx |= uint16(entries) << 8
	}

	return vds.Response{
		AX: uint16(major)<<8 | uint16(minor),
		BX: 0x1234,
		CX: 0x0001,
		DX: dx,
		SI: uint16(s.MaxTransferSize >> 16),
		DI: uint16(s.MaxTransferSize & 0xFFFF),
	}
}

func (s *Service) lock(descriptor []byte) (vds.Response, error) {
	var desc vds.LockDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}

	if s.FailNextLocks > 0 {
		s.FailNextLocks--
		return s.failure(s.FailCode), nil
	}

	if s.locks == nil {
		s.locks = make(map[uint16]lockState)
	}
	s.nextHandle++
	handle := s.nextHandle

	scattered := len(s.ScatterRuns) > 0
	kind := s.Kind

	var physical uint32
	switch {
	case scattered:
		physical = s.ScatterRuns[0].PhysicalAddress
	case kind == vds.TranslationAlternate || kind == vds.TranslationUnknown:
		physical = s.AlternateBase + s.alternateOff
		s.alternateOff += desc.RegionSize
	case s.Translate != nil:
		physical = s.Translate(desc.LinearOffset)
	default:
		physical = desc.LinearOffset
	}

	locked := desc.RegionSize
	if s.TruncateLocksTo != 0 && locked > s.TruncateLocksTo {
		locked = s.TruncateLocksTo
	}

	s.locks[handle] = lockState{linear: desc.LinearOffset, size: locked, scatter: scattered}

	desc.BufferID = handle
	desc.PhysicalAddress = physical
	desc.RegionSize = locked
	copy(descriptor, desc.Encode())

	ax := uint16(kind) << 2
	if scattered {
		ax |= 0x02
	}
	return vds.Response{AX: ax}, nil
}

func (s *Service) unlock(descriptor []byte) (vds.Response, error) {
	var desc vds.LockDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}

	if s.FailNextUnlocks > 0 {
		s.FailNextUnlocks--
		return s.failure(s.FailCode), nil
	}

	if _, held := s.locks[desc.BufferID]; !held {
		return s.failure(vds.RawRegionNotLocked), nil
	}
	delete(s.locks, desc.BufferID)
	return vds.Response{}, nil
}

func (s *Service) requestBuffer(descriptor []byte) (vds.Response, error) {
	var desc vds.LockDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}

	if s.buffers == nil {
		s.buffers = make(map[uint16]uint32)
	}
	s.nextBuffer++
	id := s.nextBuffer
	physical := s.AlternateBase + s.alternateOff
	s.alternateOff += desc.RegionSize
	s.buffers[id] = physical

	desc.BufferID = id
	desc.PhysicalAddress = physical
	copy(descriptor, desc.Encode())
	return vds.Response{}, nil
}

func (s *Service) releaseBuffer(descriptor []byte) (vds.Response, error) {
	var desc vds.LockDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}
	if _, held := s.buffers[desc.BufferID]; !held {
		return s.failure(vds.RawInvalidID), nil
	}
	delete(s.buffers, desc.BufferID)
	return vds.Response{}, nil
}

func (s *Service) copyBuffer(descriptor []byte) (vds.Response, error) {
	var desc vds.CopyDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}

	_, lockHeld := s.locks[desc.BufferID]
	_, bufferHeld := s.buffers[desc.BufferID]
	if !lockHeld && !bufferHeld {
		return s.failure(vds.RawBufferNotLocked), nil
	}
	if desc.RegionSize > vds.MaxCopyChunk {
		return s.failure(vds.RawRegionTooLarge), nil
	}

	s.CopySizes = append(s.CopySizes, desc.RegionSize)
	return vds.Response{}, nil
}

func (s *Service) scatterList(descriptor []byte) (vds.Response, error) {
	var desc vds.SGRequestDescriptor
	if err := desc.Decode(descriptor); err != nil {
		return vds.Response{}, err
	}

	state, held := s.locks[desc.Segment]
	if !held {
		return s.failure(vds.RawRegionNotLocked), nil
	}
	if !state.scatter {
		return s.failure(vds.RawInvalidParams), nil
	}

	used := len(s.ScatterRuns)
	if used > int(desc.EntriesAvailable) {
		used = int(desc.EntriesAvailable)
	}
	if err := vds.EncodeSGList(descriptor, s.ScatterRuns[:used]); err != nil {
		return vds.Response{}, errors.Wrap(err, "encoding scatter runs")
	}

	desc.EntriesUsed = uint16(used)
	copy(descriptor, desc.Encode())
	return vds.Response{}, nil
}
