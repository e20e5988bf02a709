package dmautils

import (
	cerrors "github.com/cockroachdb/errors"
)

// Memory is a flat, linearly-addressed byte space. The locking layers only
// ever traffic in addresses; an accessor like this is required whenever bytes
// actually have to move, such as staging a caller's buffer into a bounce
// lease before a transfer and back out afterward.
//
// Implementations must tolerate concurrent readers but are not required to
// serialize writers - that discipline belongs to the caller.
type Memory interface {
	// ReadAt fills p with the bytes at [addr, addr+len(p)).
	ReadAt(addr uint32, p []byte) error
	// WriteAt stores p at [addr, addr+len(p)).
	WriteAt(addr uint32, p []byte) error
}

// SliceMemory is a Memory backed by a single byte slice mapped at a fixed
// base address. It is the canonical accessor for pool-owned memory and for
// tests that need a small window of address space.
type SliceMemory struct {
	base uint32
	data []byte
}

func NewSliceMemory(base uint32, size int) *SliceMemory {
	return &SliceMemory{
		base: base,
		data: make([]byte, size),
	}
}

// WrapSliceMemory maps an existing slice at base without copying it.
func WrapSliceMemory(base uint32, data []byte) *SliceMemory {
	return &SliceMemory{base: base, data: data}
}

func (m *SliceMemory) Base() uint32 {
	return m.base
}

func (m *SliceMemory) Size() int {
	return len(m.data)
}

// Bytes returns the backing slice. Mutating it mutates the memory.
func (m *SliceMemory) Bytes() []byte {
	return m.data
}

func (m *SliceMemory) bounds(addr uint32, length int) (int, error) {
	offset := int64(addr) - int64(m.base)
	if offset < 0 || offset+int64(length) > int64(len(m.data)) {
		return 0, cerrors.Wrapf(OutOfRangeError, "address 0x%08X length %d against window [0x%08X, 0x%08X)",
			addr, length, m.base, m.base+uint32(len(m.data)))
	}
	return int(offset), nil
}

func (m *SliceMemory) ReadAt(addr uint32, p []byte) error {
	offset, err := m.bounds(addr, len(p))
	if err != nil {
		return err
	}
	copy(p, m.data[offset:])
	return nil
}

func (m *SliceMemory) WriteAt(addr uint32, p []byte) error {
	offset, err := m.bounds(addr, len(p))
	if err != nil {
		return err
	}
	copy(m.data[offset:], p)
	return nil
}
