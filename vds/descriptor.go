package vds

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// Descriptor layouts are a bit-exact service contract: fixed field order,
// little-endian, no padding.
const (
	LockDescriptorSize      = 18
	CopyDescriptorSize      = 16
	SGRequestDescriptorSize = 20
	SGEntrySize             = 8
)

// LockDescriptor is the wire request/result block for lock and unlock calls.
// The service fills BufferID, PhysicalAddress and rewrites RegionSize with
// the length it actually locked.
type LockDescriptor struct {
	RegionSize      uint32
	LinearOffset    uint32
	Segment         uint16
	Selector        uint16
	BufferID        uint16
	PhysicalAddress uint32
}

func (d *LockDescriptor) Encode() []byte {
	buf := make([]byte, LockDescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:], d.RegionSize)
	binary.LittleEndian.PutUint32(buf[4:], d.LinearOffset)
	binary.LittleEndian.PutUint16(buf[8:], d.Segment)
	binary.LittleEndian.PutUint16(buf[10:], d.Selector)
	binary.LittleEndian.PutUint16(buf[12:], d.BufferID)
	binary.LittleEndian.PutUint32(buf[14:], d.PhysicalAddress)
	return buf
}

func (d *LockDescriptor) Decode(buf []byte) error {
	if len(buf) < LockDescriptorSize {
		return errors.Newf("lock descriptor requires %d bytes, got %d", LockDescriptorSize, len(buf))
	}
	d.RegionSize = binary.LittleEndian.Uint32(buf[0:])
	d.LinearOffset = binary.LittleEndian.Uint32(buf[4:])
	d.Segment = binary.LittleEndian.Uint16(buf[8:])
	d.Selector = binary.LittleEndian.Uint16(buf[10:])
	d.BufferID = binary.LittleEndian.Uint16(buf[12:])
	d.PhysicalAddress = binary.LittleEndian.Uint32(buf[14:])
	return nil
}

// CopyDescriptor is the wire block for alternate-buffer copy calls. The
// reserved trailing word must be transmitted as zero.
type CopyDescriptor struct {
	RegionSize   uint32
	Offset       uint32
	ClientLinear uint32
	BufferID     uint16
}

func (d *CopyDescriptor) Encode() []byte {
	buf := make([]byte, CopyDescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:], d.RegionSize)
	binary.LittleEndian.PutUint32(buf[4:], d.Offset)
	binary.LittleEndian.PutUint32(buf[8:], d.ClientLinear)
	binary.LittleEndian.PutUint16(buf[12:], d.BufferID)
	// bytes 14-15 reserved, zero
	return buf
}

func (d *CopyDescriptor) Decode(buf []byte) error {
	if len(buf) < CopyDescriptorSize {
		return errors.Newf("copy descriptor requires %d bytes, got %d", CopyDescriptorSize, len(buf))
	}
	d.RegionSize = binary.LittleEndian.Uint32(buf[0:])
	d.Offset = binary.LittleEndian.Uint32(buf[4:])
	d.ClientLinear = binary.LittleEndian.Uint32(buf[8:])
	d.BufferID = binary.LittleEndian.Uint16(buf[12:])
	return nil
}

// SGRequestDescriptor is the wire block for scatter-list retrieval. The
// caller states how many entries its list area can hold in EntriesAvailable;
// the service reports how many it wrote in EntriesUsed.
type SGRequestDescriptor struct {
	RegionSize       uint32
	LinearOffset     uint32
	Segment          uint16
	EntriesAvailable uint16
	EntriesUsed      uint16
	ListAddress      uint32
}

func (d *SGRequestDescriptor) Encode() []byte {
	buf := make([]byte, SGRequestDescriptorSize)
	binary.LittleEndian.PutUint32(buf[0:], d.RegionSize)
	binary.LittleEndian.PutUint32(buf[4:], d.LinearOffset)
	binary.LittleEndian.PutUint16(buf[8:], d.Segment)
	// bytes 10-11 reserved, zero
	binary.LittleEndian.PutUint16(buf[12:], d.EntriesAvailable)
	binary.LittleEndian.PutUint16(buf[14:], d.EntriesUsed)
	binary.LittleEndian.PutUint32(buf[16:], d.ListAddress)
	return buf
}

func (d *SGRequestDescriptor) Decode(buf []byte) error {
	if len(buf) < SGRequestDescriptorSize {
		return errors.Newf("scatter-list descriptor requires %d bytes, got %d", SGRequestDescriptorSize, len(buf))
	}
	d.RegionSize = binary.LittleEndian.Uint32(buf[0:])
	d.LinearOffset = binary.LittleEndian.Uint32(buf[4:])
	d.Segment = binary.LittleEndian.Uint16(buf[8:])
	d.EntriesAvailable = binary.LittleEndian.Uint16(buf[12:])
	d.EntriesUsed = binary.LittleEndian.Uint16(buf[14:])
	d.ListAddress = binary.LittleEndian.Uint32(buf[16:])
	return nil
}

// SGEntry is one physically-contiguous run of a scattered lock.
type SGEntry struct {
	PhysicalAddress uint32
	Length          uint32
}

// End returns the first address past the run, in 64-bit space so arithmetic
// near the top of the address range cannot wrap.
func (e SGEntry) End() uint64 {
	return uint64(e.PhysicalAddress) + uint64(e.Length)
}

func (e SGEntry) encodeTo(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:], e.PhysicalAddress)
	binary.LittleEndian.PutUint32(buf[4:], e.Length)
}

func decodeSGEntry(buf []byte) SGEntry {
	return SGEntry{
		PhysicalAddress: binary.LittleEndian.Uint32(buf[0:]),
		Length:          binary.LittleEndian.Uint32(buf[4:]),
	}
}

// EncodeSGList appends entries to the list area of a scatter-list request
// buffer, immediately after the request descriptor.
func EncodeSGList(buf []byte, entries []SGEntry) error {
	if len(buf) < SGRequestDescriptorSize+len(entries)*SGEntrySize {
		return errors.Newf("scatter list area too small for %d entries", len(entries))
	}
	for i, entry := range entries {
		entry.encodeTo(buf[SGRequestDescriptorSize+i*SGEntrySize:])
	}
	return nil
}

// DecodeSGList reads count entries from the list area of a scatter-list
// request buffer.
func DecodeSGList(buf []byte, count int) ([]SGEntry, error) {
	if len(buf) < SGRequestDescriptorSize+count*SGEntrySize {
		return nil, errors.Newf("scatter list area holds fewer than %d entries", count)
	}
	entries := make([]SGEntry, count)
	for i := 0; i < count; i++ {
		entries[i] = decodeSGEntry(buf[SGRequestDescriptorSize+i*SGEntrySize:])
	}
	return entries, nil
}
