package safety

import (
	"github.com/cockroachdb/errors"

	"github.com/jfabienke/dmalock/dmautils"
)

// Constraints describes the addressing limits of a bus-master or DMA
// device. The zero value is not usable; build profiles with the
// constructors below or fill one in and call Validate.
type Constraints struct {
	// AddressBits is the width of the device's address lines. A buffer
	// whose last byte does not fit in this many bits is unreachable.
	AddressBits uint8

	// AlignmentMask enforces start-address alignment. The start address
	// ANDed with this mask must be zero. Zero means no alignment
	// requirement. Mask+1 must be a power of two.
	AlignmentMask uint32

	// BoundaryMask describes the window a single transfer may not cross.
	// A transfer crosses the window when the start and the last byte fall
	// into different mask-aligned regions. Zero disables the check.
	// Mask+1 must be a power of two.
	BoundaryMask uint32

	// MaxSegmentLength caps a single contiguous transfer. Zero means
	// unlimited.
	MaxSegmentLength uint32
}

// ISAConstraints is the classic third-party DMA controller profile:
// 24-bit addressing, 64KB pages that a transfer may not cross.
func ISAConstraints() Constraints {
	return Constraints{
		AddressBits:      24,
		BoundaryMask:     0xFFFF,
		MaxSegmentLength: 0x10000,
	}
}

// PCIConstraints is the permissive bus-master profile: full 32-bit
// addressing and no boundary window.
func PCIConstraints() Constraints {
	return Constraints{
		AddressBits: 32,
	}
}

// EtherLinkIIIConstraints matches the 3C509 family: ISA addressing with
// word alignment on the transfer start.
func EtherLinkIIIConstraints() Constraints {
	c := ISAConstraints()
	c.AlignmentMask = 0x1
	return c
}

// CorkscrewConstraints matches the 3C515 bus-master: 24-bit addressing
// because the card only drives the ISA address lines, but it crosses
// 64KB pages on its own, so no boundary window applies.
func CorkscrewConstraints() Constraints {
	return Constraints{
		AddressBits:   24,
		AlignmentMask: 0x3,
	}
}

// Validate reports whether the profile is internally consistent.
func (c Constraints) Validate() error {
	if c.AddressBits == 0 || c.AddressBits > 32 {
		return errors.Wrapf(ErrInvalidConstraints, "address bits %d out of range", c.AddressBits)
	}
	if c.AlignmentMask != 0 {
		if err := dmautils.CheckPow2(c.AlignmentMask+1, "alignment mask"); err != nil {
			return errors.Wrapf(ErrInvalidConstraints, "alignment mask 0x%x is not a low-bit mask", c.AlignmentMask)
		}
	}
	if c.BoundaryMask != 0 {
		if err := dmautils.CheckPow2(c.BoundaryMask+1, "boundary mask"); err != nil {
			return errors.Wrapf(ErrInvalidConstraints, "boundary mask 0x%x is not a low-bit mask", c.BoundaryMask)
		}
	}
	return nil
}

// maxAddress returns the highest byte address the device can reach.
func (c Constraints) maxAddress() uint64 {
	return (uint64(1) << c.AddressBits) - 1
}

// Check validates a physical region against the profile. It reports the
// first violated rule; a region passing Check is reachable by the device
// as a single transfer.
func (c Constraints) Check(addr, size uint32) error {
	if size == 0 {
		return nil
	}
	end := uint64(addr) + uint64(size) - 1
	if end > c.maxAddress() {
		return errors.Wrapf(ErrAddressWidth, "region 0x%x+0x%x exceeds %d-bit addressing", addr, size, c.AddressBits)
	}
	if c.AlignmentMask != 0 && addr&c.AlignmentMask != 0 {
		return errors.Wrapf(ErrAlignmentViolation, "address 0x%x not aligned to mask 0x%x", addr, c.AlignmentMask)
	}
	if c.MaxSegmentLength != 0 && size > c.MaxSegmentLength {
		return errors.Wrapf(ErrSegmentTooLong, "size 0x%x exceeds segment limit 0x%x", size, c.MaxSegmentLength)
	}
	if dmautils.CrossesBoundary(addr, size, c.BoundaryMask) {
		return errors.Wrapf(ErrBoundaryViolation, "region 0x%x+0x%x crosses the 0x%x window", addr, size, c.BoundaryMask+1)
	}
	return nil
}
