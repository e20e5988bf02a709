package dmautils

import (
	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint | ~uint16 | ~uint32 | ~uint64
}

func CheckPow2[T Number](number T, name string) error {
	if number == 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value uint32, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

func AlignDown(value uint32, alignment uint32) uint32 {
	return value &^ (alignment - 1)
}

// CrossesBoundary reports whether the byte range [addr, addr+size) straddles a
// boundary described by mask. The mask covers the low bits of one boundary
// window, so a mask of 0xFFFF detects 64KB crossings. A zero-length range
// never crosses anything.
func CrossesBoundary(addr uint32, size uint32, mask uint32) bool {
	if size == 0 || mask == 0 {
		return false
	}
	return addr&^mask != (addr+size-1)&^mask
}

// DivideRoundingUp computes the number of whole blockSize blocks needed to
// cover size bytes.
func DivideRoundingUp(size uint32, blockSize uint32) uint32 {
	return (size + blockSize - 1) / blockSize
}
