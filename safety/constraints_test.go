package safety_test

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/jfabienke/dmalock/safety"
)

func TestConstraintsValidate(t *testing.T) {
	require.NoError(t, safety.ISAConstraints().Validate())
	require.NoError(t, safety.PCIConstraints().Validate())
	require.NoError(t, safety.EtherLinkIIIConstraints().Validate())
	require.NoError(t, safety.CorkscrewConstraints().Validate())

	var zero safety.Constraints
	err := zero.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrInvalidConstraints))

	bad := safety.ISAConstraints()
	bad.BoundaryMask = 0xFFFE
	err = bad.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrInvalidConstraints))

	bad = safety.ISAConstraints()
	bad.AlignmentMask = 0x2
	err = bad.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrInvalidConstraints))
}

func TestConstraintsCheck(t *testing.T) {
	isa := safety.ISAConstraints()

	require.NoError(t, isa.Check(0x1000, 0x1000))
	require.NoError(t, isa.Check(0x0, 0x10000))
	require.NoError(t, isa.Check(0xFF0000, 0x10000))

	err := isa.Check(0xFFF0, 0x20)
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrBoundaryViolation))

	err = isa.Check(0x1000000, 0x100)
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrAddressWidth))

	err = isa.Check(0xFFFF00, 0x200)
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrAddressWidth))

	big := safety.PCIConstraints()
	big.MaxSegmentLength = 0x1000
	err = big.Check(0x0, 0x1001)
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrSegmentTooLong))

	aligned := safety.CorkscrewConstraints()
	err = aligned.Check(0x1002, 0x100)
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrAlignmentViolation))
	require.NoError(t, aligned.Check(0x1004, 0x100))

	// Zero-size transfers pass every rule.
	require.NoError(t, isa.Check(0xFFFF, 0))
}

// naiveCross walks the transfer byte by byte and reports whether any two
// consecutive bytes fall into different boundary windows.
func naiveCross(addr, size, mask uint32) bool {
	if size == 0 || mask == 0 {
		return false
	}
	window := mask + 1
	for off := uint32(1); off < size; off++ {
		if (addr+off)%window == 0 {
			return true
		}
	}
	return false
}

func TestBoundaryPredicateMatchesNaiveScan(t *testing.T) {
	rng := rand.New(rand.NewSource(0x3c515))
	masks := []uint32{0xFFF, 0xFFFF}
	c := safety.PCIConstraints()

	for i := 0; i < 2000; i++ {
		mask := masks[rng.Intn(len(masks))]
		addr := rng.Uint32() & 0xFFFFF
		size := uint32(rng.Intn(0x4000) + 1)

		c.BoundaryMask = mask
		got := c.Check(addr, size)
		want := naiveCross(addr, size, mask)
		if want {
			require.Errorf(t, got, "addr=0x%x size=0x%x mask=0x%x", addr, size, mask)
			require.True(t, errors.Is(got, safety.ErrBoundaryViolation))
		} else {
			require.NoErrorf(t, got, "addr=0x%x size=0x%x mask=0x%x", addr, size, mask)
		}
	}
}
