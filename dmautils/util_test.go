package dmautils_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/jfabienke/dmalock/dmautils"
)

func TestCheckPow2(t *testing.T) {
	require.NoError(t, dmautils.CheckPow2(1, "one"))
	require.NoError(t, dmautils.CheckPow2(0x10000, "page"))

	err := dmautils.CheckPow2(3, "three")
	require.Error(t, err)
	require.True(t, errors.Is(err, dmautils.PowerOfTwoError))
	require.Error(t, dmautils.CheckPow2(0, "zero"))
}

func TestAlign(t *testing.T) {
	require.Equal(t, uint32(0x2000), dmautils.AlignUp(0x1001, 0x1000))
	require.Equal(t, uint32(0x1000), dmautils.AlignUp(0x1000, 0x1000))
	require.Equal(t, uint32(0x1000), dmautils.AlignDown(0x1FFF, 0x1000))
}

func TestCrossesBoundary(t *testing.T) {
	require.False(t, dmautils.CrossesBoundary(0x0000, 0x10000, 0xFFFF))
	require.True(t, dmautils.CrossesBoundary(0x0001, 0x10000, 0xFFFF))
	require.True(t, dmautils.CrossesBoundary(0xFFFF, 2, 0xFFFF))
	require.False(t, dmautils.CrossesBoundary(0xFFFF, 1, 0xFFFF))

	// Zero size or no window never crosses.
	require.False(t, dmautils.CrossesBoundary(0xFFFF, 0, 0xFFFF))
	require.False(t, dmautils.CrossesBoundary(0xFFFF, 0x100, 0))
}

func TestSliceMemoryBounds(t *testing.T) {
	mem := dmautils.NewSliceMemory(0x1000, 0x100)
	require.Equal(t, uint32(0x1000), mem.Base())
	require.Equal(t, 0x100, mem.Size())

	payload := []byte{1, 2, 3, 4}
	require.NoError(t, mem.WriteAt(0x10FC, payload))

	got := make([]byte, 4)
	require.NoError(t, mem.ReadAt(0x10FC, got))
	require.Equal(t, payload, got)

	err := mem.WriteAt(0x10FD, payload)
	require.True(t, errors.Is(err, dmautils.OutOfRangeError))
	require.True(t, errors.Is(mem.ReadAt(0x0FFF, got), dmautils.OutOfRangeError))
}
