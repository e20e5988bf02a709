package safety_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfabienke/dmalock/safety"
	"github.com/jfabienke/dmalock/vds"
)

func totalLength(entries []vds.SGEntry) uint64 {
	var total uint64
	for _, e := range entries {
		total += uint64(e.Length)
	}
	return total
}

func TestCoalesceMergesAdjacentRuns(t *testing.T) {
	entries := []vds.SGEntry{
		{PhysicalAddress: 0x21000, Length: 0x1000},
		{PhysicalAddress: 0x20000, Length: 0x1000},
		{PhysicalAddress: 0x22000, Length: 0x800},
		{PhysicalAddress: 0x30000, Length: 0x400},
	}

	out := safety.CoalesceScatterList(entries, 0)
	require.Equal(t, []vds.SGEntry{
		{PhysicalAddress: 0x20000, Length: 0x2800},
		{PhysicalAddress: 0x30000, Length: 0x400},
	}, out)
}

func TestCoalesceNeverBridgesGaps(t *testing.T) {
	entries := []vds.SGEntry{
		{PhysicalAddress: 0x20000, Length: 0x1000},
		{PhysicalAddress: 0x21010, Length: 0x1000},
	}

	// A positive gap tolerance must not change the represented bytes.
	out := safety.CoalesceScatterList(entries, 0x20)
	require.Len(t, out, 2)
	require.Equal(t, totalLength(entries), totalLength(out))
}

func TestCoalesceRespects64KLimits(t *testing.T) {
	// Adjacent, but the merge would cross a 64KB boundary.
	crossing := []vds.SGEntry{
		{PhysicalAddress: 0x2F000, Length: 0x1000},
		{PhysicalAddress: 0x30000, Length: 0x1000},
	}
	out := safety.CoalesceScatterList(crossing, 0)
	require.Len(t, out, 2)

	// Adjacent within one window, but the merge would exceed 64KB.
	oversize := []vds.SGEntry{
		{PhysicalAddress: 0x40000, Length: 0xC000},
		{PhysicalAddress: 0x4C000, Length: 0x4000},
		{PhysicalAddress: 0x50000, Length: 0x1000},
	}
	out = safety.CoalesceScatterList(oversize, 0)
	require.Equal(t, []vds.SGEntry{
		{PhysicalAddress: 0x40000, Length: 0x10000},
		{PhysicalAddress: 0x50000, Length: 0x1000},
	}, out)
}

func TestCoalescePreservesTotalLength(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		count := rng.Intn(24) + 1
		entries := make([]vds.SGEntry, 0, count)
		addr := uint32(rng.Intn(0x100000))
		for i := 0; i < count; i++ {
			length := uint32(rng.Intn(0x2000))
			entries = append(entries, vds.SGEntry{PhysicalAddress: addr, Length: length})
			addr += length + uint32(rng.Intn(3))*0x10
		}

		out := safety.CoalesceScatterList(entries, uint32(rng.Intn(0x100)))
		require.Equal(t, totalLength(entries), totalLength(out))
		require.LessOrEqual(t, len(out), len(entries))
		for i := 1; i < len(out); i++ {
			require.Less(t, out[i-1].PhysicalAddress, out[i].PhysicalAddress)
		}
	}
}
