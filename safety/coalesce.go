package safety

import (
	"golang.org/x/exp/slices"

	"github.com/jfabienke/dmalock/vds"
)

// coalesceMaxRun caps a merged entry at the classic DMA page size. Merges
// that would exceed it, or that would make the merged run cross a 64KB
// boundary, are refused.
const coalesceMaxRun = 0x10000

// CoalesceScatterList merges physically adjacent scatter entries. Entries
// are sorted by physical address first, then merged left to right. Only
// strictly adjacent runs merge; maxGap survives in the signature for
// callers that tuned it historically but any positive value is treated as
// zero, so the total byte count the list represents never changes. Zero
// length entries are dropped.
func CoalesceScatterList(entries []vds.SGEntry, maxGap uint32) []vds.SGEntry {
	_ = maxGap

	if len(entries) == 0 {
		return nil
	}

	sorted := make([]vds.SGEntry, 0, len(entries))
	for _, e := range entries {
		if e.Length != 0 {
			sorted = append(sorted, e)
		}
	}
	if len(sorted) == 0 {
		return nil
	}
	slices.SortFunc(sorted, func(a, b vds.SGEntry) bool {
		return a.PhysicalAddress < b.PhysicalAddress
	})

	out := sorted[:1]
	for _, e := range sorted[1:] {
		last := &out[len(out)-1]
		merged := uint64(last.Length) + uint64(e.Length)
		switch {
		case last.End() != uint64(e.PhysicalAddress):
			// Not adjacent.
		case merged > coalesceMaxRun:
		case last.PhysicalAddress&^uint32(0xFFFF) != uint32(uint64(e.PhysicalAddress)+uint64(e.Length)-1)&^uint32(0xFFFF):
			// The merged run would span a 64KB boundary.
		default:
			last.Length += e.Length
			continue
		}
		out = append(out, e)
	}
	return out
}
