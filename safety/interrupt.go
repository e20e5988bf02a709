package safety

import "sync/atomic"

// InterruptGate tracks interrupt nesting. While the depth is above zero no
// translation protocol call may be issued; the layer checks the gate before
// touching the service and fails fast instead of deadlocking it.
//
// Enter and Leave are safe to call from any goroutine, including the one
// standing in for the interrupt handler.
type InterruptGate struct {
	depth atomic.Int32
}

// Enter records one level of interrupt nesting.
func (g *InterruptGate) Enter() {
	g.depth.Add(1)
}

// Leave records the end of one nesting level. Unbalanced Leave calls are
// absorbed at zero rather than driving the depth negative.
func (g *InterruptGate) Leave() {
	for {
		cur := g.depth.Load()
		if cur <= 0 {
			return
		}
		if g.depth.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Active reports whether any nesting level is open.
func (g *InterruptGate) Active() bool {
	return g.depth.Load() > 0
}

// Depth returns the current nesting depth.
func (g *InterruptGate) Depth() int {
	d := g.depth.Load()
	if d < 0 {
		return 0
	}
	return int(d)
}
