package manager

// Handle names one registry entry. The generation changes every time the
// slot is recycled, so a handle kept past its unlock can never reach a
// region it does not own. The zero Handle is invalid.
type Handle struct {
	Slot       uint16
	Generation uint32
}

// Valid reports whether the handle could name a live entry. Generations
// start at 1, so the zero value always fails.
func (h Handle) Valid() bool {
	return h.Generation != 0
}
