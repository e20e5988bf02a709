package vds

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrNotPresent is returned by operations that require a live translation
	// service when the client is running direct-mapped.
	ErrNotPresent = errors.New("translation service is not present")

	// ErrInvalidSize is returned for zero-length or oversized lock requests
	// before any protocol call is issued.
	ErrInvalidSize = errors.New("lock size is zero or exceeds the maximum lockable region")

	// ErrOffsetOverflow is returned when offset+size of a copy request would
	// overflow the 32-bit address space. This is input validation, never
	// wraparound arithmetic.
	ErrOffsetOverflow = errors.New("copy offset plus size overflows the address space")
)

// ProtocolError is a failure reported by the translation service itself: the
// carry flag was set and the result word carried a RawError code.
type ProtocolError struct {
	Fn   uint16
	Code RawError
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("service function 0x%04X failed: %s (0x%02X)", e.Fn, e.Code, uint16(e.Code))
}

// AsProtocolError unwraps err to a ProtocolError if one is in its chain.
func AsProtocolError(err error) (*ProtocolError, bool) {
	var protoErr *ProtocolError
	if errors.As(err, &protoErr) {
		return protoErr, true
	}
	return nil, false
}
