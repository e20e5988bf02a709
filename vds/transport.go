package vds

// Response is the register state handed back by the translation service after
// one protocol call. Carry is the authoritative success signal: when it is
// set, AX holds a RawError code and no other register or descriptor field may
// be interpreted.
type Response struct {
	AX    uint16
	BX    uint16
	CX    uint16
	DX    uint16
	SI    uint16
	DI    uint16
	Carry bool
}

// Err converts the response of fn into a typed error, or nil when the call
// succeeded. It enforces the carry-first discipline for callers.
func (r Response) Err(fn uint16) error {
	if !r.Carry {
		return nil
	}
	return &ProtocolError{Fn: fn, Code: RawError(r.AX)}
}

// Transport issues protocol calls against a translation service. fn selects
// the operation, flags is the operation's flags word, and descriptor is the
// encoded request descriptor for the operation (nil for register-only calls
// such as the version query). Implementations write service results back into
// the descriptor in place.
//
// For scatter-list requests the entry array area follows the request
// descriptor inside the same buffer; implementations append encoded SGEntry
// values there, up to the descriptor's entries-available count.
//
// A returned error means the call could not be delivered at all. Protocol
// failures are reported in band through Response.Carry.
//
// Transport implementations are not required to be re-entrant. The safety
// layer guarantees no call is ever issued from interrupt context.
type Transport interface {
	Call(fn uint16, flags uint16, descriptor []byte) (Response, error)
}
