package vds

// Capabilities is the service profile queried once at construction and
// re-queried only on explicit re-init. A zero MajorVersion with Present set
// never occurs; services report at least 1.0.
type Capabilities struct {
	Present      bool
	MajorVersion uint8
	MinorVersion uint8
	OEMNumber    uint16
	Revision     uint16
	// MaxTransferSize is the largest single transfer the service will pin, in
	// bytes. Zero means the service did not state a limit.
	MaxTransferSize uint32
	Flags           uint16

	SupportsScatterGather bool
	MaxScatterEntries     uint16
}

func capabilitiesFromVersionResponse(resp Response) Capabilities {
	caps := Capabilities{
		Present:         true,
		MajorVersion:    uint8(resp.AX >> 8),
		MinorVersion:    uint8(resp.AX & 0xFF),
		OEMNumber:       resp.BX,
		Revision:        resp.CX,
		MaxTransferSize: uint32(resp.SI)<<16 | uint32(resp.DI),
		Flags:           resp.DX,
	}

	caps.SupportsScatterGather = caps.Flags&CapBusMaster != 0
	if caps.SupportsScatterGather {
		// Entry budget advertised in the high byte of the flags word; default
		// to a single run when the service does not say.
		caps.MaxScatterEntries = resp.DX >> 8
		if caps.MaxScatterEntries == 0 {
			caps.MaxScatterEntries = 16
		}
	} else {
		caps.MaxScatterEntries = 1
	}

	return caps
}
