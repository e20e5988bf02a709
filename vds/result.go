package vds

// TranslationKind describes how the service mapped a locked region, reported
// in bits 2-3 of the result word after a lock call.
type TranslationKind uint8

const (
	// TranslationDirect means the physical address equals the linear address.
	TranslationDirect TranslationKind = iota
	// TranslationRemapped means the address was translated but the caller's
	// memory is used in place, so no copies are needed.
	TranslationRemapped
	// TranslationAlternate means the service substituted its own buffer and
	// the caller must copy in and out around the transfer.
	TranslationAlternate
	// TranslationUnknown is the reserved encoding. Copy obligations are
	// assigned conservatively.
	TranslationUnknown
)

var translationKindMapping = make(map[TranslationKind]string)

func (k TranslationKind) String() string {
	return translationKindMapping[k]
}

func init() {
	translationKindMapping[TranslationDirect] = "TranslationDirect"
	translationKindMapping[TranslationRemapped] = "TranslationRemapped"
	translationKindMapping[TranslationAlternate] = "TranslationAlternate"
	translationKindMapping[TranslationUnknown] = "TranslationUnknown"
}

// Direction is the transfer direction of the DMA operation a lock protects.
type Direction uint8

const (
	HostToDevice Direction = iota
	DeviceToHost
	Bidirectional
)

var directionMapping = make(map[Direction]string)

func (d Direction) String() string {
	return directionMapping[d]
}

func init() {
	directionMapping[HostToDevice] = "HostToDevice"
	directionMapping[DeviceToHost] = "DeviceToHost"
	directionMapping[Bidirectional] = "Bidirectional"
}

// CopyObligations derives the pre- and post-transfer copy requirements from a
// translation kind and a direction. Obligations are a pure function of this
// pair and are never set independently:
//
//	Direct, Remapped  - never
//	Alternate         - pre unless pure device-to-host, post unless pure host-to-device
//	Unknown           - conservative, same as Alternate
func CopyObligations(kind TranslationKind, direction Direction) (needsPreCopy, needsPostCopy bool) {
	switch kind {
	case TranslationDirect, TranslationRemapped:
		return false, false
	case TranslationAlternate:
		return direction != DeviceToHost, direction != HostToDevice
	default:
		return direction != DeviceToHost, direction != HostToDevice
	}
}

// LockResult is the outcome of a successful lock or buffer request.
type LockResult struct {
	// Handle identifies the lock for unlock and copy calls.
	Handle uint16
	// PhysicalAddress is the device-visible address of the region, or of the
	// first segment when the lock is scattered.
	PhysicalAddress uint32
	// ActualLength is the length the service locked. It may be smaller than
	// requested; callers must re-check before programming a transfer.
	ActualLength uint32
	// Kind is how the service mapped the region.
	Kind TranslationKind
	// Scattered reports whether the region is spread over multiple physical
	// runs, enumerated in Segments.
	Scattered bool
	// Segments is the owned scatter list when Scattered is set. It may be nil
	// if the list could not be retrieved; the lock is still valid.
	Segments []SGEntry

	// NeedsPreCopy and NeedsPostCopy are derived from Kind and the transfer
	// direction via CopyObligations.
	NeedsPreCopy  bool
	NeedsPostCopy bool
}

func (r *LockResult) applyResultWord(ax uint16, direction Direction) {
	r.Scattered = ax&0x02 != 0
	r.Kind = TranslationKind((ax >> 2) & 0x03)
	r.NeedsPreCopy, r.NeedsPostCopy = CopyObligations(r.Kind, direction)
}
