package vds

import (
	"math"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"
)

// Client presents the translation service's primitives as a small typed
// surface. It owns no state beyond the capability profile cached at
// construction and its statistics counters, so one client may be shared
// freely across the layers above it.
type Client struct {
	logger    *slog.Logger
	transport Transport
	caps      Capabilities
	counters  clientCounters
}

// New builds a client over transport. A nil transport selects the
// direct-mapped regime: locks become pure address computations and copy
// operations are no-ops. A non-nil transport gets a version query at once;
// a service that does not answer it is a construction error, not a degraded
// mode.
func New(logger *slog.Logger, transport Transport) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		logger:    logger,
		transport: transport,
	}

	if err := client.queryCapabilities(); err != nil {
		return nil, err
	}

	return client, nil
}

func (c *Client) queryCapabilities() error {
	if c.transport == nil {
		c.caps = Capabilities{Present: false}
		c.logger.Debug("translation service absent, running direct-mapped")
		return nil
	}

	resp, err := c.transport.Call(FuncGetVersion, 0, nil)
	if err != nil {
		return errors.Wrap(err, "querying translation service version")
	}
	if err := resp.Err(FuncGetVersion); err != nil {
		return errors.Wrap(err, "translation service rejected version query")
	}

	c.caps = capabilitiesFromVersionResponse(resp)
	c.logger.Info("translation service detected",
		slog.Int("major", int(c.caps.MajorVersion)),
		slog.Int("minor", int(c.caps.MinorVersion)),
		slog.Int("maxTransferSize", int(c.caps.MaxTransferSize)),
		slog.Bool("scatterGather", c.caps.SupportsScatterGather))
	return nil
}

// Reinit re-queries the capability profile. Capabilities are otherwise
// immutable for the client's lifetime.
func (c *Client) Reinit() error {
	return c.queryCapabilities()
}

// IsPresent reports whether a translation service is behind this client.
func (c *Client) IsPresent() bool {
	return c.caps.Present
}

// Capabilities returns the cached capability profile.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// Stats returns a snapshot of the protocol counters.
func (c *Client) Stats() ClientStats {
	return c.counters.snapshot()
}

// ResetStats zeroes the protocol counters.
func (c *Client) ResetStats() {
	c.counters.reset()
}

// Lock pins [addr, addr+size) for DMA and reports the device-visible address.
// Without a service present this degrades to a direct mapping: physical equals
// linear, full length, no copy obligations. With a service present exactly one
// protocol call is issued; bounded retry belongs to the safety layer.
func (c *Client) Lock(addr uint32, size uint32, flags uint16, direction Direction) (*LockResult, error) {
	if size == 0 || size > MaxLockSize {
		return nil, errors.Wrapf(ErrInvalidSize, "requested 0x%08X bytes", size)
	}

	c.counters.lockAttempts.Add(1)

	if !c.caps.Present {
		c.counters.lockSuccesses.Add(1)
		c.counters.directLocks.Add(1)
		return &LockResult{
			Handle:          0,
			PhysicalAddress: addr,
			ActualLength:    size,
			Kind:            TranslationDirect,
		}, nil
	}

	desc := LockDescriptor{
		RegionSize:   size,
		LinearOffset: addr,
	}
	buf := desc.Encode()

	resp, err := c.transport.Call(FuncLockRegion, flags, buf)
	if err != nil {
		c.counters.lockFailures.Add(1)
		return nil, errors.Wrapf(err, "lock of 0x%08X+0x%X", addr, size)
	}
	// Carry first: on failure the result word is an error code, nothing else
	// in the descriptor is valid.
	if protoErr := resp.Err(FuncLockRegion); protoErr != nil {
		c.counters.lockFailures.Add(1)
		if RawError(resp.AX).IsBoundary() {
			c.counters.boundaryViolations.Add(1)
		}
		return nil, protoErr
	}

	if err := desc.Decode(buf); err != nil {
		c.counters.lockFailures.Add(1)
		return nil, errors.Wrap(err, "decoding lock result descriptor")
	}

	result := &LockResult{
		Handle:          desc.BufferID,
		PhysicalAddress: desc.PhysicalAddress,
		ActualLength:    desc.RegionSize,
	}
	result.applyResultWord(resp.AX, direction)

	c.counters.lockSuccesses.Add(1)
	switch result.Kind {
	case TranslationDirect, TranslationRemapped:
		c.counters.directLocks.Add(1)
	default:
		c.counters.alternateDetections.Add(1)
	}

	if result.Scattered {
		c.counters.scatterLocks.Add(1)
		maxEntries := c.caps.MaxScatterEntries
		if maxEntries == 0 {
			maxEntries = 1
		}
		segments, sgErr := c.GetScatterList(result.Handle, maxEntries)
		if sgErr != nil {
			// The lock itself is still good; callers holding only the handle
			// can proceed without the list.
			c.logger.Warn("scattered lock without retrievable scatter list",
				slog.Int("handle", int(result.Handle)),
				slog.Any("error", sgErr))
		} else {
			result.Segments = segments
		}
	}

	c.logger.Debug("locked region",
		slog.Int("handle", int(result.Handle)),
		slog.String("kind", result.Kind.String()),
		slog.Bool("scattered", result.Scattered),
		slog.Bool("preCopy", result.NeedsPreCopy),
		slog.Bool("postCopy", result.NeedsPostCopy))

	return result, nil
}

// Unlock releases a lock handle. Direct-mapped locks carry no service state,
// so without a service this is a counted no-op.
func (c *Client) Unlock(handle uint16) error {
	c.counters.unlockAttempts.Add(1)

	if !c.caps.Present {
		c.counters.unlockSuccesses.Add(1)
		return nil
	}

	desc := LockDescriptor{BufferID: handle}
	buf := desc.Encode()

	resp, err := c.transport.Call(FuncUnlockRegion, 0, buf)
	if err != nil {
		c.counters.unlockFailures.Add(1)
		return errors.Wrapf(err, "unlock of handle 0x%04X", handle)
	}
	if protoErr := resp.Err(FuncUnlockRegion); protoErr != nil {
		c.counters.unlockFailures.Add(1)
		return protoErr
	}

	c.counters.unlockSuccesses.Add(1)
	return nil
}

// RequestBuffer asks the service for a dedicated DMA-safe buffer of the given
// size. The returned handle doubles as the buffer id for ReleaseBuffer and
// the copy operations.
func (c *Client) RequestBuffer(size uint32, flags uint16) (*LockResult, error) {
	if size == 0 || size > MaxLockSize {
		return nil, errors.Wrapf(ErrInvalidSize, "requested 0x%08X bytes", size)
	}
	if !c.caps.Present {
		return nil, ErrNotPresent
	}

	desc := LockDescriptor{RegionSize: size}
	buf := desc.Encode()

	resp, err := c.transport.Call(FuncRequestBuffer, flags, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "requesting buffer of 0x%X bytes", size)
	}
	if protoErr := resp.Err(FuncRequestBuffer); protoErr != nil {
		return nil, protoErr
	}
	if err := desc.Decode(buf); err != nil {
		return nil, errors.Wrap(err, "decoding buffer result descriptor")
	}

	result := &LockResult{
		Handle:          desc.BufferID,
		PhysicalAddress: desc.PhysicalAddress,
		ActualLength:    desc.RegionSize,
		Kind:            TranslationAlternate,
	}
	// A dedicated buffer is always distinct memory: copies both ways.
	result.NeedsPreCopy, result.NeedsPostCopy = CopyObligations(TranslationAlternate, Bidirectional)
	return result, nil
}

// ReleaseBuffer returns a dedicated buffer to the service.
func (c *Client) ReleaseBuffer(id uint16) error {
	if !c.caps.Present {
		return ErrNotPresent
	}

	desc := LockDescriptor{BufferID: id}
	buf := desc.Encode()

	resp, err := c.transport.Call(FuncReleaseBuffer, 0, buf)
	if err != nil {
		return errors.Wrapf(err, "releasing buffer 0x%04X", id)
	}
	return resp.Err(FuncReleaseBuffer)
}

// CopyToAlternate stages bytes from the caller's space into the service's
// alternate buffer before a host-to-device transfer. Large copies are chunked
// so that no single protocol call exceeds MaxCopyChunk or wraps the 1MB
// addressing horizon. A zero-length copy succeeds without a protocol call.
func (c *Client) CopyToAlternate(handle uint16, clientLinear uint32, size uint32, offset uint32) error {
	return c.copyAlternate(FuncCopyToBuffer, handle, clientLinear, size, offset)
}

// CopyFromAlternate retrieves bytes from the service's alternate buffer into
// the caller's space after a device-to-host transfer. Chunking rules match
// CopyToAlternate.
func (c *Client) CopyFromAlternate(handle uint16, clientLinear uint32, size uint32, offset uint32) error {
	return c.copyAlternate(FuncCopyFromBuffer, handle, clientLinear, size, offset)
}

func (c *Client) copyAlternate(fn uint16, handle uint16, clientLinear uint32, size uint32, offset uint32) error {
	if size == 0 {
		// No-op success; a round-trip for nothing costs real time on the
		// systems this protocol lives on.
		return nil
	}
	if offset > math.MaxUint32-size {
		return errors.Wrapf(ErrOffsetOverflow, "offset 0x%08X size 0x%08X", offset, size)
	}
	if !c.caps.Present {
		// No service means no alternate buffer exists to copy against.
		return nil
	}

	remaining := size
	processed := uint32(0)

	for remaining > 0 {
		chunk := remaining
		if chunk > MaxCopyChunk {
			chunk = MaxCopyChunk
		}

		// A chunk never reaches past a 1MB boundary; the room left below
		// the next boundary is always at least one byte.
		chunkLinear := clientLinear + processed
		if wrapRoom := realModeWrapLimit - (chunkLinear & (realModeWrapLimit - 1)); chunk > wrapRoom {
			chunk = wrapRoom
		}

		desc := CopyDescriptor{
			RegionSize:   chunk,
			Offset:       offset + processed,
			ClientLinear: chunkLinear,
			BufferID:     handle,
		}
		buf := desc.Encode()

		resp, err := c.transport.Call(fn, 0, buf)
		if err != nil {
			return errors.Wrapf(err, "alternate-buffer copy at offset 0x%08X", offset+processed)
		}
		if protoErr := resp.Err(fn); protoErr != nil {
			return protoErr
		}

		remaining -= chunk
		processed += chunk
	}

	return nil
}

// GetScatterList retrieves up to maxEntries physical runs for a scattered
// lock.
func (c *Client) GetScatterList(handle uint16, maxEntries uint16) ([]SGEntry, error) {
	if !c.caps.Present {
		return nil, ErrNotPresent
	}
	if maxEntries == 0 {
		return nil, errors.Newf("scatter list request with zero entry budget")
	}

	// The lock handle travels in the segment field of the request block.
	desc := SGRequestDescriptor{
		Segment:          handle,
		EntriesAvailable: maxEntries,
	}
	buf := make([]byte, SGRequestDescriptorSize+int(maxEntries)*SGEntrySize)
	copy(buf, desc.Encode())

	resp, err := c.transport.Call(FuncGetScatterList, 0, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "scatter list for handle 0x%04X", handle)
	}
	if protoErr := resp.Err(FuncGetScatterList); protoErr != nil {
		return nil, protoErr
	}

	if err := desc.Decode(buf); err != nil {
		return nil, errors.Wrap(err, "decoding scatter list descriptor")
	}
	used := desc.EntriesUsed
	if used > maxEntries {
		return nil, errors.Newf("service reported %d scatter entries against a budget of %d", used, maxEntries)
	}

	return DecodeSGList(buf, int(used))
}

// EnableTranslation re-enables address translation after a DisableTranslation
// window.
func (c *Client) EnableTranslation() error {
	return c.translationSwitch(FuncEnableTranslation)
}

// DisableTranslation suspends address translation. Only diagnostic paths
// should need this.
func (c *Client) DisableTranslation() error {
	return c.translationSwitch(FuncDisableTranslation)
}

func (c *Client) translationSwitch(fn uint16) error {
	if !c.caps.Present {
		return ErrNotPresent
	}
	resp, err := c.transport.Call(fn, 0, nil)
	if err != nil {
		return errors.Wrapf(err, "translation switch 0x%04X", fn)
	}
	return resp.Err(fn)
}
