package safety

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/jfabienke/dmalock/dmautils"
	"github.com/jfabienke/dmalock/vds"
)

// BounceBlockSize is the carve granularity of the pool. Leases are rounded
// up to whole blocks.
const BounceBlockSize = 2048

const (
	minBounceBlocks     = 32
	maxBounceBlocks     = 256
	defaultBounceBlocks = 64
)

// defaultBounceBase places the default backing region low enough to satisfy
// 24-bit profiles.
const defaultBounceBase uint32 = 0x00080000

// BouncePoolCreateOptions configures NewBouncePool.
type BouncePoolCreateOptions struct {
	// BlockCount is the number of BounceBlockSize blocks. Zero selects the
	// default; other values are clamped to the supported range.
	BlockCount int

	// Backing is the memory the pool carves leases from. When nil the pool
	// allocates a slice-backed region based at Base.
	Backing *dmautils.SliceMemory

	// Base is the physical base of the allocated backing region when
	// Backing is nil. Zero selects a default below the 24-bit limit.
	Base uint32
}

// BouncePool is a fixed pool of DMA-safe staging blocks. The whole backing
// region is locked through the translation client once at construction, so
// every lease carved from it is already reachable by the device.
type BouncePool struct {
	logger  *slog.Logger
	client  *vds.Client
	backing *dmautils.SliceMemory

	lockHandle uint16

	mu     sync.Mutex
	inUse  []bool
	usedCt int

	blocksInUse   atomic.Int64
	peakBlocks    atomic.Int64
	leasesGranted atomic.Uint64
	leasesFailed  atomic.Uint64
}

// NewBouncePool builds a pool and pins its backing region for bidirectional
// transfers. The region must satisfy the profile the pool will serve, or
// carve attempts against it will never succeed.
func NewBouncePool(logger *slog.Logger, client *vds.Client, o BouncePoolCreateOptions) (*BouncePool, error) {
	blocks := o.BlockCount
	if blocks == 0 {
		blocks = defaultBounceBlocks
	}
	if blocks < minBounceBlocks {
		blocks = minBounceBlocks
	} else if blocks > maxBounceBlocks {
		blocks = maxBounceBlocks
	}

	backing := o.Backing
	if backing == nil {
		base := o.Base
		if base == 0 {
			base = defaultBounceBase
		}
		backing = dmautils.NewSliceMemory(base, blocks*BounceBlockSize)
	} else if backing.Size() < blocks*BounceBlockSize {
		return nil, errors.Newf("bounce backing holds 0x%x bytes, need 0x%x", backing.Size(), blocks*BounceBlockSize)
	}

	pool := &BouncePool{
		logger:  logger,
		client:  client,
		backing: backing,
		inUse:   make([]bool, blocks),
	}

	result, err := client.Lock(backing.Base(), uint32(blocks)*BounceBlockSize, vds.LockContiguous, vds.Bidirectional)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to pin the bounce pool region")
	}
	pool.lockHandle = result.Handle

	logger.Debug("bounce pool ready",
		slog.Int("blocks", blocks),
		slog.String("base", fmt.Sprintf("0x%08x", backing.Base())),
	)
	return pool, nil
}

// Destroy unpins the backing region. Outstanding leases become invalid.
func (p *BouncePool) Destroy() error {
	p.mu.Lock()
	used := p.usedCt
	p.mu.Unlock()
	if used > 0 {
		p.logger.Warn("destroying bounce pool with live leases", slog.Int("blocksInUse", used))
	}
	return p.client.Unlock(p.lockHandle)
}

// Carve leases size bytes, rounded up to whole blocks, from the first free
// run whose physical placement satisfies c. Returns ErrBounceExhausted when
// no such run exists.
func (p *BouncePool) Carve(size uint32, c Constraints) (*BounceLease, error) {
	if size == 0 {
		return nil, errors.New("zero-size bounce lease")
	}
	blocks := int(dmautils.DivideRoundingUp(size, BounceBlockSize))

	p.mu.Lock()
	defer p.mu.Unlock()

	run := 0
	for i := 0; i < len(p.inUse); i++ {
		if p.inUse[i] {
			run = 0
			continue
		}
		run++
		if run < blocks {
			continue
		}

		start := i - blocks + 1
		addr := p.backing.Base() + uint32(start)*BounceBlockSize
		if !leasePlacementOK(c, addr, size) {
			// This placement is unreachable by the device. Slide the
			// window forward; a later placement may still fit.
			run--
			continue
		}

		for j := start; j <= i; j++ {
			p.inUse[j] = true
		}
		p.usedCt += blocks

		cur := p.blocksInUse.Add(int64(blocks))
		for {
			peak := p.peakBlocks.Load()
			if cur <= peak || p.peakBlocks.CompareAndSwap(peak, cur) {
				break
			}
		}
		p.leasesGranted.Add(1)

		return &BounceLease{
			pool:       p,
			firstBlock: start,
			blockCount: blocks,
			addr:       addr,
			size:       size,
		}, nil
	}

	p.leasesFailed.Add(1)
	return nil, errors.Wrapf(ErrBounceExhausted, "no run of %d free blocks fits the profile", blocks)
}

// leasePlacementOK applies only the position rules to a candidate lease.
// Transfer-size limits never reject a lease: the pool exists precisely for
// requests the device cannot take in one piece, and the caller chunks its
// transfers against the lease. The boundary rule applies only when a
// placement avoiding the window is possible at all, that is when the lease
// fits inside one window.
func leasePlacementOK(c Constraints, addr uint32, size uint32) bool {
	end := uint64(addr) + uint64(size) - 1
	if end > c.maxAddress() {
		return false
	}
	if c.AlignmentMask != 0 && addr&c.AlignmentMask != 0 {
		return false
	}
	if c.BoundaryMask != 0 && size <= c.BoundaryMask+1 &&
		dmautils.CrossesBoundary(addr, size, c.BoundaryMask) {
		return false
	}
	return true
}

func (p *BouncePool) release(l *BounceLease) {
	p.mu.Lock()
	for j := l.firstBlock; j < l.firstBlock+l.blockCount; j++ {
		p.inUse[j] = false
	}
	p.usedCt -= l.blockCount
	p.mu.Unlock()
	p.blocksInUse.Add(-int64(l.blockCount))
}

// BlocksInUse returns the number of currently leased blocks.
func (p *BouncePool) BlocksInUse() int {
	return int(p.blocksInUse.Load())
}

// PeakBlocks returns the high-water mark of leased blocks.
func (p *BouncePool) PeakBlocks() int {
	return int(p.peakBlocks.Load())
}

// BounceLease is one carved staging region. It stays valid until Release.
type BounceLease struct {
	pool       *BouncePool
	firstBlock int
	blockCount int
	addr       uint32
	size       uint32
	released   atomic.Bool
}

// Address returns the physical address of the staging region.
func (l *BounceLease) Address() uint32 {
	return l.addr
}

// Size returns the usable size in bytes, as requested at Carve time.
func (l *BounceLease) Size() uint32 {
	return l.size
}

// CopyIn stages the caller's buffer into the lease before a
// host-to-device transfer.
func (l *BounceLease) CopyIn(mem dmautils.Memory, srcAddr uint32) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	buf := make([]byte, l.size)
	if err := mem.ReadAt(srcAddr, buf); err != nil {
		return errors.Wrapf(err, "bounce copy-in read")
	}
	return l.pool.backing.WriteAt(l.addr, buf)
}

// CopyOut writes the lease contents back to the caller's buffer after a
// device-to-host transfer.
func (l *BounceLease) CopyOut(mem dmautils.Memory, dstAddr uint32) error {
	if l.released.Load() {
		return ErrLeaseReleased
	}
	buf := make([]byte, l.size)
	if err := l.pool.backing.ReadAt(l.addr, buf); err != nil {
		return errors.Wrapf(err, "bounce copy-out read")
	}
	return mem.WriteAt(dstAddr, buf)
}

// Release returns the blocks to the pool. Releasing twice is an error.
func (l *BounceLease) Release() error {
	if !l.released.CompareAndSwap(false, true) {
		return ErrLeaseReleased
	}
	l.pool.release(l)
	return nil
}
