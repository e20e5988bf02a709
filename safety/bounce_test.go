package safety_test

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"github.com/jfabienke/dmalock/dmautils"
	"github.com/jfabienke/dmalock/safety"
	"github.com/jfabienke/dmalock/vds"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

func newTestPool(t *testing.T, o safety.BouncePoolCreateOptions) *safety.BouncePool {
	t.Helper()
	client, err := vds.New(testLogger(), nil)
	require.NoError(t, err)
	pool, err := safety.NewBouncePool(testLogger(), client, o)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, pool.Destroy())
	})
	return pool
}

func TestBounceCarveAndRelease(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{Base: 0x90000})

	lease, err := pool.Carve(100, safety.PCIConstraints())
	require.NoError(t, err)
	require.Equal(t, uint32(0x90000), lease.Address())
	require.Equal(t, uint32(100), lease.Size())
	require.Equal(t, 1, pool.BlocksInUse())

	// The second lease lands on the next block.
	second, err := pool.Carve(safety.BounceBlockSize+1, safety.PCIConstraints())
	require.NoError(t, err)
	require.Equal(t, uint32(0x90000+safety.BounceBlockSize), second.Address())
	require.Equal(t, 3, pool.BlocksInUse())
	require.Equal(t, 3, pool.PeakBlocks())

	require.NoError(t, lease.Release())
	require.NoError(t, second.Release())
	require.Equal(t, 0, pool.BlocksInUse())
	require.Equal(t, 3, pool.PeakBlocks())
}

func TestBounceDoubleRelease(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{})

	lease, err := pool.Carve(1, safety.PCIConstraints())
	require.NoError(t, err)
	require.NoError(t, lease.Release())

	err = lease.Release()
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrLeaseReleased))
	require.Equal(t, 0, pool.BlocksInUse())
}

func TestBounceExhaustion(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{BlockCount: 32})

	all, err := pool.Carve(32*safety.BounceBlockSize, safety.PCIConstraints())
	require.NoError(t, err)
	require.Equal(t, 32, pool.BlocksInUse())

	_, err = pool.Carve(1, safety.PCIConstraints())
	require.Error(t, err)
	require.True(t, errors.Is(err, safety.ErrBounceExhausted))

	require.NoError(t, all.Release())
	_, err = pool.Carve(1, safety.PCIConstraints())
	require.NoError(t, err)
}

func TestBounceCarveSkipsUnreachablePlacements(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{Base: 0x90000})

	// Occupy block 0 so the next carve starts mid-window.
	first, err := pool.Carve(1, safety.PCIConstraints())
	require.NoError(t, err)

	// Blocks 1-2 start at 0x90800 and would cross the 4KB window; the
	// carve must slide to 0x91000.
	windowed := safety.PCIConstraints()
	windowed.BoundaryMask = 0xFFF
	lease, err := pool.Carve(0xA00, windowed)
	require.NoError(t, err)
	require.Equal(t, uint32(0x91000), lease.Address())

	require.NoError(t, first.Release())
	require.NoError(t, lease.Release())
}

func TestBounceCarveIgnoresTransferSizeLimits(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{Base: 0x90000})

	// The lease is bigger than both the segment limit and the boundary
	// window; neither may refuse it. The device takes its transfers out of
	// the lease in pieces, the placement just has to be reachable.
	tight := safety.ISAConstraints()
	tight.MaxSegmentLength = 0x1000

	lease, err := pool.Carve(0x3000, tight)
	require.NoError(t, err)
	require.Equal(t, uint32(0x90000), lease.Address())
	require.Equal(t, 6, pool.BlocksInUse())
	require.NoError(t, lease.Release())

	// A lease spanning more than one 4KB window is likewise fine.
	windowed := safety.PCIConstraints()
	windowed.BoundaryMask = 0xFFF
	lease, err = pool.Carve(0x2000, windowed)
	require.NoError(t, err)
	require.NoError(t, lease.Release())
}

func TestBounceLeaseCopies(t *testing.T) {
	pool := newTestPool(t, safety.BouncePoolCreateOptions{})

	host := dmautils.NewSliceMemory(0x40000, 0x1000)
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	require.NoError(t, host.WriteAt(0x40100, payload))

	lease, err := pool.Carve(300, safety.ISAConstraints())
	require.NoError(t, err)
	require.NoError(t, lease.CopyIn(host, 0x40100))

	// Clobber the host copy, then restore it from the lease.
	require.NoError(t, host.WriteAt(0x40100, make([]byte, 300)))
	require.NoError(t, lease.CopyOut(host, 0x40100))

	got := make([]byte, 300)
	require.NoError(t, host.ReadAt(0x40100, got))
	require.Equal(t, payload, got)

	require.NoError(t, lease.Release())
	require.True(t, errors.Is(lease.CopyIn(host, 0x40100), safety.ErrLeaseReleased))
	require.True(t, errors.Is(lease.CopyOut(host, 0x40100), safety.ErrLeaseReleased))
}
