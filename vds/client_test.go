package vds_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"

	"github.com/jfabienke/dmalock/vds"
	"github.com/jfabienke/dmalock/vds/mock_vds"
	"github.com/jfabienke/dmalock/vds/vdstest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard))
}

func TestDirectMappedLock(t *testing.T) {
	client, err := vds.New(testLogger(), nil)
	require.NoError(t, err)
	require.False(t, client.IsPresent())

	result, err := client.Lock(0x00090000, 4096, 0, vds.Bidirectional)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00090000), result.PhysicalAddress)
	require.Equal(t, uint32(4096), result.ActualLength)
	require.Equal(t, vds.TranslationDirect, result.Kind)
	require.False(t, result.NeedsPreCopy)
	require.False(t, result.NeedsPostCopy)

	require.NoError(t, client.Unlock(result.Handle))

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.LockSuccesses)
	require.Equal(t, uint64(1), stats.DirectLocks)
	require.Equal(t, uint64(1), stats.UnlockSuccesses)
}

func TestLockSizeValidation(t *testing.T) {
	client, err := vds.New(testLogger(), nil)
	require.NoError(t, err)

	_, err = client.Lock(0x1000, 0, 0, vds.HostToDevice)
	require.ErrorIs(t, err, vds.ErrInvalidSize)

	_, err = client.Lock(0x1000, vds.MaxLockSize+1, 0, vds.HostToDevice)
	require.ErrorIs(t, err, vds.ErrInvalidSize)
}

func TestVersionQueryCapabilities(t *testing.T) {
	service := &vdstest.Service{
		MajorVersion:      3,
		MinorVersion:      1,
		MaxTransferSize:   0x00020000,
		ScatterGather:     true,
		MaxScatterEntries: 8,
	}

	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)
	require.True(t, client.IsPresent())

	caps := client.Capabilities()
	require.Equal(t, uint8(3), caps.MajorVersion)
	require.Equal(t, uint8(1), caps.MinorVersion)
	require.Equal(t, uint32(0x00020000), caps.MaxTransferSize)
	require.True(t, caps.SupportsScatterGather)
	require.Equal(t, uint16(8), caps.MaxScatterEntries)
}

func TestServiceLockRemapped(t *testing.T) {
	service := &vdstest.Service{
		Kind:      vds.TranslationRemapped,
		Translate: func(linear uint32) uint32 { return linear + 0x00100000 },
	}

	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 1536, vds.LockContiguous, vds.HostToDevice)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00140000), result.PhysicalAddress)
	require.Equal(t, vds.TranslationRemapped, result.Kind)
	require.False(t, result.NeedsPreCopy)
	require.False(t, result.NeedsPostCopy)

	require.NoError(t, client.Unlock(result.Handle))
	require.Equal(t, 0, service.ActiveLocks())
}

func TestServiceLockAlternate(t *testing.T) {
	service := &vdstest.Service{
		Kind:          vds.TranslationAlternate,
		AlternateBase: 0x00200000,
	}

	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 2048, 0, vds.HostToDevice)
	require.NoError(t, err)
	require.Equal(t, vds.TranslationAlternate, result.Kind)
	require.Equal(t, uint32(0x00200000), result.PhysicalAddress)
	require.True(t, result.NeedsPreCopy)
	require.False(t, result.NeedsPostCopy)

	require.Equal(t, uint64(1), client.Stats().AlternateDetections)
}

func TestCarryFlagFirst(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	transport := mock_vds.NewMockTransport(ctrl)
	transport.EXPECT().Call(vds.FuncGetVersion, uint16(0), gomock.Nil()).
		Return(vds.Response{AX: 0x0200}, nil)
	// On failure the result word is the error code; the descriptor holds
	// whatever garbage the service left there.
	transport.EXPECT().Call(vds.FuncLockRegion, uint16(0), gomock.Any()).
		DoAndReturn(func(fn, flags uint16, descriptor []byte) (vds.Response, error) {
			for i := range descriptor {
				descriptor[i] = 0xFF
			}
			return vds.Response{AX: uint16(vds.RawBoundaryCrossed), Carry: true}, nil
		})

	client, err := vds.New(testLogger(), transport)
	require.NoError(t, err)

	_, err = client.Lock(0x00040000, 4096, 0, vds.HostToDevice)
	require.Error(t, err)

	protoErr, ok := vds.AsProtocolError(err)
	require.True(t, ok)
	require.Equal(t, vds.RawBoundaryCrossed, protoErr.Code)

	stats := client.Stats()
	require.Equal(t, uint64(1), stats.LockFailures)
	require.Equal(t, uint64(1), stats.BoundaryViolations)
}

func TestBothBoundaryCodesShareOneCounter(t *testing.T) {
	service := &vdstest.Service{FailNextLocks: 2, FailCode: vds.RawBoundaryCrossed}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	_, err = client.Lock(0x1000, 512, 0, vds.HostToDevice)
	require.Error(t, err)

	service.FailNextLocks = 1
	service.FailCode = vds.RawBoundaryViolation
	_, err = client.Lock(0x1000, 512, 0, vds.HostToDevice)
	require.Error(t, err)

	require.Equal(t, uint64(2), client.Stats().BoundaryViolations)
}

func TestScatteredLockFetchesList(t *testing.T) {
	runs := []vds.SGEntry{
		{PhysicalAddress: 0x00100000, Length: 0x1000},
		{PhysicalAddress: 0x00180000, Length: 0x1000},
	}
	service := &vdstest.Service{
		ScatterGather:     true,
		MaxScatterEntries: 4,
		ScatterRuns:       runs,
	}

	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 0x2000, vds.LockAllowScatter, vds.DeviceToHost)
	require.NoError(t, err)
	require.True(t, result.Scattered)
	require.Equal(t, runs, result.Segments)
	require.Equal(t, uint32(0x00100000), result.PhysicalAddress)

	require.Equal(t, uint64(1), client.Stats().ScatterLocks)
	require.Equal(t, 1, service.CallCount(vds.FuncGetScatterList))
}

func TestCopyChunking(t *testing.T) {
	service := &vdstest.Service{Kind: vds.TranslationAlternate, AlternateBase: 0x00200000}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 200000, 0, vds.HostToDevice)
	require.NoError(t, err)

	require.NoError(t, client.CopyToAlternate(result.Handle, 0x00040000, 200000, 0))

	// 200000 = 3 * 0xF000 + 15680
	require.Equal(t, []uint32{0xF000, 0xF000, 0xF000, 15680}, service.CopySizes)
}

func TestCopyChunkingAtWrapBoundary(t *testing.T) {
	service := &vdstest.Service{Kind: vds.TranslationAlternate, AlternateBase: 0x00200000}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x000FF000, 0x3000, 0, vds.HostToDevice)
	require.NoError(t, err)

	// The first chunk must stop at the 1MB line, the rest continues above it.
	require.NoError(t, client.CopyToAlternate(result.Handle, 0x000FF000, 0x3000, 0))
	require.Equal(t, []uint32{0x1000, 0x2000}, service.CopySizes)
}

func TestCopyZeroLengthIsNoCall(t *testing.T) {
	service := &vdstest.Service{Kind: vds.TranslationAlternate, AlternateBase: 0x00200000}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 4096, 0, vds.HostToDevice)
	require.NoError(t, err)

	before := service.CallCount(vds.FuncCopyToBuffer)
	require.NoError(t, client.CopyToAlternate(result.Handle, 0x00040000, 0, 0))
	require.Equal(t, before, service.CallCount(vds.FuncCopyToBuffer))
}

func TestCopyOffsetOverflow(t *testing.T) {
	service := &vdstest.Service{Kind: vds.TranslationAlternate, AlternateBase: 0x00200000}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.Lock(0x00040000, 4096, 0, vds.HostToDevice)
	require.NoError(t, err)

	err = client.CopyToAlternate(result.Handle, 0x00040000, 2, 0xFFFFFFFF)
	require.ErrorIs(t, err, vds.ErrOffsetOverflow)
}

func TestUnlockUnknownHandle(t *testing.T) {
	service := &vdstest.Service{}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	err = client.Unlock(0x4242)
	protoErr, ok := vds.AsProtocolError(err)
	require.True(t, ok)
	require.Equal(t, vds.RawRegionNotLocked, protoErr.Code)
	require.Equal(t, uint64(1), client.Stats().UnlockFailures)
}

func TestRequestAndReleaseBuffer(t *testing.T) {
	service := &vdstest.Service{AlternateBase: 0x00300000}
	client, err := vds.New(testLogger(), service)
	require.NoError(t, err)

	result, err := client.RequestBuffer(8192, 0)
	require.NoError(t, err)
	require.Equal(t, uint32(0x00300000), result.PhysicalAddress)
	require.True(t, result.NeedsPreCopy)
	require.True(t, result.NeedsPostCopy)

	require.NoError(t, client.ReleaseBuffer(result.Handle))
	require.Error(t, client.ReleaseBuffer(result.Handle))
}

func TestBufferOperationsRequireService(t *testing.T) {
	client, err := vds.New(testLogger(), nil)
	require.NoError(t, err)

	_, err = client.RequestBuffer(4096, 0)
	require.ErrorIs(t, err, vds.ErrNotPresent)

	_, err = client.GetScatterList(1, 4)
	require.ErrorIs(t, err, vds.ErrNotPresent)

	require.ErrorIs(t, client.EnableTranslation(), vds.ErrNotPresent)
}
