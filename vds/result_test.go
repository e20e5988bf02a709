package vds_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jfabienke/dmalock/vds"
)

func TestCopyObligationsTable(t *testing.T) {
	tests := []struct {
		name      string
		kind      vds.TranslationKind
		direction vds.Direction
		pre       bool
		post      bool
	}{
		{"direct host-to-device", vds.TranslationDirect, vds.HostToDevice, false, false},
		{"direct device-to-host", vds.TranslationDirect, vds.DeviceToHost, false, false},
		{"direct bidirectional", vds.TranslationDirect, vds.Bidirectional, false, false},
		{"remapped host-to-device", vds.TranslationRemapped, vds.HostToDevice, false, false},
		{"remapped device-to-host", vds.TranslationRemapped, vds.DeviceToHost, false, false},
		{"remapped bidirectional", vds.TranslationRemapped, vds.Bidirectional, false, false},
		{"alternate host-to-device", vds.TranslationAlternate, vds.HostToDevice, true, false},
		{"alternate device-to-host", vds.TranslationAlternate, vds.DeviceToHost, false, true},
		{"alternate bidirectional", vds.TranslationAlternate, vds.Bidirectional, true, true},
		{"unknown host-to-device", vds.TranslationUnknown, vds.HostToDevice, true, false},
		{"unknown device-to-host", vds.TranslationUnknown, vds.DeviceToHost, false, true},
		{"unknown bidirectional", vds.TranslationUnknown, vds.Bidirectional, true, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			pre, post := vds.CopyObligations(test.kind, test.direction)
			require.Equal(t, test.pre, pre)
			require.Equal(t, test.post, post)
		})
	}
}

func TestRawErrorClassification(t *testing.T) {
	require.True(t, vds.RawBoundaryCrossed.IsBoundary())
	require.True(t, vds.RawBoundaryViolation.IsBoundary())
	require.False(t, vds.RawLockFailed.IsBoundary())

	require.True(t, vds.RawLockFailed.IsRetryable())
	require.True(t, vds.RawBoundaryCrossed.IsRetryable())
	require.False(t, vds.RawInvalidParams.IsRetryable())
	require.False(t, vds.RawNotSupported.IsRetryable())
}
