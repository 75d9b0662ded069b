package importer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

func TestMappingTrackerFindsAddressWithinRange(t *testing.T) {
	mt := NewMappingTracker(xmetrics.NewRegistry())

	id := mt.CreateUserMapping(1, MappingParams{
		StartAddr: 0x1000, EndAddr: 0x2000, FileOffset: 0x50,
	})

	gotID, relPC, ok := mt.FindMapping(1, false, 0x1100)
	require.True(t, ok)
	require.Equal(t, id, gotID)
	require.Equal(t, uint64(0x150), relPC)
}

func TestMappingTrackerMissOutsideRange(t *testing.T) {
	mt := NewMappingTracker(xmetrics.NewRegistry())
	mt.CreateUserMapping(1, MappingParams{StartAddr: 0x1000, EndAddr: 0x2000})

	_, _, ok := mt.FindMapping(1, false, 0x5000)
	require.False(t, ok)
}

func TestMappingTrackerNewMappingDropsOverlap(t *testing.T) {
	mt := NewMappingTracker(xmetrics.NewRegistry())
	mt.CreateUserMapping(1, MappingParams{StartAddr: 0x1000, EndAddr: 0x3000})
	newID := mt.CreateUserMapping(1, MappingParams{StartAddr: 0x1500, EndAddr: 0x2500})

	gotID, _, ok := mt.FindMapping(1, false, 0x2000)
	require.True(t, ok)
	require.Equal(t, newID, gotID)
}

func TestMappingTrackerProcessesWithMappingsSortedByPID(t *testing.T) {
	mt := NewMappingTracker(xmetrics.NewRegistry())
	mt.CreateUserMapping(200, MappingParams{StartAddr: 0x1000, EndAddr: 0x2000})
	mt.CreateUserMapping(100, MappingParams{StartAddr: 0x1000, EndAddr: 0x2000})
	mt.CreateKernelMapping(MappingParams{StartAddr: 0x3000, EndAddr: 0x4000})

	require.Equal(t, []ProcessID{100, 200}, mt.ProcessesWithMappings())
}

func TestMappingTrackerKernelSpaceIsSeparateFromUserSpace(t *testing.T) {
	mt := NewMappingTracker(xmetrics.NewRegistry())
	mt.CreateKernelMapping(MappingParams{StartAddr: 0x1000, EndAddr: 0x2000})

	_, _, ok := mt.FindMapping(1, false, 0x1500)
	require.False(t, ok)

	_, _, ok = mt.FindMapping(1, true, 0x1500)
	require.True(t, ok)
}
