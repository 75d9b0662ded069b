package importer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessTrackerAssignsStableUPID(t *testing.T) {
	pt := NewProcessTracker()

	a := pt.GetOrCreateProcess(100)
	b := pt.GetOrCreateProcess(100)
	require.Equal(t, a, b)
}

func TestProcessTrackerReusesPIDAfterLifetimeEnd(t *testing.T) {
	pt := NewProcessTracker()

	first := pt.GetOrCreateProcess(100)
	pt.SetProcessLifetimeEnd(100, 1000)
	second := pt.GetOrCreateProcess(100)

	require.NotEqual(t, first, second, "a pid recycled after exit must get a fresh UniquePID")
}

func TestProcessTrackerSnapshotReturnsSortedPIDs(t *testing.T) {
	pt := NewProcessTracker()

	pt.GetOrCreateProcess(300)
	pt.GetOrCreateProcess(100)
	pt.GetOrCreateProcess(200)

	require.Equal(t, []ProcessID{100, 200, 300}, pt.Snapshot())
}

func TestProcessTrackerThreadNameCOMMOverridesDefault(t *testing.T) {
	pt := NewProcessTracker().(*processTracker)

	pt.GetOrCreateThread(200)
	pt.SetThreadName(200, "worker-1", false)

	th := pt.threads[200]
	require.Equal(t, "worker-1", th.name)
}
