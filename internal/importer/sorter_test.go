package importer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapSorterReleasesInTimestampOrder(t *testing.T) {
	s := NewSorter().(*heapSorter)

	var got []TraceTimestamp
	s.SetCallback(func(ts TraceTimestamp, _ any) { got = append(got, ts) })

	s.Push(30, nil)
	s.Push(10, nil)
	s.Push(20, nil)
	s.Flush()

	require.Equal(t, []TraceTimestamp{10, 20, 30}, got)
}

func TestHeapSorterAdvanceWatermarkOnlyReleasesUpToWatermark(t *testing.T) {
	s := NewSorter().(*heapSorter)

	var got []TraceTimestamp
	s.SetCallback(func(ts TraceTimestamp, _ any) { got = append(got, ts) })

	s.Push(10, nil)
	s.Push(50, nil)
	s.AdvanceWatermark(20)

	require.Equal(t, []TraceTimestamp{10}, got)

	s.Flush()
	require.Equal(t, []TraceTimestamp{10, 50}, got)
}

func TestHeapSorterMaxTimestampTracksHighWaterMark(t *testing.T) {
	s := NewSorter().(*heapSorter)
	s.Push(5, nil)
	s.Push(100, nil)
	s.Push(7, nil)

	require.Equal(t, TraceTimestamp(100), s.MaxTimestamp())
}

func TestHeapSorterTiesPreserveArrivalOrder(t *testing.T) {
	s := NewSorter().(*heapSorter)

	var got []int
	s.SetCallback(func(_ TraceTimestamp, payload any) { got = append(got, payload.(int)) })

	s.Push(1, 1)
	s.Push(1, 2)
	s.Push(1, 3)
	s.Flush()

	require.Equal(t, []int{1, 2, 3}, got)
}
