package importer

import (
	"container/heap"
	"sync"
)

// heapSorter is a bounded-latency Sorter: it holds every pushed event in
// a min-heap keyed by trace timestamp and only ever releases in
// timestamp order, either because Flush was called or because the
// caller has told it (via AdvanceWatermark) that no earlier event can
// still be in flight.
//
// The heap-of-pending-items shape mirrors the unwind cache's use of
// container/heap to keep a working set ordered by a monotonically
// advancing key.
type heapSorter struct {
	mu       sync.Mutex
	items    sorterHeap
	maxTS    TraceTimestamp
	nextSeq  uint64
	callback func(ts TraceTimestamp, payload any)
}

// NewSorter returns a Sorter with no events buffered.
func NewSorter() Sorter {
	return &heapSorter{}
}

func (s *heapSorter) SetCallback(cb func(ts TraceTimestamp, payload any)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
}

func (s *heapSorter) Push(ts TraceTimestamp, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ts > s.maxTS {
		s.maxTS = ts
	}
	heap.Push(&s.items, sorterItem{ts: ts, payload: payload, seq: s.nextSeq})
	s.nextSeq++
}

func (s *heapSorter) MaxTimestamp() TraceTimestamp {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxTS
}

// AdvanceWatermark releases every buffered event with timestamp <= wm,
// in ascending timestamp order. Perf.data has no periodic flush marker
// analogous to other trace formats' clock snapshots, so RecordParser
// calls this after every push with this Sorter's MaxTimestamp() minus
// sorterWindow: perf.data records arrive already close to time order per
// CPU ring buffer, a record arriving more than that window late can be
// released after later ones, and Flush at end of stream releases
// whatever is still buffered.
func (s *heapSorter) AdvanceWatermark(wm TraceTimestamp) {
	s.mu.Lock()
	var released []sorterItem
	for s.items.Len() > 0 && s.items[0].ts <= wm {
		released = append(released, heap.Pop(&s.items).(sorterItem))
	}
	cb := s.callback
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, it := range released {
		cb(it.ts, it.payload)
	}
}

func (s *heapSorter) Flush() {
	s.mu.Lock()
	var released []sorterItem
	for s.items.Len() > 0 {
		released = append(released, heap.Pop(&s.items).(sorterItem))
	}
	cb := s.callback
	s.mu.Unlock()

	if cb == nil {
		return
	}
	for _, it := range released {
		cb(it.ts, it.payload)
	}
}

type sorterItem struct {
	ts      TraceTimestamp
	payload any
	seq     uint64
}

// sorterHeap implements container/heap.Interface ordered by timestamp,
// breaking ties by push sequence to keep same-timestamp events in
// arrival order.
type sorterHeap []sorterItem

func (h sorterHeap) Len() int { return len(h) }
func (h sorterHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].seq < h[j].seq
}
func (h sorterHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *sorterHeap) Push(x any) {
	*h = append(*h, x.(sorterItem))
}

func (h *sorterHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
