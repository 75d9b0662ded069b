package importer

import (
	"sort"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

// mappingEntry is one interned mapping's resolved address range.
type mappingEntry struct {
	id     MappingID
	params MappingParams
}

// processMappings is the live memory map for one process: mappings
// sorted by start address so FindMapping can binary-search them.
type processMappings struct {
	entries []mappingEntry
}

func (p *processMappings) insert(e mappingEntry) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].params.StartAddr >= e.params.StartAddr })
	p.entries = append(p.entries, mappingEntry{})
	copy(p.entries[i+1:], p.entries[i:])
	p.entries[i] = e
}

func (p *processMappings) find(addr uint64) (MappingID, uint64, bool) {
	i := sort.Search(len(p.entries), func(i int) bool { return p.entries[i].params.EndAddr > addr })
	if i >= len(p.entries) {
		return 0, 0, false
	}
	e := p.entries[i]
	if addr < e.params.StartAddr || addr >= e.params.EndAddr {
		return 0, 0, false
	}
	return e.id, addr - e.params.StartAddr + e.params.FileOffset, true
}

// mappingTracker keeps a mapping table per process plus one flat kernel
// mapping table, mirroring the split between per-process user address
// space and the single shared kernel address space that mapping
// resolution has to account for.
type mappingTracker struct {
	mu        sync.RWMutex
	byPID     map[ProcessID]*processMappings
	kernel    processMappings
	nextID    MappingID
	mappings  gauges
	dummyID   MappingID
	haveDummy bool
}

type gauges struct {
	count *xmetrics.Gauge
}

// NewMappingTracker returns an empty MappingTracker. reg is used to
// publish a live count of interned mappings, mirroring the way the
// wider system's DSO storage layer exposes a mappingsCount gauge
// instead of requiring callers to poll it.
func NewMappingTracker(reg *xmetrics.Registry) MappingTracker {
	return &mappingTracker{
		byPID:    make(map[ProcessID]*processMappings),
		mappings: gauges{count: reg.NewGauge("perf_importer_mappings")},
	}
}

func (t *mappingTracker) CreateUserMapping(pid ProcessID, m MappingParams) MappingID {
	t.mu.Lock()
	defer t.mu.Unlock()

	pm, ok := t.byPID[pid]
	if !ok {
		pm = &processMappings{}
		t.byPID[pid] = pm
	}
	t.dropOverlapping(pm, m)

	t.nextID++
	id := t.nextID
	pm.insert(mappingEntry{id: id, params: m})
	t.mappings.count.Inc()
	return id
}

func (t *mappingTracker) CreateKernelMapping(m MappingParams) MappingID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.dropOverlapping(&t.kernel, m)
	t.nextID++
	id := t.nextID
	t.kernel.insert(mappingEntry{id: id, params: m})
	t.mappings.count.Inc()
	return id
}

// dropOverlapping removes any existing mapping that overlaps m's address
// range: a fresh MMAP record always describes what the address space
// looks like now, so a stale overlapping entry can only be wrong.
func (t *mappingTracker) dropOverlapping(pm *processMappings, m MappingParams) {
	kept := pm.entries[:0]
	for _, e := range pm.entries {
		if e.params.EndAddr <= m.StartAddr || e.params.StartAddr >= m.EndAddr {
			kept = append(kept, e)
		} else {
			t.mappings.count.Dec()
		}
	}
	pm.entries = kept
}

// ProcessesWithMappings returns the pids that have at least one
// interned user-space mapping, in ascending order.
func (t *mappingTracker) ProcessesWithMappings() []ProcessID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pids := maps.Keys(t.byPID)
	slices.Sort(pids)
	return pids
}

// GetDummyMapping returns a process-wide singleton mapping with no real
// address range, created lazily on first use. It exists purely so a
// callchain frame whose address resolved against no real mapping still
// has a mapping identity to intern the Frame against: the frame's
// identity comes from (mapping, relative_pc) with relative_pc left as
// the raw address, so distinct unresolved addresses still produce
// distinct frames.
func (t *mappingTracker) GetDummyMapping() MappingID {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.haveDummy {
		t.nextID++
		t.dummyID = t.nextID
		t.haveDummy = true
	}
	return t.dummyID
}

func (t *mappingTracker) FindMapping(pid ProcessID, kernel bool, addr uint64) (MappingID, uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if kernel {
		return t.kernel.find(addr)
	}
	pm, ok := t.byPID[pid]
	if !ok {
		return 0, 0, false
	}
	return pm.find(addr)
}
