package importer

import (
	"sync"
	"sync/atomic"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// processInfo is the mutable bookkeeping kept per observed pid: the
// storage-stable identifier and its lifetime bounds.
type processInfo struct {
	upid    UniquePID
	endedAt TraceTimestamp
	ended   bool
}

// threadInfo is the mutable bookkeeping kept per observed tid.
type threadInfo struct {
	utid          UniqueTID
	name          string
	nameFromComm  bool
	owningProcess ProcessID
	hasProcess    bool
}

// processTracker assigns stable UniquePID/UniqueTID identity to reused
// kernel pids/tids, keyed under one map guarded by an RWMutex the way
// the wider trace-processing system's live process registry tracks the
// same reuse problem for a running fleet rather than a single
// perf.data file.
type processTracker struct {
	mu         sync.RWMutex
	processes  map[ProcessID]*processInfo
	threads    map[ThreadID]*threadInfo
	generation atomic.Uint64

	nextUPID atomic.Uint32
	nextUTID atomic.Uint32
}

// NewProcessTracker returns an empty ProcessTracker.
func NewProcessTracker() ProcessTracker {
	return &processTracker{
		processes: make(map[ProcessID]*processInfo),
		threads:   make(map[ThreadID]*threadInfo),
	}
}

func (t *processTracker) GetOrCreateProcess(pid ProcessID) UniquePID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.processes[pid]; ok && !p.ended {
		return p.upid
	}
	upid := UniquePID(t.nextUPID.Add(1))
	t.processes[pid] = &processInfo{upid: upid}
	t.generation.Add(1)
	return upid
}

func (t *processTracker) GetOrCreateThread(tid ThreadID) UniqueTID {
	t.mu.Lock()
	defer t.mu.Unlock()

	if th, ok := t.threads[tid]; ok {
		return th.utid
	}
	utid := UniqueTID(t.nextUTID.Add(1))
	t.threads[tid] = &threadInfo{utid: utid}
	t.generation.Add(1)
	return utid
}

func (t *processTracker) SetThreadName(tid ThreadID, name string, override bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	th, ok := t.threads[tid]
	if !ok {
		utid := UniqueTID(t.nextUTID.Add(1))
		th = &threadInfo{utid: utid}
		t.threads[tid] = th
	}
	if th.nameFromComm && !override {
		return
	}
	th.name = name
	th.nameFromComm = true
}

func (t *processTracker) UpdateThreadNameByPID(pid ProcessID, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for tid, th := range t.threads {
		if th.owningProcess == pid && th.hasProcess {
			_ = tid
			if !th.nameFromComm {
				th.name = name
			}
		}
	}
}

// Snapshot returns every pid observed so far, in ascending order, for
// an end-of-run summary.
func (t *processTracker) Snapshot() []ProcessID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	pids := maps.Keys(t.processes)
	slices.Sort(pids)
	return pids
}

func (t *processTracker) SetProcessLifetimeEnd(pid ProcessID, ts TraceTimestamp) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.processes[pid]
	if !ok {
		return
	}
	p.ended = true
	p.endedAt = ts
}
