// Package importer turns decoded perf.data records into the trace
// storage's canonical event model: it owns clock translation, process
// and mapping bookkeeping, callchain interning, and counter tracking,
// delegating the actual record decoding to internal/perf.
package importer

import "github.com/nebulaperf/tracecore/internal/perf"

// TraceTimestamp is a trace-domain nanosecond timestamp, monotonically
// non-decreasing once emitted from the Sorter.
type TraceTimestamp uint64

// ProcessID and ThreadID mirror the kernel pid_t/tid_t address space:
// small positive integers, reused across process lifetimes.
type ProcessID uint32
type ThreadID uint32

// UniquePID and UniqueTID are storage-assigned identifiers that stay
// unique for the lifetime of a trace even when the kernel recycles a
// pid/tid.
type UniquePID uint32
type UniqueTID uint32

// MappingID identifies one interned (file, load bias) memory mapping.
type MappingID uint32

// FrameID identifies one interned (mapping, relative_pc) frame.
type FrameID uint32

// CallsiteID identifies one interned (parent, frame) callchain node.
type CallsiteID uint32

// Sorter buffers decoded events out of arrival order and releases them
// in non-decreasing trace-timestamp order once it is confident no
// earlier event can still arrive, matching a bounded-latency streaming
// sort rather than a full external sort.
type Sorter interface {
	// Push enqueues an event at the given trace timestamp. The callback
	// installed by SetCallback is invoked for it, possibly much later,
	// once AdvanceWatermark or Flush releases it in timestamp order.
	Push(ts TraceTimestamp, payload any)
	// MaxTimestamp returns the highest trace timestamp pushed so far,
	// used to backfill a stand-in timestamp for records that carry
	// none.
	MaxTimestamp() TraceTimestamp
	// Flush releases every remaining buffered event, in order,
	// regardless of how much more input might still arrive. Called once
	// at end of stream.
	Flush()
	// AdvanceWatermark releases every buffered event with timestamp at
	// or before wm, in ascending order.
	AdvanceWatermark(wm TraceTimestamp)
	// SetCallback installs the function invoked for each event
	// AdvanceWatermark or Flush releases.
	SetCallback(func(ts TraceTimestamp, payload any))
}

// ClockTracker translates a nanosecond timestamp recorded against one of
// the kernel's perf_event clocks into the trace's own time domain. In
// the common case a session's trace-time clock and an event's own clock
// domain are both MONOTONIC and the translation is the identity;
// ClockTracker exists so a snapshot or hybrid trace that mixed clock
// domains across events is caught rather than silently misordered.
type ClockTracker interface {
	// SetTraceTimeClock installs domain as the session's trace-time
	// clock. RecordParser.OnSession calls it once, after the attrs
	// section is parsed and before any record is translated.
	SetTraceTimeClock(domain perf.ClockDomain)
	// ToTraceTime translates ns, recorded against domain, into the
	// trace's own time domain. Fails if domain does not match the
	// installed trace-time clock, or if no trace-time clock has been
	// installed yet.
	ToTraceTime(domain perf.ClockDomain, ns uint64) (TraceTimestamp, error)
}

// ProcessTracker records process/thread lifecycle and identity: pid/tid
// reuse, thread names, and the mapping from a (pid, tid) observed at a
// given trace time to a stable UniquePID/UniqueTID.
type ProcessTracker interface {
	GetOrCreateProcess(pid ProcessID) UniquePID
	GetOrCreateThread(tid ThreadID) UniqueTID
	SetThreadName(tid ThreadID, name string, override bool)
	UpdateThreadNameByPID(pid ProcessID, name string)
	SetProcessLifetimeEnd(pid ProcessID, ts TraceTimestamp)
	// Snapshot returns every observed pid, in ascending order, for
	// end-of-run reporting.
	Snapshot() []ProcessID
}

// MappingTracker records the memory-mapping table for each process
// (from MMAP/MMAP2 records) and the analogous flat kernel mapping table,
// resolving a (pid, address, cpu mode) triple to the mapping and
// relative program counter callchain interning needs.
type MappingTracker interface {
	// CreateUserMapping records a new mapping in the given process's
	// address space, first dropping every existing entry whose range
	// overlaps it.
	CreateUserMapping(pid ProcessID, m MappingParams) MappingID
	// CreateKernelMapping records a new mapping in the flat, per-trace
	// kernel address space.
	CreateKernelMapping(m MappingParams) MappingID
	// FindMapping resolves an absolute address observed in the given
	// process (or the kernel space, if kernel is true) to the mapping
	// covering it, if any.
	FindMapping(pid ProcessID, kernel bool, addr uint64) (id MappingID, relPC uint64, ok bool)
	// ProcessesWithMappings returns the pids that have at least one
	// interned user-space mapping, in ascending order.
	ProcessesWithMappings() []ProcessID
	// GetDummyMapping returns the process-wide singleton mapping used
	// when an address resolves against no known mapping: it has no
	// address range (FindMapping never returns it) and exists only so
	// callchain interning still has a mapping identity to key a Frame on.
	GetDummyMapping() MappingID
}

// MappingParams is the normalized description of one mapping, built
// from an MMAP/MMAP2 record.
type MappingParams struct {
	Filename    string
	StartAddr   uint64
	EndAddr     uint64
	FileOffset  uint64
	BuildID     []byte
}

// StackProfileTracker interns callchains bottom-up: it deduplicates
// (mapping, relative_pc) into Frames and (parent, frame) into Callsites,
// producing the CallsiteID a sample's callstack attaches to.
type StackProfileTracker interface {
	InternFrame(mapping MappingID, relPC uint64) FrameID
	InternCallsite(parent CallsiteID, frame FrameID) CallsiteID
	// RootCallsite is the sentinel parent for a callchain's outermost
	// frame.
	RootCallsite() CallsiteID
}

// Storage is the sink for fully resolved events: it owns the emitted
// event tables and the ingestion-wide error/stat counters record
// parsing increments on recoverable anomalies.
type Storage interface {
	EmitSample(s ResolvedSample)
	EmitThreadStateChange(tid ThreadID, ts TraceTimestamp, comm string)
	IncrementStat(name string, delta int64)
	// IncrementIndexedStat increments a stat broken down by key, for
	// counters spec.md requires a per-type or per-id breakdown of (e.g.
	// perf_unknown_record_type[type], perf_features_skipped[id]).
	IncrementIndexedStat(name, key string, delta int64)
}

// ResolvedSample is a fully decoded, fully attributed sample event ready
// for storage: process/thread identity resolved, clock translated,
// callchain interned.
type ResolvedSample struct {
	Timestamp TraceTimestamp
	UPID      UniquePID
	UTID      UniqueTID
	CPU       uint32
	HaveCPU   bool
	Callsite  CallsiteID
	EventID   uint64
	Period    uint64
}

// recordSink is implemented by the pipeline for perf.Sink so tokenizer
// output flows straight into RecordParser without an intermediate
// channel; kept unexported since only pipeline.go constructs one.
type recordSink interface {
	perf.Sink
}
