package importer

import (
	"fmt"

	"github.com/nebulaperf/tracecore/internal/perf"
	"github.com/nebulaperf/tracecore/pkg/xlog"
)

// sorterWindow bounds how far behind the highest timestamp seen so far
// the release watermark trails: a record can arrive up to this many
// nanoseconds out of order and still be re-sorted before its sample is
// handed to the trackers. perf.data ring buffers are per-CPU and drain
// close to time order, so this only needs to absorb cross-CPU skew, not
// full-file reordering (Flush, called at end of stream, always drains
// whatever the window left buffered).
const sorterWindow TraceTimestamp = 1_000_000 // 1ms

// RecordParser implements perf.Sink: it is the tokenizer's only
// consumer, turning each decoded record into calls against the
// collaborator interfaces (Sorter, ClockTracker, ProcessTracker,
// MappingTracker, StackProfileTracker, Storage) that resolve it into a
// storage-ready event.
//
// Every non-AUX record type is decoded into a self-contained pendingRecord
// at OnRecord time (the tokenizer's payload slice aliases a buffer that
// may be reused once popped, so nothing can be retained past the call),
// time-stamped, and pushed through the Sorter; onReleased dispatches each
// record against the trackers once the Sorter has released it in
// timestamp order. This keeps COMM/MMAP/MMAP2/EXIT bookkeeping from ever
// jumping ahead of a same-window SAMPLE it should have applied before, or
// behind one it should have applied after.
type RecordParser struct {
	log xlog.Logger

	sorter  Sorter
	clock   ClockTracker
	process ProcessTracker
	mapping MappingTracker
	stack   StackProfileTracker
	storage Storage

	session *perf.PerfSession
}

// pendingRecordKind discriminates the payload pushed into the Sorter,
// since Sorter.Push takes an opaque any.
type pendingRecordKind int

const (
	kindSample pendingRecordKind = iota
	kindComm
	kindMmap
	kindExit
)

// pendingRecord is what gets pushed into the Sorter for any non-AUX
// record; it carries just enough already-decoded data to resolve against
// tracker state at pop time, per its kind.
type pendingRecord struct {
	kind pendingRecordKind

	sample pendingSample
	comm   perf.Comm
	mmap   perf.Mmap
	kernel bool // for kindMmap: whether it belongs to the kernel address space

	exitPID uint32
}

// pendingSample carries a decoded SAMPLE record's fields through the
// Sorter.
type pendingSample struct {
	pid, tid  uint32
	cpu       uint32
	haveCPU   bool
	kernel    bool
	ip        uint64
	haveIP    bool
	callchain []uint64
	eventID   uint64
	period    uint64
}

// NewRecordParser wires a RecordParser to its collaborators. Any of the
// tracker arguments may be nil to use this package's default in-memory
// implementation.
func NewRecordParser(log xlog.Logger, sorter Sorter, clock ClockTracker, process ProcessTracker, mapping MappingTracker, stack StackProfileTracker, storage Storage) *RecordParser {
	p := &RecordParser{
		log:     log,
		sorter:  sorter,
		clock:   clock,
		process: process,
		mapping: mapping,
		stack:   stack,
		storage: storage,
	}
	sorter.SetCallback(p.onReleased)
	return p
}

func (p *RecordParser) OnSession(sess *perf.PerfSession) error {
	p.session = sess
	// perf.data has no notion of a session-wide clock distinct from
	// MONOTONIC; installing it here as soon as the attrs section is
	// parsed is what lets per-event use_clockid mismatches (a snapshot
	// recorded with a non-default clock) be caught as translation
	// failures instead of silently misordering samples.
	p.clock.SetTraceTimeClock(perf.ClockDomainMonotonic)
	return nil
}

func (p *RecordParser) OnRecord(hdr perf.RecordHeader, payload []byte, attr *perf.PerfEventAttr) error {
	switch hdr.Type {
	case perf.RecordTypeSample:
		return p.pushSample(hdr, payload, attr)
	case perf.RecordTypeComm:
		return p.pushComm(hdr, payload, attr)
	case perf.RecordTypeMmap:
		return p.pushMmap(hdr, payload, attr, false)
	case perf.RecordTypeMmap2:
		return p.pushMmap(hdr, payload, attr, true)
	case perf.RecordTypeExit:
		return p.pushExit(payload, attr)
	case perf.RecordTypeLost:
		p.storage.IncrementStat("perf_samples_lost", 1)
		return nil
	default:
		p.storage.IncrementIndexedStat("perf_unknown_record_type", hdr.Type.String(), 1)
		return nil
	}
}

// OnFeature stores each feature section's decoded payload on the
// session, per spec.md 6's feature table. GROUP_DESC is parsed (to
// surface a malformed section) but has nothing in this system that
// consumes it yet.
func (p *RecordParser) OnFeature(id perf.FeatureID, payload []byte) error {
	switch id {
	case perf.FeatureIDCmdline:
		cmd, err := perf.DecodeCmdline(payload)
		if err != nil {
			return err
		}
		if p.session != nil {
			p.session.SetCmdline(cmd.Args)
		}
	case perf.FeatureIDBuildID:
		entries, err := perf.DecodeBuildID(payload)
		if err != nil {
			return err
		}
		if p.session != nil {
			for _, e := range entries {
				p.session.AddBuildID(e.PID, e.Filename, e.BuildID)
			}
		}
	case perf.FeatureIDGroupDesc:
		if _, err := perf.DecodeGroupDesc(payload); err != nil {
			return err
		}
	case perf.FeatureIDEventDesc:
		if p.session != nil {
			descs, err := perf.DecodeEventDesc(payload, p.session.Header().AttrSize)
			if err != nil {
				return err
			}
			for _, d := range descs {
				for _, id := range d.IDs {
					p.session.SetEventName(id, d.Name)
				}
			}
		}
	}
	return nil
}

func (p *RecordParser) OnFeatureSkipped(id perf.FeatureID) {
	p.storage.IncrementIndexedStat("perf_features_skipped", fmt.Sprintf("%d", id), 1)
}

// recordTimestamp resolves a non-SAMPLE record's trace-domain timestamp
// from its trailing sample_id suffix (payload untrimmed: the suffix, if
// any, still needs to be there). Records with no discoverable TIME field
// get a stand-in of the highest timestamp seen so far (unlike SAMPLEs,
// which are skipped without TIME), giving every record pushed to the
// Sorter a total order key even when perf.data gives no real ordering
// signal for it.
func (p *RecordParser) recordTimestamp(attr *perf.PerfEventAttr, payload []byte) (TraceTimestamp, error) {
	if attr == nil {
		return p.sorter.MaxTimestamp(), nil
	}
	ns, ok := attr.TimeFromSuffix(payload)
	if !ok {
		return p.sorter.MaxTimestamp(), nil
	}
	return p.clock.ToTraceTime(attr.ClockDomain(), ns)
}

// trimSampleIDSuffix strips the trailing sample_id suffix (if any) off a
// non-SAMPLE record's payload before it is handed to a decoder that reads
// a variable-length field as "the rest of the payload": DecodeComm's
// name and DecodeMmap/DecodeMmap2's filename would otherwise absorb the
// suffix bytes for any event recorded with sample_id_all set.
func trimSampleIDSuffix(attr *perf.PerfEventAttr, payload []byte) []byte {
	if attr == nil {
		return payload
	}
	if n := attr.SampleIDSuffixLen(); n > 0 && n <= len(payload) {
		return payload[:len(payload)-n]
	}
	return payload
}

// pushRecord enqueues rec at ts and advances the release watermark. The
// watermark must lag the highest timestamp seen so far, not track the
// record just pushed, or nothing buffered by the Sorter ever has a
// chance to be overtaken by an earlier-timestamped record arriving next:
// that would collapse the sort into releasing in push order. Trailing by
// sorterWindow gives out-of-order arrivals within that window a chance
// to be re-sorted before release; Flush drains whatever the window still
// holds at EOF.
func (p *RecordParser) pushRecord(ts TraceTimestamp, rec pendingRecord) {
	p.sorter.Push(ts, rec)
	if max := p.sorter.MaxTimestamp(); max > sorterWindow {
		p.sorter.AdvanceWatermark(max - sorterWindow)
	}
}

// updateCounters applies a sample's read_format payload to its event's
// per-CPU counter series, per spec.md 4.9: a non-empty read_groups
// carries each group member's own absolute count; otherwise the
// sample's period is the only per-event count available and
// accumulates as a delta, which requires knowing which CPU it ran on.
func (p *RecordParser) updateCounters(ts TraceTimestamp, sample perf.Sample) {
	if p.session == nil {
		return
	}
	if len(sample.ReadGroups) > 0 {
		for _, rg := range sample.ReadGroups {
			if !rg.HaveID {
				continue
			}
			attr, ok := p.session.FindAttrForEventID(rg.EventID)
			if !ok {
				continue
			}
			cpu := uint32(0)
			if sample.HaveCPU {
				cpu = sample.CPU
			}
			attr.GetOrCreateCounter(cpu).AddCount(uint64(ts), rg.Value)
		}
		return
	}
	if !sample.HavePeriod || !sample.HaveCPU {
		return
	}
	attr, ok := p.session.FindAttrForEventID(sample.ID)
	if !ok {
		return
	}
	attr.GetOrCreateCounter(sample.CPU).AddDelta(uint64(ts), sample.Period)
}

// pushSample decodes a SAMPLE record and, if it clears the mandatory
// insertion gate (time, {pid,tid}, cpu all present, per spec.md 4.9 /
// testable property 10), pushes it through the Sorter. A sample missing
// any of those is skipped outright: it never gets a row, and never
// enters the Sorter at all, since nothing downstream can be ordered
// against it meaningfully without a real timestamp.
func (p *RecordParser) pushSample(hdr perf.RecordHeader, payload []byte, attr *perf.PerfEventAttr) error {
	if attr == nil {
		p.storage.IncrementStat("perf_samples_unattributed", 1)
		return nil
	}
	sample, err := perf.DecodeSample(attr, payload)
	if err != nil {
		p.storage.IncrementStat("perf_sample_decode_errors", 1)
		return nil
	}

	if !sample.HaveTime || !sample.HaveTID || !sample.HaveCPU {
		p.storage.IncrementStat("perf_samples_skipped", 1)
		return nil
	}

	ts, err := p.clock.ToTraceTime(attr.ClockDomain(), sample.Time)
	if err != nil {
		p.storage.IncrementStat("perf_clock_translation_errors", 1)
		return nil
	}

	p.updateCounters(ts, sample)

	ps := pendingSample{
		kernel:    perf.CPUModeFromMisc(hdr.Misc).IsKernel(),
		pid:       sample.PID,
		tid:       sample.TID,
		cpu:       sample.CPU,
		haveCPU:   true,
		ip:        sample.IP,
		haveIP:    sample.HaveIP,
		callchain: sample.Callchain,
		eventID:   sample.ID,
		period:    sample.Period,
	}
	p.pushRecord(ts, pendingRecord{kind: kindSample, sample: ps})
	return nil
}

// onReleased is the Sorter's release callback: it dispatches a record
// popped in timestamp order against the trackers, per its kind.
func (p *RecordParser) onReleased(ts TraceTimestamp, payload any) {
	rec, ok := payload.(pendingRecord)
	if !ok {
		return
	}
	switch rec.kind {
	case kindSample:
		p.emitSample(ts, rec.sample)
	case kindComm:
		p.applyComm(rec.comm)
	case kindMmap:
		p.applyMmap(rec.mmap, rec.kernel)
	case kindExit:
		p.process.SetProcessLifetimeEnd(ProcessID(rec.exitPID), ts)
	}
}

func (p *RecordParser) emitSample(ts TraceTimestamp, ps pendingSample) {
	upid := p.process.GetOrCreateProcess(ProcessID(ps.pid))
	utid := p.process.GetOrCreateThread(ThreadID(ps.tid))

	callsite := p.stack.RootCallsite()
	if len(ps.callchain) > 0 {
		callsite = p.resolveCallchain(ProcessID(ps.pid), ps.kernel, ps.callchain)
	} else if ps.haveIP {
		callsite = p.resolveCallchain(ProcessID(ps.pid), ps.kernel, []uint64{ps.ip})
	}

	p.storage.EmitSample(ResolvedSample{
		Timestamp: ts,
		UPID:      upid,
		UTID:      utid,
		CPU:       ps.cpu,
		HaveCPU:   ps.haveCPU,
		Callsite:  callsite,
		EventID:   ps.eventID,
		Period:    ps.period,
	})
}

// resolveCallchain interns the callchain and returns the leaf frame's
// callsite: perf lists frames leaf first, so each frame is resolved in
// that order, then InternCallsite is called from the outermost frame
// inward, each time nesting the previous callsite as the new parent,
// since a callsite node's identity is defined by (parent-toward-root,
// frame).
func (p *RecordParser) resolveCallchain(pid ProcessID, kernelHint bool, chain []uint64) CallsiteID {
	frames := make([]FrameID, 0, len(chain))
	kernel := kernelHint
	for _, ip := range chain {
		switch ip {
		case perf.CallchainMarkerKernel, perf.CallchainMarkerGuestKernel:
			kernel = true
			continue
		case perf.CallchainMarkerUser, perf.CallchainMarkerGuestUser, perf.CallchainMarkerHV, perf.CallchainMarkerGuest:
			kernel = false
			continue
		}
		mid, relPC, ok := p.mapping.FindMapping(pid, kernel, ip)
		if !ok {
			mid, relPC = p.mapping.GetDummyMapping(), ip
			p.storage.IncrementStat("perf_dummy_mapping_used", 1)
		}
		frames = append(frames, p.stack.InternFrame(mid, relPC))
	}

	// The chain arrives leaf-first; reverse so we intern outermost frame
	// first and each subsequent node nests under its caller, matching
	// the storage layer's parent-toward-root convention.
	callsite := p.stack.RootCallsite()
	for i := len(frames) - 1; i >= 0; i-- {
		callsite = p.stack.InternCallsite(callsite, frames[i])
	}
	return callsite
}

// pushComm decodes a COMM record and pushes it through the Sorter,
// applying the thread-name update once released.
func (p *RecordParser) pushComm(hdr perf.RecordHeader, payload []byte, attr *perf.PerfEventAttr) error {
	c, err := perf.DecodeComm(hdr, trimSampleIDSuffix(attr, payload))
	if err != nil {
		p.storage.IncrementStat("perf_comm_decode_errors", 1)
		return nil
	}
	ts, err := p.recordTimestamp(attr, payload)
	if err != nil {
		p.storage.IncrementStat("perf_record_skipped", 1)
		return nil
	}
	p.pushRecord(ts, pendingRecord{kind: kindComm, comm: c})
	return nil
}

func (p *RecordParser) applyComm(c perf.Comm) {
	p.process.GetOrCreateProcess(ProcessID(c.PID))
	p.process.GetOrCreateThread(ThreadID(c.TID))
	p.process.SetThreadName(ThreadID(c.TID), c.Comm, c.ExecFlag)
	if c.PID == c.TID {
		p.process.UpdateThreadNameByPID(ProcessID(c.PID), c.Comm)
	}
}

// pushMmap decodes an MMAP or MMAP2 record and pushes it through the
// Sorter, applying the mapping-table update once released.
func (p *RecordParser) pushMmap(hdr perf.RecordHeader, payload []byte, attr *perf.PerfEventAttr, isMmap2 bool) error {
	body := trimSampleIDSuffix(attr, payload)
	var m perf.Mmap
	var err error
	if isMmap2 {
		m, err = perf.DecodeMmap2(hdr.Misc, body)
	} else {
		m, err = perf.DecodeMmap(body)
	}
	if err != nil {
		p.storage.IncrementStat("perf_mmap_decode_errors", 1)
		return nil
	}
	ts, err := p.recordTimestamp(attr, payload)
	if err != nil {
		p.storage.IncrementStat("perf_record_skipped", 1)
		return nil
	}
	p.pushRecord(ts, pendingRecord{kind: kindMmap, mmap: m, kernel: perf.CPUModeFromMisc(hdr.Misc).IsKernel()})
	return nil
}

// applyMmap creates the mapping-table entry for a released MMAP/MMAP2
// record. An MMAP2's own embedded build-id, when present, wins over a
// session-level (pid, filename) lookup added by a HEADER_BUILD_ID
// feature section, per testable property 8: the record's own claim about
// what was mapped is more current than a possibly-stale session-wide
// table.
func (p *RecordParser) applyMmap(m perf.Mmap, kernel bool) {
	buildID := m.BuildID
	if m.IsMmap2 && !m.HaveBuildID && p.session != nil {
		if id, ok := p.session.LookupBuildID(m.PID, m.Filename); ok {
			buildID = id
		}
	}
	params := MappingParams{
		Filename:   m.Filename,
		StartAddr:  m.Addr,
		EndAddr:    m.Addr + m.Len,
		FileOffset: m.Pgoff,
		BuildID:    buildID,
	}
	if kernel {
		p.mapping.CreateKernelMapping(params)
		return
	}
	p.mapping.CreateUserMapping(ProcessID(m.PID), params)
}

// pushExit decodes an EXIT record's (pid, ppid) and pushes it through
// the Sorter, applying the process lifetime-end update once released.
func (p *RecordParser) pushExit(payload []byte, attr *perf.PerfEventAttr) error {
	body := trimSampleIDSuffix(attr, payload)
	buf := perf.NewByteBufferReader()
	buf.PushBack(0, body)
	r := perf.NewRecordReader(buf, 0)
	pid, err := r.U32()
	if err != nil {
		p.storage.IncrementStat("perf_exit_decode_errors", 1)
		return nil
	}
	if _, err := r.U32(); err != nil { // ppid
		p.storage.IncrementStat("perf_exit_decode_errors", 1)
		return nil
	}
	ts, err := p.recordTimestamp(attr, payload)
	if err != nil {
		p.storage.IncrementStat("perf_record_skipped", 1)
		return nil
	}
	p.pushRecord(ts, pendingRecord{kind: kindExit, exitPID: pid})
	return nil
}
