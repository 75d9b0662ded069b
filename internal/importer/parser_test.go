package importer

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nebulaperf/tracecore/internal/perf"
	"github.com/nebulaperf/tracecore/pkg/xlog"
	"github.com/nebulaperf/tracecore/pkg/xmetrics"
)

func newTestParser() (*RecordParser, *memStorage) {
	reg := xmetrics.NewRegistry()
	storage := NewMemStorage(reg)
	p := NewRecordParser(
		xlog.NewNop(),
		NewSorter(),
		NewClockTracker(),
		NewProcessTracker(),
		NewMappingTracker(reg),
		NewStackProfileTracker(),
		storage,
	)
	return p, storage
}

func mmapPayload(pid, tid uint32, addr, length, pgoff uint64, filename string) []byte {
	buf := make([]byte, 0, 32+len(filename)+1)
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, pid)
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint32(tmp, tid)
	buf = append(buf, tmp...)
	tmp8 := make([]byte, 8)
	binary.LittleEndian.PutUint64(tmp8, addr)
	buf = append(buf, tmp8...)
	binary.LittleEndian.PutUint64(tmp8, length)
	buf = append(buf, tmp8...)
	binary.LittleEndian.PutUint64(tmp8, pgoff)
	buf = append(buf, tmp8...)
	buf = append(buf, filename...)
	buf = append(buf, 0)
	return buf
}

// TestRecordParserResolvesSampleAgainstPriorMmap pushes an MMAP record
// before a SAMPLE that satisfies the mandatory insertion gate (time, tid,
// cpu) and checks the sample resolves its callchain against the MMAP:
// since MMAP now routes through the Sorter just like SAMPLE, this
// exercises that the Sorter's tie-break preserves push order for
// same-timestamp records, keeping the mapping applied before the sample
// that depends on it.
func TestRecordParserResolvesSampleAgainstPriorMmap(t *testing.T) {
	p, storage := newTestParser()
	require.NoError(t, p.OnSession(mustSingleAttrSession(t)))

	mmap := mmapPayload(42, 42, 0x1000, 0x1000, 0, "/usr/bin/target")
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeMmap, Misc: perf.RecordMisc(perf.CPUModeUser)}, mmap, nil))

	attr := attrIPTIDTimeCPUPeriod()
	samplePayload := samplePayloadIPTIDTimeCPUPeriod(0x1050, 42, 42, 0, 0, 1)

	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, samplePayload, attr))
	p.sorter.Flush()

	samples := storage.Samples()
	require.Len(t, samples, 1)
	require.NotEqual(t, CallsiteID(0), samples[0].Callsite, "sample with a resolvable IP should not land on the root callsite")
}

func TestRecordParserUnattributedSampleIncrementsStat(t *testing.T) {
	p, storage := newTestParser()

	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample}, nil, nil))

	require.EqualValues(t, 1, storage.Stat("perf_samples_unattributed"))
}

func TestRecordParserCountsUnknownRecordTypeAsSkipped(t *testing.T) {
	// The tokenizer itself drops AUX/AUXTRACE records before they reach
	// OnRecord; RecordParser only needs to treat genuinely unknown
	// record types as skipped, not error.
	p, storage := newTestParser()

	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeThrottle}, nil, nil))
	require.EqualValues(t, 1, storage.IndexedStat("perf_unknown_record_type", perf.RecordTypeThrottle.String()))
}

func TestRecordParserFeatureSkippedIndexedByID(t *testing.T) {
	p, storage := newTestParser()

	p.OnFeatureSkipped(perf.FeatureIDCmdline)
	p.OnFeatureSkipped(perf.FeatureIDCmdline)
	p.OnFeatureSkipped(perf.FeatureIDBuildID)

	require.EqualValues(t, 2, storage.IndexedStat("perf_features_skipped", fmt.Sprintf("%d", perf.FeatureIDCmdline)))
	require.EqualValues(t, 1, storage.IndexedStat("perf_features_skipped", fmt.Sprintf("%d", perf.FeatureIDBuildID)))
}

func samplePayloadIPTIDTimeCPUPeriod(ip uint64, pid, tid uint32, timeNs uint64, cpu uint32, period uint64) []byte {
	buf := make([]byte, 0, 40)
	put64 := func(v uint64) { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); buf = append(buf, b...) }
	put32 := func(v uint32) { b := make([]byte, 4); binary.LittleEndian.PutUint32(b, v); buf = append(buf, b...) }
	put64(ip)
	put32(pid)
	put32(tid)
	put64(timeNs)
	put32(cpu)
	put32(0) // reserved
	put64(period)
	return buf
}

func attrIPTIDTimeCPUPeriod() *perf.PerfEventAttr {
	return perf.NewPerfEventAttrForTest(perf.SampleFormatIP | perf.SampleFormatTID | perf.SampleFormatTime | perf.SampleFormatCPU | perf.SampleFormatPeriod)
}

// TestRecordParserReleasesSamplesInTimestampOrderNotPushOrder pushes
// SAMPLE records with decreasing timestamps and checks the sorter still
// releases them sorted at Flush, guarding against a watermark that
// tracks the record just pushed instead of trailing the observed high
// water mark (which would collapse the sort into push order).
func TestRecordParserReleasesSamplesInTimestampOrderNotPushOrder(t *testing.T) {
	p, storage := newTestParser()
	require.NoError(t, p.OnSession(mustSingleAttrSession(t)))
	attr := attrIPTIDTimeCPUPeriod()

	for _, ts := range []uint64{300, 100, 200} {
		payload := samplePayloadIPTIDTimeCPUPeriod(0x1000, 1, 1, ts, 0, 1)
		require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))
	}
	p.sorter.Flush()

	samples := storage.Samples()
	require.Len(t, samples, 3)
	require.Equal(t, []TraceTimestamp{100, 200, 300}, []TraceTimestamp{samples[0].Timestamp, samples[1].Timestamp, samples[2].Timestamp})
}

// TestRecordParserAdvanceWatermarkTrailsHighWaterMark asserts the
// watermark used to release buffered samples lags the highest
// timestamp seen so far by sorterWindow, rather than tracking the
// timestamp of whichever sample was just pushed.
func TestRecordParserAdvanceWatermarkTrailsHighWaterMark(t *testing.T) {
	p, storage := newTestParser()
	require.NoError(t, p.OnSession(mustSingleAttrSession(t)))
	attr := attrIPTIDTimeCPUPeriod()

	within := sorterWindow / 2
	push := func(ts TraceTimestamp) {
		payload := samplePayloadIPTIDTimeCPUPeriod(0x1000, 1, 1, uint64(ts), 0, 1)
		require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))
	}

	push(sorterWindow + within)
	push(within + 1) // strictly within the window of the max pushed so far
	require.Empty(t, storage.Samples(), "both samples should still be buffered, the watermark must not equal the just-pushed timestamp")

	push(2*sorterWindow + within)
	require.NotEmpty(t, storage.Samples(), "pushing far enough ahead should finally advance the watermark past the earlier samples")

	p.sorter.Flush()
	samples := storage.Samples()
	require.Len(t, samples, 3)
}

// attrWithReadGroup builds its attr from raw attr bytes, since the
// payload below is in PERF_FORMAT_GROUP|PERF_FORMAT_ID layout and
// NewPerfEventAttrForTest only sets sample_type.
func attrWithReadGroup() *perf.PerfEventAttr {
	const attrSize = 48 // through the flags word
	raw := make([]byte, attrSize+16)
	binary.LittleEndian.PutUint64(raw[24:32], uint64(perf.SampleFormatIP|perf.SampleFormatTID|perf.SampleFormatTime|perf.SampleFormatCPU|perf.SampleFormatPeriod|perf.SampleFormatRead))
	binary.LittleEndian.PutUint64(raw[32:40], uint64(perf.ReadFormatGroup|perf.ReadFormatID))
	buf := perf.NewByteBufferReader()
	buf.PushBack(0, raw)
	entry, err := perf.ParseAttrsEntry(perf.NewRecordReader(buf, 0), attrSize)
	if err != nil {
		panic(err)
	}
	return entry.Attr
}

func samplePayloadWithReadGroup(ip uint64, pid, tid uint32, timeNs uint64, cpu uint32, period uint64, entries [][2]uint64) []byte {
	buf := samplePayloadIPTIDTimeCPUPeriod(ip, pid, tid, timeNs, cpu, period)
	put64 := func(v uint64) { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); buf = append(buf, b...) }
	put64(uint64(len(entries)))
	for _, e := range entries {
		put64(e[0]) // value
		put64(e[1]) // event id
	}
	return buf
}

// TestRecordParserWiresReadGroupsIntoPerCPUCounters checks that a
// SAMPLE_READ payload's group entries drive AddCount on the owning
// event's per-CPU PerfCounter, per spec.md's counter-update rule.
func TestRecordParserWiresReadGroupsIntoPerCPUCounters(t *testing.T) {
	p, storage := newTestParser()

	rawAttrA := perf.NewPerfEventAttrForTest(perf.SampleFormatIP)
	rawAttrB := perf.NewPerfEventAttrForTest(perf.SampleFormatIP)
	builder := perf.NewPerfSessionBuilder(nil)
	require.NoError(t, builder.AddEntry(perf.AttrsEntry{Attr: rawAttrA}, []uint64{10}))
	require.NoError(t, builder.AddEntry(perf.AttrsEntry{Attr: rawAttrB}, []uint64{20}))
	sess, err := builder.Build()
	require.NoError(t, err)
	require.NoError(t, p.OnSession(sess))

	attr := attrWithReadGroup()
	payload := samplePayloadWithReadGroup(0x1000, 1, 1, 100, 3, 7, [][2]uint64{{111, 10}, {222, 20}})
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))
	p.sorter.Flush()

	require.Len(t, storage.Samples(), 1)
	counterA, ok := rawAttrA.Counter(3)
	require.True(t, ok)
	require.EqualValues(t, 111, counterA.Value())
	counterB, ok := rawAttrB.Counter(3)
	require.True(t, ok)
	require.EqualValues(t, 222, counterB.Value())
}

// TestRecordParserWiresPlainPeriodIntoPerCPUCounter checks the
// non-read_groups path: a sample's own period accumulates onto its
// event's per-CPU counter via AddDelta.
func TestRecordParserWiresPlainPeriodIntoPerCPUCounter(t *testing.T) {
	p, storage := newTestParser()

	rawAttr := perf.NewPerfEventAttrForTest(perf.SampleFormatIP)
	builder := perf.NewPerfSessionBuilder(nil)
	require.NoError(t, builder.AddEntry(perf.AttrsEntry{Attr: rawAttr}, nil))
	sess, err := builder.Build()
	require.NoError(t, err)
	require.NoError(t, p.OnSession(sess))

	attr := attrIPTIDTimeCPUPeriod()
	payload := samplePayloadIPTIDTimeCPUPeriod(0x1000, 1, 1, 100, 5, 9)
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))
	payload2 := samplePayloadIPTIDTimeCPUPeriod(0x1000, 1, 1, 200, 5, 4)
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload2, attr))
	p.sorter.Flush()
	require.Len(t, storage.Samples(), 2)

	counter, ok := rawAttr.Counter(5)
	require.True(t, ok)
	require.EqualValues(t, 13, counter.Value())
}

// TestRecordParserSkipsSampleOnClockDomainMismatch checks spec.md's
// clock-translation-failure -> per-record-skip path: an event recorded
// against a clock domain other than the trace's installed one has its
// samples skipped rather than mis-ordered against the trace timeline.
func TestRecordParserSkipsSampleOnClockDomainMismatch(t *testing.T) {
	p, storage := newTestParser()

	require.NoError(t, p.OnSession(mustSingleAttrSession(t)))

	attr := perf.NewPerfEventAttrForTestWithClock(perf.SampleFormatIP|perf.SampleFormatTID|perf.SampleFormatTime|perf.SampleFormatCPU|perf.SampleFormatPeriod, perf.ClockDomainOther)
	payload := samplePayloadIPTIDTimeCPUPeriod(0x1000, 1, 1, 100, 0, 1)
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))

	require.Empty(t, storage.Samples())
	require.EqualValues(t, 1, storage.Stat("perf_clock_translation_errors"))
}

func mustSingleAttrSession(t *testing.T) *perf.PerfSession {
	t.Helper()
	builder := perf.NewPerfSessionBuilder(nil)
	require.NoError(t, builder.AddEntry(perf.AttrsEntry{Attr: perf.NewPerfEventAttrForTest(perf.SampleFormatIP)}, nil))
	sess, err := builder.Build()
	require.NoError(t, err)
	return sess
}

func commPayload(pid, tid uint32, comm string) []byte {
	buf := make([]byte, 0, 8+len(comm)+1)
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, pid)
	buf = append(buf, tmp...)
	binary.LittleEndian.PutUint32(tmp, tid)
	buf = append(buf, tmp...)
	buf = append(buf, comm...)
	buf = append(buf, 0)
	return buf
}

// TestRecordParserRoutesCommThroughSorterWithSynthesizedTimestamp
// replicates the ingestion-time half of scenario S1: a COMM record for an
// attr whose sample_type carries no TIME field is still routed through
// the Sorter (falling back to the highest timestamp seen so far) rather
// than being applied to the trackers synchronously at delivery time, and
// still ends up applied once the Sorter releases it.
func TestRecordParserRoutesCommThroughSorterWithSynthesizedTimestamp(t *testing.T) {
	p, _ := newTestParser()

	attr := perf.NewPerfEventAttrForTest(perf.SampleFormatTID)
	comm := commPayload(42, 42, "init")

	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeComm}, comm, attr))
	require.Empty(t, p.process.Snapshot(), "COMM must not be applied to the trackers before the Sorter releases it")

	p.sorter.Flush()
	require.Equal(t, []ProcessID{42}, p.process.Snapshot())
}

// TestRecordParserSkipsSampleMissingTIDOrCPU exercises the mandatory
// sample-insertion gate (spec.md 4.9 / testable property 10): a sample
// with a valid time but no tid or cpu is skipped outright, not inserted
// with a zero-value stand-in.
func TestRecordParserSkipsSampleMissingTIDOrCPU(t *testing.T) {
	p, storage := newTestParser()

	attr := perf.NewPerfEventAttrForTest(perf.SampleFormatIP | perf.SampleFormatTime | perf.SampleFormatPeriod)
	buf := make([]byte, 0, 24)
	put64 := func(v uint64) { b := make([]byte, 8); binary.LittleEndian.PutUint64(b, v); buf = append(buf, b...) }
	put64(0x1000) // ip
	put64(100)    // time
	put64(1)      // period

	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample}, buf, attr))
	p.sorter.Flush()

	require.Empty(t, storage.Samples())
	require.EqualValues(t, 1, storage.Stat("perf_samples_skipped"))
}

// TestRecordParserUsesDummyMappingWhenUnresolved checks that a sample
// whose IP resolves against no known mapping still gets a row, attached
// to the mapping tracker's dummy mapping, and that perf_dummy_mapping_used
// is counted.
func TestRecordParserUsesDummyMappingWhenUnresolved(t *testing.T) {
	p, storage := newTestParser()
	require.NoError(t, p.OnSession(mustSingleAttrSession(t)))

	attr := attrIPTIDTimeCPUPeriod()
	payload := samplePayloadIPTIDTimeCPUPeriod(0xdead, 1, 1, 100, 0, 1)
	require.NoError(t, p.OnRecord(perf.RecordHeader{Type: perf.RecordTypeSample, Misc: perf.RecordMisc(perf.CPUModeUser)}, payload, attr))
	p.sorter.Flush()

	require.Len(t, storage.Samples(), 1)
	require.EqualValues(t, 1, storage.Stat("perf_dummy_mapping_used"))
}

// capturingMapping wraps the real mappingTracker to record the params of
// the last CreateUserMapping call, so applyMmap's build-id precedence can
// be asserted directly without a public getter into mappingEntry.
type capturingMapping struct {
	*mappingTracker
	lastUserParams MappingParams
}

func (c *capturingMapping) CreateUserMapping(pid ProcessID, m MappingParams) MappingID {
	c.lastUserParams = m
	return c.mappingTracker.CreateUserMapping(pid, m)
}

func newCapturingParser() (*RecordParser, *capturingMapping) {
	reg := xmetrics.NewRegistry()
	capture := &capturingMapping{mappingTracker: NewMappingTracker(reg).(*mappingTracker)}
	p := NewRecordParser(
		xlog.NewNop(),
		NewSorter(),
		NewClockTracker(),
		NewProcessTracker(),
		capture,
		NewStackProfileTracker(),
		NewMemStorage(reg),
	)
	return p, capture
}

// TestApplyMmapPrefersEmbeddedBuildIDOverSession checks testable property
// 8: an MMAP2 record's own embedded build-id overrides a value already
// recorded on the session for the same (pid, filename), even though the
// session-level value is added first.
func TestApplyMmapPrefersEmbeddedBuildIDOverSession(t *testing.T) {
	p, capture := newCapturingParser()

	sess := mustSingleAttrSession(t)
	sess.AddBuildID(7, "/usr/bin/target", []byte{0xAA})
	require.NoError(t, p.OnSession(sess))

	m := perf.Mmap{PID: 7, TID: 7, Addr: 0x1000, Len: 0x1000, Filename: "/usr/bin/target", IsMmap2: true, HaveBuildID: true, BuildID: []byte{0xBB}}
	p.applyMmap(m, false)

	require.Equal(t, []byte{0xBB}, capture.lastUserParams.BuildID)
}

// TestApplyMmapFallsBackToSessionBuildID checks the other half of
// property 8: when the MMAP2 record itself carries no build-id, the one
// looked up from the session for the same (pid, filename) is used.
func TestApplyMmapFallsBackToSessionBuildID(t *testing.T) {
	p, capture := newCapturingParser()

	sess := mustSingleAttrSession(t)
	sess.AddBuildID(7, "/usr/bin/target", []byte{0xAA})
	require.NoError(t, p.OnSession(sess))

	m := perf.Mmap{PID: 7, TID: 7, Addr: 0x1000, Len: 0x1000, Filename: "/usr/bin/target", IsMmap2: true, HaveBuildID: false}
	p.applyMmap(m, false)

	require.Equal(t, []byte{0xAA}, capture.lastUserParams.BuildID)
}
