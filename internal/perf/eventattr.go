package perf

// onDiskEventAttr mirrors the fixed-layout prefix of struct
// perf_event_attr (include/uapi/linux/perf_event.h) that this
// implementation understands. Files may declare a larger attr_size (newer
// kernel ABI revisions append fields); ParseAttrsEntry reads this
// prefix and skips the remainder, per spec.md 4.3.
type onDiskEventAttr struct {
	Type                    EventType
	Size                    uint32
	Config                  uint64
	SamplePeriodOrFreq      uint64
	SampleFormat            SampleFormat
	ReadFormat              ReadFormat
	Flags                   uint64
	WakeupEventsOrWatermark uint32
	BPType                  uint32
	BPAddrOrConfig1         uint64
	BPLenOrConfig2          uint64
	BranchSampleType        uint64
	SampleRegsUser          uint64
	SampleStackUser         uint32
	ClockID                 int32
	SampleRegsIntr          uint64
	AuxWatermark            uint32
	SampleMaxStack          uint16
	pad                     uint16
}

// onDiskEventAttrSize is the number of bytes onDiskEventAttr occupies on
// the wire (all fields are fixed-size and naturally aligned, so this
// equals the sum of the field widths).
const onDiskEventAttrSize = 4 + 4 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 8 + 8 + 8 + 8 + 4 + 4 + 8 + 4 + 2 + 2

const (
	eventFlagFreq        uint64 = 1 << 10
	eventFlagSampleIDAll uint64 = 1 << 18
	eventFlagUseClockID  uint64 = 1 << 25
)

// ClockDomain identifies which POSIX clock an event's TIME field was
// captured against. perf defaults every event to CLOCK_MONOTONIC unless
// the recorder explicitly requested another clock via use_clockid,
// per_event_attr's clockid field (perf_event_open(2)).
type ClockDomain uint8

const (
	ClockDomainMonotonic ClockDomain = iota
	ClockDomainMonotonicRaw
	ClockDomainOther
)

func (d ClockDomain) String() string {
	switch d {
	case ClockDomainMonotonic:
		return "monotonic"
	case ClockDomainMonotonicRaw:
		return "monotonic_raw"
	default:
		return "other"
	}
}

// linux clockid_t values relevant to perf_event_attr.clockid
// (include/uapi/linux/time.h); only the domains perf commonly requests
// are distinguished, everything else collapses to ClockDomainOther.
const (
	clockIDMonotonic    int32 = 1
	clockIDMonotonicRaw int32 = 4
)

// ClockDomain reports which clock this event's TIME field is measured
// against. Events recorded without PERF_ATTR_FLAG_USE_CLOCKID always use
// the kernel's default, CLOCK_MONOTONIC.
func (a *PerfEventAttr) ClockDomain() ClockDomain {
	if a.raw.Flags&eventFlagUseClockID == 0 {
		return ClockDomainMonotonic
	}
	switch a.raw.ClockID {
	case clockIDMonotonic:
		return ClockDomainMonotonic
	case clockIDMonotonicRaw:
		return ClockDomainMonotonicRaw
	default:
		return ClockDomainOther
	}
}

// PerfEventAttr describes one recorded event type: its sample format,
// period/frequency, and derived byte offsets used to locate the time and
// sample-ID fields within records that reference it. Immutable after
// construction except for its per-CPU counter map.
type PerfEventAttr struct {
	raw onDiskEventAttr

	timeOffsetFromStart int // -1 if absent
	timeOffsetFromEnd   int // -1 if absent
	idOffsetFromStart   int // -1 if absent
	idOffsetFromEnd     int // -1 if absent

	counters map[uint32]*PerfCounter
}

// newPerfEventAttr computes and caches the derived offsets for raw.
func newPerfEventAttr(raw onDiskEventAttr) *PerfEventAttr {
	a := &PerfEventAttr{raw: raw, counters: make(map[uint32]*PerfCounter)}
	a.timeOffsetFromStart = computeTimeOffsetFromStart(raw.SampleFormat)
	a.timeOffsetFromEnd = computeTimeOffsetFromEnd(raw)
	a.idOffsetFromStart = computeIDOffsetFromStart(raw.SampleFormat)
	a.idOffsetFromEnd = computeIDOffsetFromEnd(raw)
	return a
}

// SampleFormat returns the event's sample_type bitmask.
func (a *PerfEventAttr) SampleFormat() SampleFormat { return a.raw.SampleFormat }

// ReadFormat returns the event's read_format bitmask.
func (a *PerfEventAttr) ReadFormat() ReadFormat { return a.raw.ReadFormat }

// SampleIDAll reports whether non-SAMPLE records carry a trailing
// sample_id suffix for this event.
func (a *PerfEventAttr) SampleIDAll() bool {
	return a.raw.Flags&eventFlagSampleIDAll != 0
}

// IsFreq reports whether SamplePeriodOrFreq should be interpreted as a
// sampling frequency rather than a fixed period.
func (a *PerfEventAttr) IsFreq() bool { return a.raw.Flags&eventFlagFreq != 0 }

// SamplePeriod returns the fixed sample period, if this event was
// configured with one rather than a frequency.
func (a *PerfEventAttr) SamplePeriod() (uint64, bool) {
	if a.IsFreq() {
		return 0, false
	}
	return a.raw.SamplePeriodOrFreq, true
}

// TimeOffsetFromStart returns the byte offset of the TIME field from the
// start of a SAMPLE record's payload, if SampleFormatTime is set.
func (a *PerfEventAttr) TimeOffsetFromStart() (int, bool) {
	if a.timeOffsetFromStart < 0 {
		return 0, false
	}
	return a.timeOffsetFromStart, true
}

// TimeOffsetFromEnd returns the byte offset of the TIME field measured
// from the end of a non-SAMPLE record's payload, if the trailing
// sample_id suffix carries one (requires sample_id_all and
// SampleFormatTime).
func (a *PerfEventAttr) TimeOffsetFromEnd() (int, bool) {
	if a.timeOffsetFromEnd < 0 {
		return 0, false
	}
	return a.timeOffsetFromEnd, true
}

// TimeFromSuffix extracts a non-SAMPLE record's TIME field from its
// trailing sample_id suffix, if this event's sample_type/sample_id_all
// combination puts one there. payload must be the full record payload,
// suffix included.
func (a *PerfEventAttr) TimeFromSuffix(payload []byte) (uint64, bool) {
	off, ok := a.TimeOffsetFromEnd()
	if !ok {
		return 0, false
	}
	pos := len(payload) - off - 8
	if pos < 0 || pos+8 > len(payload) {
		return 0, false
	}
	return leU64(payload[pos : pos+8]), true
}

// SampleIDSuffixLen returns the byte length of the trailing sample_id
// suffix this event appends to its non-SAMPLE records, or 0 if
// sample_id_all is unset. Callers decoding a non-SAMPLE record's own
// fields (COMM's name, MMAP's filename, ...) must trim this many bytes
// off the end of the payload first, or the suffix corrupts whatever
// variable-length field trails the record.
func (a *PerfEventAttr) SampleIDSuffixLen() int {
	if !a.SampleIDAll() {
		return 0
	}
	return suffixTotalBytes(a.raw.SampleFormat)
}

// idOffsetFromStartOK / idOffsetFromEndOK (tokenizer.go) are used by
// Tokenizer.resolveAttrForRecord to locate the sample-ID field used for
// attr routing (spec.md 4.4).

// fixedPrefixSize returns the number of bytes occupied by the fixed-order
// SAMPLE fields (IP, TID, TIME, ADDR, ID, STREAM_ID, CPU, PERIOD) that
// precede any variable-length fields (READ, CALLCHAIN, ...), based on
// which of those bits are set.
func fixedPrefixSize(f SampleFormat, upTo SampleFormat) int {
	size := 0
	type fieldWidth struct {
		bit   SampleFormat
		width int
	}
	order := []fieldWidth{
		{SampleFormatIdentifier, 8}, // IDENTIFIER always leads when present
	}
	if f&SampleFormatIdentifier != 0 {
		for _, fw := range order {
			if fw.bit == upTo {
				return size
			}
			if f&fw.bit != 0 {
				size += fw.width
			}
		}
		if upTo == SampleFormatIdentifier {
			return size
		}
	}
	order = []fieldWidth{
		{SampleFormatIP, 8},
		{SampleFormatTID, 8},
		{SampleFormatTime, 8},
		{SampleFormatAddr, 8},
		{SampleFormatID, 8},
		{SampleFormatStreamID, 8},
		{SampleFormatCPU, 8},
		{SampleFormatPeriod, 8},
	}
	for _, fw := range order {
		if fw.bit == upTo {
			return size
		}
		if f&fw.bit != 0 {
			size += fw.width
		}
	}
	return size
}

func computeTimeOffsetFromStart(f SampleFormat) int {
	if f&SampleFormatTime == 0 {
		return -1
	}
	return fixedPrefixSize(f, SampleFormatTime)
}

func computeIDOffsetFromStart(f SampleFormat) int {
	if f&SampleFormatIdentifier != 0 {
		return 0
	}
	if f&SampleFormatID == 0 {
		return -1
	}
	return fixedPrefixSize(f, SampleFormatID)
}

// sampleIDSuffixOrder is the fixed field order of the trailing
// "struct sample_id" suffix appended to non-SAMPLE records when
// sample_id_all is set (include/uapi/linux/perf_event.h).
type suffixField struct {
	bit   SampleFormat
	width int
}

var sampleIDSuffixOrder = []suffixField{
	{SampleFormatTID, 8},
	{SampleFormatTime, 8},
	{SampleFormatID, 8},
	{SampleFormatStreamID, 8},
	{SampleFormatCPU, 8},
}

// suffixTotalBytes returns the total size of the trailing sample_id
// suffix for the given sample_type, honoring IDENTIFIER's override of
// ID's position.
func suffixTotalBytes(f SampleFormat) int {
	total := 0
	for _, sf := range sampleIDSuffixOrder {
		if sf.bit == SampleFormatID && f&SampleFormatIdentifier != 0 {
			continue // IDENTIFIER replaces ID below
		}
		if f&sf.bit != 0 {
			total += sf.width
		}
	}
	if f&SampleFormatIdentifier != 0 {
		total += 8
	}
	return total
}

// suffixOffsetFromEnd computes, for field bit `target`, its byte offset
// measured backwards from the end of the suffix (i.e. from the end of the
// record). Returns -1 if the field is absent from the suffix.
func suffixOffsetFromEnd(f SampleFormat, target SampleFormat) int {
	if target == SampleFormatID && f&SampleFormatIdentifier != 0 {
		target = SampleFormatIdentifier
	}
	if target != SampleFormatIdentifier && f&target == 0 {
		return -1
	}
	if target == SampleFormatIdentifier && f&SampleFormatIdentifier == 0 {
		return -1
	}

	// Bytes strictly after `target` in the suffix.
	after := 0
	seenTarget := false
	for _, sf := range sampleIDSuffixOrder {
		bit := sf.bit
		if bit == SampleFormatID && f&SampleFormatIdentifier != 0 {
			continue
		}
		if bit == target {
			seenTarget = true
			continue
		}
		if seenTarget && f&bit != 0 {
			after += sf.width
		}
	}
	if target == SampleFormatIdentifier {
		// IDENTIFIER sits at the very end of the suffix.
		after = 0
	} else if f&SampleFormatIdentifier != 0 {
		after += 8
	}
	return after
}

func computeTimeOffsetFromEnd(raw onDiskEventAttr) int {
	if raw.Flags&eventFlagSampleIDAll == 0 {
		return -1
	}
	return suffixOffsetFromEnd(raw.SampleFormat, SampleFormatTime)
}

func computeIDOffsetFromEnd(raw onDiskEventAttr) int {
	if raw.Flags&eventFlagSampleIDAll == 0 {
		return -1
	}
	target := SampleFormatID
	if raw.SampleFormat&SampleFormatIdentifier != 0 {
		target = SampleFormatIdentifier
	} else if raw.SampleFormat&SampleFormatID == 0 {
		return -1
	}
	return suffixOffsetFromEnd(raw.SampleFormat, target)
}

// NewPerfEventAttrForTest builds a PerfEventAttr from just a sample_type
// bitmask, for tests in other packages that need one without assembling
// a full attrs-section entry.
func NewPerfEventAttrForTest(sampleFormat SampleFormat) *PerfEventAttr {
	return newPerfEventAttr(onDiskEventAttr{SampleFormat: sampleFormat})
}

// NewPerfEventAttrForTestWithClock builds a PerfEventAttr like
// NewPerfEventAttrForTest, additionally set up to report domain from
// ClockDomain(), for tests exercising clock-domain mismatch handling.
func NewPerfEventAttrForTestWithClock(sampleFormat SampleFormat, domain ClockDomain) *PerfEventAttr {
	raw := onDiskEventAttr{SampleFormat: sampleFormat}
	switch domain {
	case ClockDomainMonotonic:
		raw.Flags = eventFlagUseClockID
		raw.ClockID = clockIDMonotonic
	case ClockDomainMonotonicRaw:
		raw.Flags = eventFlagUseClockID
		raw.ClockID = clockIDMonotonicRaw
	default:
		raw.Flags = eventFlagUseClockID
		raw.ClockID = -1
	}
	return newPerfEventAttr(raw)
}

// GetOrCreateCounter returns the per-CPU counter series for this event,
// creating it on first access.
func (a *PerfEventAttr) GetOrCreateCounter(cpu uint32) *PerfCounter {
	if c, ok := a.counters[cpu]; ok {
		return c
	}
	c := newPerfCounter()
	a.counters[cpu] = c
	return c
}

// Counter returns the per-CPU counter series if one has been created.
func (a *PerfEventAttr) Counter(cpu uint32) (*PerfCounter, bool) {
	c, ok := a.counters[cpu]
	return c, ok
}
