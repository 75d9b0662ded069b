package perf

// PerfCallchainMarker values appear inline in a callchain's IP list to
// mark a transition to a different address context (kernel, user, a
// specific PID namespace, ...) rather than being a real instruction
// pointer.
const (
	CallchainMarkerHV            uint64 = 0xffffffffffffffe0
	CallchainMarkerKernel        uint64 = 0xffffffffffffff80
	CallchainMarkerUser          uint64 = 0xfffffffffffffe00
	CallchainMarkerGuest         uint64 = 0xfffffffffffff800
	CallchainMarkerGuestKernel   uint64 = 0xfffffffffffff780
	CallchainMarkerGuestUser     uint64 = 0xfffffffffffff600
)

// ReadGroupEntry is one {event_id, value} pair decoded from a SAMPLE's
// read_format payload: either one entry per member of a PERF_FORMAT_GROUP
// counter group, or a single entry for a plain (non-group) read_format.
type ReadGroupEntry struct {
	EventID    uint64
	HaveID     bool
	Value      uint64
	TimeEnabled uint64
	TimeRunning uint64
	HaveTimes   bool
}

// Sample is the decoded, attr-relative view of a SAMPLE record: only the
// fields present per the owning attr's sample_type are populated.
type Sample struct {
	IP        uint64
	HaveIP    bool
	PID, TID  uint32
	HaveTID   bool
	Time      uint64
	HaveTime  bool
	Addr      uint64
	HaveAddr  bool
	ID        uint64
	HaveID    bool
	StreamID  uint64
	HaveSID   bool
	CPU       uint32
	HaveCPU   bool
	Period    uint64
	HavePeriod bool
	ReadGroups []ReadGroupEntry
	Callchain []uint64
}

// DecodeSample decodes a SAMPLE record payload according to attr's
// sample_type, honoring the ABI's fixed field order (IP, TID, TIME,
// ADDR, ID, STREAM_ID, CPU, PERIOD, READ, CALLCHAIN, ...); fields after
// CALLCHAIN (RAW, BRANCH_STACK, regs/stack, ...) are left undecoded,
// this package's consumers do not need them.
func DecodeSample(attr *PerfEventAttr, payload []byte) (Sample, error) {
	buf := NewByteBufferReader()
	buf.PushBack(0, payload)
	r := NewRecordReader(buf, 0)

	f := attr.SampleFormat()
	var s Sample

	if f&SampleFormatIdentifier != 0 {
		id, err := r.U64()
		if err != nil {
			return s, err
		}
		s.ID, s.HaveID = id, true
	}
	if f&SampleFormatIP != 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.IP, s.HaveIP = v, true
	}
	if f&SampleFormatTID != 0 {
		pid, err := r.U32()
		if err != nil {
			return s, err
		}
		tid, err := r.U32()
		if err != nil {
			return s, err
		}
		s.PID, s.TID, s.HaveTID = pid, tid, true
	}
	if f&SampleFormatTime != 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.Time, s.HaveTime = v, true
	}
	if f&SampleFormatAddr != 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.Addr, s.HaveAddr = v, true
	}
	if f&SampleFormatID != 0 && f&SampleFormatIdentifier == 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.ID, s.HaveID = v, true
	}
	if f&SampleFormatStreamID != 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.StreamID, s.HaveSID = v, true
	}
	if f&SampleFormatCPU != 0 {
		cpu, err := r.U32()
		if err != nil {
			return s, err
		}
		if _, err := r.U32(); err != nil { // reserved
			return s, err
		}
		s.CPU, s.HaveCPU = cpu, true
	}
	if f&SampleFormatPeriod != 0 {
		v, err := r.U64()
		if err != nil {
			return s, err
		}
		s.Period, s.HavePeriod = v, true
	}
	if f&SampleFormatRead != 0 {
		groups, err := decodeReadGroup(r, attr.ReadFormat())
		if err != nil {
			return s, err
		}
		s.ReadGroups = groups
	}
	if f&SampleFormatCallchain != 0 {
		n, err := r.U64()
		if err != nil {
			return s, err
		}
		chain := make([]uint64, 0, n)
		for i := uint64(0); i < n; i++ {
			ip, err := r.U64()
			if err != nil {
				return s, err
			}
			chain = append(chain, ip)
		}
		s.Callchain = chain
	}
	return s, nil
}

// decodeReadGroup decodes a SAMPLE_READ payload into one ReadGroupEntry
// per counter reported: PERF_FORMAT_GROUP yields one entry per group
// member (spec.md's read_groups); a plain (non-group) read_format yields
// a single entry for the sampled event itself.
func decodeReadGroup(r *RecordReader, rf ReadFormat) ([]ReadGroupEntry, error) {
	if rf&ReadFormatGroup != 0 {
		nr, err := r.U64()
		if err != nil {
			return nil, err
		}
		var groupEnabled, groupRunning uint64
		haveGroupTimes := rf&(ReadFormatTotalTimeEnabled|ReadFormatTotalTimeRunning) != 0
		if rf&ReadFormatTotalTimeEnabled != 0 {
			if groupEnabled, err = r.U64(); err != nil {
				return nil, err
			}
		}
		if rf&ReadFormatTotalTimeRunning != 0 {
			if groupRunning, err = r.U64(); err != nil {
				return nil, err
			}
		}
		entries := make([]ReadGroupEntry, 0, nr)
		for i := uint64(0); i < nr; i++ {
			value, err := r.U64()
			if err != nil {
				return entries, err
			}
			e := ReadGroupEntry{Value: value, TimeEnabled: groupEnabled, TimeRunning: groupRunning, HaveTimes: haveGroupTimes}
			if rf&ReadFormatID != 0 {
				id, err := r.U64()
				if err != nil {
					return entries, err
				}
				e.EventID, e.HaveID = id, true
			}
			entries = append(entries, e)
		}
		return entries, nil
	}

	value, err := r.U64()
	if err != nil {
		return nil, err
	}
	e := ReadGroupEntry{Value: value}
	if rf&ReadFormatTotalTimeEnabled != 0 {
		if e.TimeEnabled, err = r.U64(); err != nil {
			return nil, err
		}
		e.HaveTimes = true
	}
	if rf&ReadFormatTotalTimeRunning != 0 {
		if e.TimeRunning, err = r.U64(); err != nil {
			return nil, err
		}
		e.HaveTimes = true
	}
	if rf&ReadFormatID != 0 {
		id, err := r.U64()
		if err != nil {
			return nil, err
		}
		e.EventID, e.HaveID = id, true
	}
	return []ReadGroupEntry{e}, nil
}

// Comm is a decoded COMM record: a thread's command-line name changed
// (or was announced for the first time).
type Comm struct {
	PID, TID uint32
	Comm     string
	ExecFlag bool
}

const miscCommExec RecordMisc = 1 << 13

// DecodeComm decodes a COMM record payload. The trailing sample_id
// suffix, if any, is not consumed here: callers slice it off using the
// owning attr's offsets before calling this.
func DecodeComm(hdr RecordHeader, payload []byte) (Comm, error) {
	buf := NewByteBufferReader()
	buf.PushBack(0, payload)
	r := NewRecordReader(buf, 0)
	pid, err := r.U32()
	if err != nil {
		return Comm{}, err
	}
	tid, err := r.U32()
	if err != nil {
		return Comm{}, err
	}
	name, err := r.String(uint64(len(payload)) - 8)
	if err != nil {
		return Comm{}, err
	}
	return Comm{PID: pid, TID: tid, Comm: name, ExecFlag: hdr.Misc&miscCommExec != 0}, nil
}

// Mmap is a decoded MMAP or MMAP2 record: a region of address space was
// mapped in a process, generally to an executable or shared library.
type Mmap struct {
	PID, TID       uint32
	Addr, Len, Pgoff uint64
	Filename       string

	// MMAP2-only fields; zero/absent for plain MMAP records.
	IsMmap2   bool
	Maj, Min  uint32
	Ino       uint64
	InoGen    uint64
	Prot      uint32
	Flags     uint32
	BuildID   []byte
	HaveBuildID bool
}

// DecodeMmap decodes an MMAP record payload.
func DecodeMmap(payload []byte) (Mmap, error) {
	buf := NewByteBufferReader()
	buf.PushBack(0, payload)
	r := NewRecordReader(buf, 0)
	var m Mmap
	var err error
	if m.PID, err = r.U32(); err != nil {
		return m, err
	}
	if m.TID, err = r.U32(); err != nil {
		return m, err
	}
	if m.Addr, err = r.U64(); err != nil {
		return m, err
	}
	if m.Len, err = r.U64(); err != nil {
		return m, err
	}
	if m.Pgoff, err = r.U64(); err != nil {
		return m, err
	}
	name, err := r.String(uint64(len(payload)) - r.Pos())
	if err != nil {
		return m, err
	}
	m.Filename = name
	return m, nil
}

// DecodeMmap2 decodes an MMAP2 record payload. misc's MiscMmapBuildID
// bit selects between the {maj,min,ino,ino_generation} device-identity
// layout and the embedded-build-ID layout.
func DecodeMmap2(misc RecordMisc, payload []byte) (Mmap, error) {
	buf := NewByteBufferReader()
	buf.PushBack(0, payload)
	r := NewRecordReader(buf, 0)
	var m Mmap
	m.IsMmap2 = true
	var err error
	if m.PID, err = r.U32(); err != nil {
		return m, err
	}
	if m.TID, err = r.U32(); err != nil {
		return m, err
	}
	if m.Addr, err = r.U64(); err != nil {
		return m, err
	}
	if m.Len, err = r.U64(); err != nil {
		return m, err
	}
	if m.Pgoff, err = r.U64(); err != nil {
		return m, err
	}
	if misc&MiscMmapBuildID != 0 {
		size, err := r.U8()
		if err != nil {
			return m, err
		}
		if _, err := r.U8(); err != nil { // reserved1
			return m, err
		}
		if _, err := r.U16(); err != nil { // reserved2
			return m, err
		}
		id, err := r.Bytes(20)
		if err != nil {
			return m, err
		}
		m.BuildID = append([]byte(nil), id[:size]...)
		m.HaveBuildID = true
	} else {
		if m.Maj, err = r.U32(); err != nil {
			return m, err
		}
		if m.Min, err = r.U32(); err != nil {
			return m, err
		}
		if m.Ino, err = r.U64(); err != nil {
			return m, err
		}
		if m.InoGen, err = r.U64(); err != nil {
			return m, err
		}
	}
	if m.Prot, err = r.U32(); err != nil {
		return m, err
	}
	if m.Flags, err = r.U32(); err != nil {
		return m, err
	}
	name, err := r.String(uint64(len(payload)) - r.Pos())
	if err != nil {
		return m, err
	}
	m.Filename = name
	return m, nil
}
