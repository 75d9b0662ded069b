package perf

import "encoding/binary"

// AttrsEntry is one decoded "struct perf_file_attr" entry: an event
// attribute plus the (offset, size) of the ids section elsewhere in the
// file listing which event ids this attr applies to.
type AttrsEntry struct {
	Attr *PerfEventAttr
	IDs  Section
}

// perfFileSectionSize is the on-disk size of struct perf_file_section
// (two u64 fields: offset, size).
const perfFileSectionSize = 16

// ParseAttrsEntry decodes one perf_file_attr entry at the reader's
// current position. attrSize is the file header's declared attr_size,
// which may be smaller (older kernel) or larger (newer kernel, trailing
// fields this package does not know about) than onDiskEventAttrSize;
// either way exactly attrSize bytes are consumed for the attr itself.
func ParseAttrsEntry(r *RecordReader, attrSize uint64) (AttrsEntry, error) {
	raw, err := r.Bytes(attrSize)
	if err != nil {
		return AttrsEntry{}, err
	}
	attr := decodeOnDiskEventAttr(raw)

	idsOff, err := r.U64()
	if err != nil {
		return AttrsEntry{}, err
	}
	idsSize, err := r.U64()
	if err != nil {
		return AttrsEntry{}, err
	}

	return AttrsEntry{
		Attr: newPerfEventAttr(attr),
		IDs:  Section{Offset: idsOff, Size: idsSize},
	}, nil
}

// AttrsEntrySize returns the on-disk stride of one attrs-section entry
// for a file declaring the given attr_size.
func AttrsEntrySize(attrSize uint64) uint64 { return attrSize + perfFileSectionSize }

// decodeOnDiskEventAttr decodes as much of onDiskEventAttr as raw holds,
// leaving any fields past len(raw) at their zero value. This tolerates
// attr_size values smaller than onDiskEventAttrSize (older recordings).
func decodeOnDiskEventAttr(raw []byte) onDiskEventAttr {
	g := attrFieldGetter{raw: raw}
	var a onDiskEventAttr
	a.Type = EventType(g.u32())
	a.Size = g.u32()
	a.Config = g.u64()
	a.SamplePeriodOrFreq = g.u64()
	a.SampleFormat = SampleFormat(g.u64())
	a.ReadFormat = ReadFormat(g.u64())
	a.Flags = g.u64()
	a.WakeupEventsOrWatermark = g.u32()
	a.BPType = g.u32()
	a.BPAddrOrConfig1 = g.u64()
	a.BPLenOrConfig2 = g.u64()
	a.BranchSampleType = g.u64()
	a.SampleRegsUser = g.u64()
	a.SampleStackUser = g.u32()
	a.ClockID = int32(g.u32())
	a.SampleRegsIntr = g.u64()
	a.AuxWatermark = g.u32()
	a.SampleMaxStack = g.u16()
	return a
}

// attrFieldGetter sequentially decodes little-endian fields from a byte
// slice that may be shorter than the full struct, returning zero for any
// field that runs past the end.
type attrFieldGetter struct {
	raw []byte
	pos int
}

func (g *attrFieldGetter) bytes(n int) []byte {
	if g.pos+n > len(g.raw) {
		g.pos = len(g.raw)
		return nil
	}
	b := g.raw[g.pos : g.pos+n]
	g.pos += n
	return b
}

func (g *attrFieldGetter) u16() uint16 {
	b := g.bytes(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (g *attrFieldGetter) u32() uint32 {
	b := g.bytes(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (g *attrFieldGetter) u64() uint64 {
	b := g.bytes(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

// ParseIDs decodes the flat array of u64 event ids stored at an attrs
// entry's ids section.
func ParseIDs(r *RecordReader, section Section) ([]uint64, error) {
	r.Seek(section.Offset)
	n := section.Size / 8
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := r.U64()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
