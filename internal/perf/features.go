package perf

import "google.golang.org/protobuf/encoding/protowire"

// Feature payload decoders. perf.data's optional trailing feature
// sections are a grab-bag of ad-hoc little-endian encodings (there is no
// single schema shared across them); each gets its own decoder here,
// grounded on the subset spec.md actually consumes downstream (command
// line, per-event descriptions, build ids, event grouping, and
// simpleperf's two protobuf-carrying extensions).

// CmdlineFeature is the decoded HEADER_CMDLINE section: the recording
// command's argv.
type CmdlineFeature struct {
	Args []string
}

// DecodeCmdline decodes a HEADER_CMDLINE feature payload: a u32 count
// followed by that many length-prefixed, NUL-padded strings.
func DecodeCmdline(payload []byte) (CmdlineFeature, error) {
	r := newFeatureReader(payload)
	n, err := r.U32()
	if err != nil {
		return CmdlineFeature{}, err
	}
	var f CmdlineFeature
	for i := uint32(0); i < n; i++ {
		s, err := r.LenPrefixedString()
		if err != nil {
			return f, err
		}
		f.Args = append(f.Args, s)
	}
	return f, nil
}

// BuildIDEntry is one entry of a HEADER_BUILD_ID feature section: the
// build id perf resolved for one mapped file, and the pid it observed it
// in (0 for kernel-wide entries).
type BuildIDEntry struct {
	PID      uint32
	BuildID  []byte
	Filename string
}

// DecodeBuildID decodes a HEADER_BUILD_ID feature payload: a
// concatenation of {perf_event_header{misc,size}; pid; build_id[20];
// filename} entries, each padded so the next entry starts on an 8 byte
// boundary.
func DecodeBuildID(payload []byte) ([]BuildIDEntry, error) {
	r := newFeatureReader(payload)
	var entries []BuildIDEntry
	for r.Remaining() >= 8+4+20 {
		start := r.pos
		misc, err := r.U16skip2() // type is implicit BUILD_ID; skip type(u32)+misc(u16)
		_ = misc
		if err != nil {
			return entries, err
		}
		size, err := r.U16()
		if err != nil {
			return entries, err
		}
		pid, err := r.U32()
		if err != nil {
			return entries, err
		}
		id, err := r.Bytes(20)
		if err != nil {
			return entries, err
		}
		nameLen := int(size) - (r.pos - start)
		if nameLen < 0 {
			return entries, errShortFeature
		}
		name, err := r.String(uint64(nameLen))
		if err != nil {
			return entries, err
		}
		entries = append(entries, BuildIDEntry{
			PID:      pid,
			BuildID:  append([]byte(nil), id...),
			Filename: name,
		})
	}
	return entries, nil
}

// EventDescEntry is one entry of a HEADER_EVENT_DESC feature section:
// the human-readable name and routing ids for one declared event.
type EventDescEntry struct {
	Name string
	IDs  []uint64
}

// DecodeEventDesc decodes a HEADER_EVENT_DESC feature payload: a u32
// event count, then per event a fixed-size attr block (skipped; the
// attrs section is authoritative for sample_type et al.), an id count,
// a name, and that many ids.
func DecodeEventDesc(payload []byte, attrSize uint64) ([]EventDescEntry, error) {
	r := newFeatureReader(payload)
	nrEvents, err := r.U32()
	if err != nil {
		return nil, err
	}
	entries := make([]EventDescEntry, 0, nrEvents)
	for i := uint32(0); i < nrEvents; i++ {
		if _, err := r.Bytes(attrSize); err != nil {
			return entries, err
		}
		nrIDs, err := r.U32()
		if err != nil {
			return entries, err
		}
		nameLen, err := r.U32()
		if err != nil {
			return entries, err
		}
		name, err := r.String(uint64(nameLen))
		if err != nil {
			return entries, err
		}
		ids := make([]uint64, 0, nrIDs)
		for j := uint32(0); j < nrIDs; j++ {
			id, err := r.U64()
			if err != nil {
				return entries, err
			}
			ids = append(ids, id)
		}
		entries = append(entries, EventDescEntry{Name: name, IDs: ids})
	}
	return entries, nil
}

// GroupDescEntry is one entry of a HEADER_GROUP_DESC feature section:
// one perf event group's name and member span within the attrs list.
type GroupDescEntry struct {
	Name      string
	LeaderIdx uint32
	NrMembers uint32
}

// DecodeGroupDesc decodes a HEADER_GROUP_DESC feature payload.
func DecodeGroupDesc(payload []byte) ([]GroupDescEntry, error) {
	r := newFeatureReader(payload)
	n, err := r.U32()
	if err != nil {
		return nil, err
	}
	entries := make([]GroupDescEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		nameLen, err := r.U32()
		if err != nil {
			return entries, err
		}
		name, err := r.String(uint64(nameLen))
		if err != nil {
			return entries, err
		}
		leader, err := r.U32()
		if err != nil {
			return entries, err
		}
		members, err := r.U32()
		if err != nil {
			return entries, err
		}
		entries = append(entries, GroupDescEntry{Name: name, LeaderIdx: leader, NrMembers: members})
	}
	return entries, nil
}

// DecodeSimpleperfMetaInfo returns the raw protobuf bytes of a
// simpleperf META_INFO feature section, for the caller to unmarshal
// against simpleperf's MetaInfo message.
func DecodeSimpleperfMetaInfo(payload []byte) []byte { return payload }

// DecodeSimpleperfFile2 returns the raw protobuf bytes of a simpleperf
// FILE2 feature section, for the caller to unmarshal against
// simpleperf's FileFeature message.
func DecodeSimpleperfFile2(payload []byte) []byte { return payload }

// TopLevelProtoFields walks a protobuf-encoded simpleperf feature
// payload one field at a time using the wire-format primitives
// directly, without simpleperf's generated message types (which are not
// available to this package), returning the set of top-level field
// numbers present. This lets callers sanity-check a META_INFO or FILE2
// section's shape before attempting a full unmarshal elsewhere.
func TopLevelProtoFields(payload []byte) ([]protowire.Number, error) {
	var fields []protowire.Number
	seen := make(map[protowire.Number]bool)
	b := payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fields, protowire.ParseError(n)
		}
		b = b[n:]
		if !seen[num] {
			seen[num] = true
			fields = append(fields, num)
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return fields, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return fields, nil
}

// featureReader is a minimal little-endian cursor over an in-memory
// feature payload; unlike RecordReader it does not need chunk-spanning
// support since feature sections are always sliced whole before
// decoding.
type featureReader struct {
	data []byte
	pos  int
}

func newFeatureReader(data []byte) *featureReader { return &featureReader{data: data} }

func (r *featureReader) Remaining() int { return len(r.data) - r.pos }

var errShortFeature = shortFeatureError{}

type shortFeatureError struct{}

func (shortFeatureError) Error() string { return "perf: feature section truncated" }

func (r *featureReader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.data) {
		return nil, errShortFeature
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *featureReader) Bytes(n uint64) ([]byte, error) { return r.take(int(n)) }

func (r *featureReader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func (r *featureReader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return uint16(b[0]) | uint16(b[1])<<8, nil
}

// U16skip2 reads and discards a leading u32 (a record type field) then
// returns the following u16 (its misc field); used only by
// DecodeBuildID's synthetic perf_event_header prefix.
func (r *featureReader) U16skip2() (uint16, error) {
	if _, err := r.take(4); err != nil {
		return 0, err
	}
	return r.U16()
}

func (r *featureReader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v, nil
}

func (r *featureReader) String(n uint64) (string, error) {
	b, err := r.take(int(n))
	if err != nil {
		return "", err
	}
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// LenPrefixedString reads a u32 byte length followed by that many bytes
// of NUL-padded string data, as used by HEADER_CMDLINE.
func (r *featureReader) LenPrefixedString() (string, error) {
	n, err := r.U32()
	if err != nil {
		return "", err
	}
	return r.String(uint64(n))
}
