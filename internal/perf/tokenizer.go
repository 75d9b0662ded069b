package perf

import (
	"cmp"
	"errors"
	"fmt"

	"golang.org/x/exp/slices"
)

// ParsingState is the tokenizer's current position in the perf.data
// grammar. Advance() drives the state machine forward as far as the
// pushed input allows, then reports MoreDataNeeded rather than blocking.
type ParsingState int

const (
	StateParseHeader ParsingState = iota
	StateParseAttrs
	StateSeekRecords
	StateParseRecords
	StateParseFeatureSections
	StateParseFeatures
	StateDone
)

func (s ParsingState) String() string {
	switch s {
	case StateParseHeader:
		return "ParseHeader"
	case StateParseAttrs:
		return "ParseAttrs"
	case StateSeekRecords:
		return "SeekRecords"
	case StateParseRecords:
		return "ParseRecords"
	case StateParseFeatureSections:
		return "ParseFeatureSections"
	case StateParseFeatures:
		return "ParseFeatures"
	case StateDone:
		return "Done"
	default:
		return "Unknown"
	}
}

// ParsingResult reports how far Advance got before returning.
type ParsingResult int

const (
	// MoreDataNeeded means Advance consumed everything it could and is
	// waiting on a further Feed call; it is not an error.
	MoreDataNeeded ParsingResult = iota
	// Done means the tokenizer reached StateDone: header, attrs, all
	// DATA records, and all feature sections have been delivered.
	Done
)

// Sink receives the tokenizer's decoded output as the state machine
// advances. Methods are called synchronously from within Advance, in
// file order, and must not retain payload slices past the call: they
// alias the tokenizer's internal buffer and may be overwritten once
// popped.
type Sink interface {
	// OnSession is called once, after the attrs section has been fully
	// parsed and before the first DATA record.
	OnSession(sess *PerfSession) error
	// OnRecord is called once per DATA-section record with the record's
	// owning event attribute; a record whose attribute cannot be
	// determined makes Advance return an error instead.
	OnRecord(hdr RecordHeader, payload []byte, attr *PerfEventAttr) error
	// OnFeature is called once per set feature bit whose section could
	// be decoded.
	OnFeature(id FeatureID, payload []byte) error
	// OnFeatureSkipped is called for a set feature bit this package
	// does not interpret; the section is still consumed off the wire.
	OnFeatureSkipped(id FeatureID)
}

// Tokenizer implements the chunked, resumable perf.data parse: feed it
// bytes as they arrive (in strictly increasing, contiguous file order)
// and call Advance to drive as much of the state machine forward as the
// currently available bytes allow.
type Tokenizer struct {
	state ParsingState
	buf   *ByteBufferReader
	pos   uint64

	header       Header
	sessBuilder  *PerfSessionBuilder
	session      *PerfSession
	attrsDone    uint64 // attrs entries parsed so far
	attrsTotal   uint64
	pendingIDSec []pendingIDSection

	dataEnd uint64

	featureSections []featureSection
	featureIdx      int
}

type pendingIDSection struct {
	entry AttrsEntry
}

type featureSection struct {
	id FeatureID
	Section
}

// NewTokenizer returns a tokenizer positioned at the start of a fresh
// perf.data byte stream.
func NewTokenizer() *Tokenizer {
	return &Tokenizer{buf: NewByteBufferReader(), state: StateParseHeader}
}

// Feed appends newly available bytes at absolute file offset off. off
// must equal the offset one past the last byte previously fed.
func (t *Tokenizer) Feed(off uint64, data []byte) {
	t.buf.PushBack(off, data)
}

// State returns the tokenizer's current state, mainly for diagnostics
// and tests.
func (t *Tokenizer) State() ParsingState { return t.state }

// Advance runs the state machine forward until it either reaches
// StateDone or exhausts the currently fed input. It never blocks: when
// data runs out mid-state it returns (MoreDataNeeded, nil) and resumes
// exactly where it left off on the next call, once more bytes have been
// fed.
func (t *Tokenizer) Advance(sink Sink) (ParsingResult, error) {
	for {
		switch t.state {
		case StateParseHeader:
			ok, err := t.parseHeader()
			if err != nil {
				return MoreDataNeeded, err
			}
			if !ok {
				return MoreDataNeeded, nil
			}
			t.state = StateParseAttrs

		case StateParseAttrs:
			ok, err := t.parseAttrs(sink)
			if err != nil {
				return MoreDataNeeded, err
			}
			if !ok {
				return MoreDataNeeded, nil
			}
			t.state = StateSeekRecords

		case StateSeekRecords:
			t.pos = t.header.Data.Offset
			t.dataEnd = t.header.Data.End()
			t.buf.PopFrontUntil(min64(t.pos, t.buf.EndOffset()))
			t.state = StateParseRecords

		case StateParseRecords:
			ok, err := t.parseRecords(sink)
			if err != nil {
				return MoreDataNeeded, err
			}
			if !ok {
				return MoreDataNeeded, nil
			}
			t.state = StateParseFeatureSections

		case StateParseFeatureSections:
			ok, err := t.parseFeatureSections()
			if err != nil {
				return MoreDataNeeded, err
			}
			if !ok {
				return MoreDataNeeded, nil
			}
			t.state = StateParseFeatures

		case StateParseFeatures:
			ok, err := t.parseFeatures(sink)
			if err != nil {
				return MoreDataNeeded, err
			}
			if !ok {
				return MoreDataNeeded, nil
			}
			t.state = StateDone

		case StateDone:
			return Done, nil
		}
	}
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (t *Tokenizer) parseHeader() (bool, error) {
	if t.buf.Available() < HeaderSize {
		return false, nil
	}
	r := NewRecordReader(t.buf, t.buf.StartOffset())
	magic, err := r.Bytes(8)
	if err != nil {
		return false, err
	}
	if string(magic) != Magic {
		return false, fmt.Errorf("perf: bad magic %q, want %q", magic, Magic)
	}
	var h Header
	copy(h.Magic[:], magic)
	if h.Size, err = r.U64(); err != nil {
		return false, err
	}
	if h.Size != HeaderSize {
		return false, fmt.Errorf("perf: unsupported header size %d, want %d", h.Size, HeaderSize)
	}
	if h.AttrSize, err = r.U64(); err != nil {
		return false, err
	}
	if h.Attrs, err = readSection(r); err != nil {
		return false, err
	}
	if h.Data, err = readSection(r); err != nil {
		return false, err
	}
	if h.EventTypes, err = readSection(r); err != nil {
		return false, err
	}
	if h.Flags, err = r.U64(); err != nil {
		return false, err
	}
	for i := range h.Flags1 {
		if h.Flags1[i], err = r.U64(); err != nil {
			return false, err
		}
	}
	t.header = h
	t.attrsTotal = h.Attrs.Size / AttrsEntrySize(h.AttrSize)
	t.sessBuilder = NewPerfSessionBuilder(&t.header)
	t.pos = h.Attrs.Offset
	t.buf.PopFrontUntil(min64(t.pos, t.buf.EndOffset()))
	return true, nil
}

func readSection(r *RecordReader) (Section, error) {
	off, err := r.U64()
	if err != nil {
		return Section{}, err
	}
	size, err := r.U64()
	if err != nil {
		return Section{}, err
	}
	return Section{Offset: off, Size: size}, nil
}

func (t *Tokenizer) parseAttrs(sink Sink) (bool, error) {
	stride := AttrsEntrySize(t.header.AttrSize)
	for t.attrsDone < t.attrsTotal {
		end := t.pos + stride
		if t.buf.EndOffset() < end {
			return false, nil
		}
		r := NewRecordReader(t.buf, t.pos)
		entry, err := ParseAttrsEntry(r, t.header.AttrSize)
		if err != nil {
			return false, err
		}
		var ids []uint64
		if entry.IDs.Size > 0 {
			idsEnd := entry.IDs.Offset + entry.IDs.Size
			if t.buf.EndOffset() < idsEnd {
				return false, nil
			}
			idr := NewRecordReader(t.buf, entry.IDs.Offset)
			ids, err = ParseIDs(idr, entry.IDs)
			if err != nil {
				return false, err
			}
		}
		if err := t.sessBuilder.AddEntry(entry, ids); err != nil {
			return false, err
		}
		t.pos = end
		t.attrsDone++
	}

	sess, err := t.sessBuilder.Build()
	if err != nil {
		return false, err
	}
	t.session = sess
	if err := sink.OnSession(sess); err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tokenizer) parseRecords(sink Sink) (bool, error) {
	for t.pos < t.dataEnd {
		if t.buf.EndOffset() < t.pos+RecordHeaderSize {
			t.buf.PopFrontUntil(min64(t.pos, t.buf.EndOffset()))
			return false, nil
		}
		r := NewRecordReader(t.buf, t.pos)
		typ, err := r.U32()
		if err != nil {
			return false, err
		}
		misc, err := r.U16()
		if err != nil {
			return false, err
		}
		size, err := r.U16()
		if err != nil {
			return false, err
		}
		hdr := RecordHeader{Type: RecordType(typ), Misc: RecordMisc(misc), Size: size}
		if size < RecordHeaderSize {
			return false, fmt.Errorf("perf: record at %d declares size %d smaller than header", t.pos, size)
		}
		recEnd := t.pos + uint64(size)
		if t.buf.EndOffset() < recEnd {
			t.buf.PopFrontUntil(min64(t.pos, t.buf.EndOffset()))
			return false, nil
		}

		payload, ok := t.buf.SliceAt(t.pos+RecordHeaderSize, uint64(size)-RecordHeaderSize)
		if !ok {
			return false, errors.New("perf: internal error slicing record payload")
		}

		if !hdr.Type.IsAuxFamily() {
			attr, err := t.resolveAttrForRecord(hdr, payload)
			if err != nil {
				return false, err
			}
			if err := sink.OnRecord(hdr, payload, attr); err != nil {
				return false, err
			}
		}

		t.pos = recEnd
		t.buf.PopFrontUntil(t.pos)
	}
	return true, nil
}

// resolveAttrForRecord determines which event attribute produced a
// record, using the SAMPLE payload's own ID field, or the trailing
// sample_id suffix on non-SAMPLE records, or the file's sole attribute
// when there is no ambiguity to resolve. A file that declares more than
// one attr but whose record carries no id resolving to any of them is a
// malformed recording: the caller aborts rather than attributing the
// record to the wrong event or silently dropping it.
func (t *Tokenizer) resolveAttrForRecord(hdr RecordHeader, payload []byte) (*PerfEventAttr, error) {
	if sole, ok := t.session.SoleAttr(); ok {
		return sole, nil
	}
	if hdr.Type == RecordTypeSample {
		for _, a := range t.session.Attrs() {
			if off, ok := a.idOffsetFromStartOK(); ok && off+8 <= len(payload) {
				id := leU64(payload[off : off+8])
				if match, ok := t.session.AttrForID(id); ok {
					return match, nil
				}
			}
		}
		return nil, fmt.Errorf("perf: malformed id: %s record does not resolve to any of %d declared attrs", hdr.Type, len(t.session.Attrs()))
	}
	for _, a := range t.session.Attrs() {
		if !a.SampleIDAll() {
			continue
		}
		if off, ok := a.idOffsetFromEndOK(); ok {
			pos := len(payload) - off - 8
			if pos >= 0 && pos+8 <= len(payload) {
				id := leU64(payload[pos : pos+8])
				if match, ok := t.session.AttrForID(id); ok {
					return match, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("perf: malformed id: %s record does not resolve to any of %d declared attrs", hdr.Type, len(t.session.Attrs()))
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// idOffsetFromStartOK / idOffsetFromEndOK are small non-pointer-returning
// wrappers used by resolveAttrForRecord so it can range over candidate
// attrs without allocating.
func (a *PerfEventAttr) idOffsetFromStartOK() (int, bool) {
	if a.idOffsetFromStart < 0 {
		return 0, false
	}
	return a.idOffsetFromStart, true
}

func (a *PerfEventAttr) idOffsetFromEndOK() (int, bool) {
	if a.idOffsetFromEnd < 0 {
		return 0, false
	}
	return a.idOffsetFromEnd, true
}

func (t *Tokenizer) parseFeatureSections() (bool, error) {
	ids := t.header.FeatureIDs()
	need := uint64(len(ids)) * perfFileSectionSize
	if t.buf.EndOffset() < t.pos+need {
		return false, nil
	}
	sections := make([]featureSection, 0, len(ids))
	r := NewRecordReader(t.buf, t.pos)
	for _, id := range ids {
		sec, err := readSection(r)
		if err != nil {
			return false, err
		}
		sections = append(sections, featureSection{id: id, Section: sec})
	}
	t.pos = r.Pos()
	t.buf.PopFrontUntil(t.pos)

	// Feature payloads are not necessarily laid out in feature-id order;
	// visiting them by ascending file offset lets the reader consume the
	// stream monotonically instead of needing random access.
	slices.SortFunc(sections, func(a, b featureSection) int { return cmp.Compare(a.Offset, b.Offset) })
	t.featureSections = sections
	return true, nil
}

func (t *Tokenizer) parseFeatures(sink Sink) (bool, error) {
	for t.featureIdx < len(t.featureSections) {
		fs := t.featureSections[t.featureIdx]
		end := fs.Offset + fs.Size
		if t.buf.EndOffset() < end {
			return false, nil
		}
		if fs.Offset < t.pos {
			// Overlapping/backward feature section: nothing useful can
			// be sliced out of a buffer that has already been dropped.
			t.featureIdx++
			continue
		}
		payload, ok := t.buf.SliceAt(fs.Offset, fs.Size)
		if !ok {
			return false, errors.New("perf: internal error slicing feature payload")
		}
		if isKnownFeature(fs.id) {
			if err := sink.OnFeature(fs.id, payload); err != nil {
				return false, err
			}
		} else {
			sink.OnFeatureSkipped(fs.id)
		}
		t.pos = end
		t.buf.PopFrontUntil(min64(t.pos, t.buf.EndOffset()))
		t.featureIdx++
	}
	return true, nil
}

func isKnownFeature(id FeatureID) bool {
	switch id {
	case FeatureIDCmdline, FeatureIDEventDesc, FeatureIDBuildID,
		FeatureIDGroupDesc, FeatureIDSimpleperfMetaInfo, FeatureIDSimpleperfFile2:
		return true
	default:
		return false
	}
}
