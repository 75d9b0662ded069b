package perf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

// buildMinimalFile assembles a tiny single-event perf.data file: one
// attr (sample_type = IP|TID|TIME|PERIOD), no ids section, one SAMPLE
// record, no feature bits.
func buildMinimalFile(t *testing.T) []byte {
	t.Helper()

	const attrSize = onDiskEventAttrSize
	attrsOff := uint64(HeaderSize)
	attrsEntrySize := AttrsEntrySize(attrSize)
	dataOff := attrsOff + attrsEntrySize

	sampleType := uint64(SampleFormatIP | SampleFormatTID | SampleFormatTime | SampleFormatPeriod)

	samplePayload := new(bytes.Buffer)
	binary.Write(samplePayload, binary.LittleEndian, uint64(0xdeadbeef)) // IP
	binary.Write(samplePayload, binary.LittleEndian, uint32(111))       // PID
	binary.Write(samplePayload, binary.LittleEndian, uint32(222))       // TID
	binary.Write(samplePayload, binary.LittleEndian, uint64(1000))      // TIME
	binary.Write(samplePayload, binary.LittleEndian, uint64(1))         // PERIOD

	recordSize := RecordHeaderSize + uint64(samplePayload.Len())
	dataSize := recordSize

	buf := new(bytes.Buffer)
	buf.WriteString(Magic)
	binary.Write(buf, binary.LittleEndian, uint64(HeaderSize))
	binary.Write(buf, binary.LittleEndian, uint64(attrSize))
	binary.Write(buf, binary.LittleEndian, attrsOff)
	binary.Write(buf, binary.LittleEndian, attrsEntrySize)
	binary.Write(buf, binary.LittleEndian, dataOff)
	binary.Write(buf, binary.LittleEndian, dataSize)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // event_types off
	binary.Write(buf, binary.LittleEndian, uint64(0)) // event_types size
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[0]
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[1]
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[2]
	require.EqualValues(t, HeaderSize, buf.Len())

	// attrs entry: attr fields then ids section (offset=0, size=0).
	attrStart := buf.Len()
	binary.Write(buf, binary.LittleEndian, uint32(0)) // type
	binary.Write(buf, binary.LittleEndian, uint32(0)) // size
	binary.Write(buf, binary.LittleEndian, uint64(0)) // config
	binary.Write(buf, binary.LittleEndian, uint64(1)) // sample period
	binary.Write(buf, binary.LittleEndian, sampleType)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // read_format
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags
	binary.Write(buf, binary.LittleEndian, uint32(0)) // wakeup
	binary.Write(buf, binary.LittleEndian, uint32(0)) // bp_type
	binary.Write(buf, binary.LittleEndian, uint64(0)) // bp_addr/config1
	binary.Write(buf, binary.LittleEndian, uint64(0)) // bp_len/config2
	binary.Write(buf, binary.LittleEndian, uint64(0)) // branch_sample_type
	binary.Write(buf, binary.LittleEndian, uint64(0)) // sample_regs_user
	binary.Write(buf, binary.LittleEndian, uint32(0)) // sample_stack_user
	binary.Write(buf, binary.LittleEndian, uint32(0)) // clockid
	binary.Write(buf, binary.LittleEndian, uint64(0)) // sample_regs_intr
	binary.Write(buf, binary.LittleEndian, uint32(0)) // aux_watermark
	binary.Write(buf, binary.LittleEndian, uint16(0)) // sample_max_stack
	binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
	require.EqualValues(t, attrSize, buf.Len()-attrStart)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // ids offset
	binary.Write(buf, binary.LittleEndian, uint64(0)) // ids size
	require.EqualValues(t, dataOff, buf.Len())

	binary.Write(buf, binary.LittleEndian, uint32(RecordTypeSample))
	binary.Write(buf, binary.LittleEndian, uint16(CPUModeUser))
	binary.Write(buf, binary.LittleEndian, uint16(recordSize))
	buf.Write(samplePayload.Bytes())

	return buf.Bytes()
}

type collectingSink struct {
	sessions []*PerfSession
	records  []RecordHeader
	samples  []Sample
}

func (s *collectingSink) OnSession(sess *PerfSession) error {
	s.sessions = append(s.sessions, sess)
	return nil
}

func (s *collectingSink) OnRecord(hdr RecordHeader, payload []byte, attr *PerfEventAttr) error {
	s.records = append(s.records, hdr)
	if hdr.Type == RecordTypeSample && attr != nil {
		sm, err := DecodeSample(attr, payload)
		if err != nil {
			return err
		}
		s.samples = append(s.samples, sm)
	}
	return nil
}

func (s *collectingSink) OnFeature(FeatureID, []byte) error { return nil }
func (s *collectingSink) OnFeatureSkipped(FeatureID)        {}

func TestTokenizerParsesWholeFileFedAtOnce(t *testing.T) {
	data := buildMinimalFile(t)

	tok := NewTokenizer()
	tok.Feed(0, data)

	sink := &collectingSink{}
	res, err := tok.Advance(sink)
	require.NoError(t, err)
	require.Equal(t, Done, res)
	require.Len(t, sink.sessions, 1)
	require.Len(t, sink.records, 1)
	require.Len(t, sink.samples, 1)

	sample := sink.samples[0]
	require.True(t, sample.HaveIP)
	require.Equal(t, uint64(0xdeadbeef), sample.IP)
	require.True(t, sample.HaveTID)
	require.EqualValues(t, 111, sample.PID)
	require.EqualValues(t, 222, sample.TID)
	require.True(t, sample.HaveTime)
	require.EqualValues(t, 1000, sample.Time)
}

func TestTokenizerResumesAcrossByteAtATimeFeed(t *testing.T) {
	data := buildMinimalFile(t)

	tok := NewTokenizer()
	sink := &collectingSink{}

	for i := 0; i < len(data); i++ {
		tok.Feed(uint64(i), data[i:i+1])
		res, err := tok.Advance(sink)
		require.NoError(t, err)
		if i < len(data)-1 {
			require.Equal(t, MoreDataNeeded, res)
		}
	}

	res, err := tok.Advance(sink)
	require.NoError(t, err)
	require.Equal(t, Done, res)
	require.Len(t, sink.samples, 1)
	require.Equal(t, uint64(0xdeadbeef), sink.samples[0].IP)
}

// buildTwoAttrFile assembles a perf.data file declaring two attrs (each
// with an ids-section entry claiming a distinct event id) and a single
// SAMPLE record whose own ID field is sampleRecordID.
func buildTwoAttrFile(t *testing.T, sampleRecordID uint64) []byte {
	t.Helper()

	const attrSize = onDiskEventAttrSize
	attrsOff := uint64(HeaderSize)
	attrsEntrySize := AttrsEntrySize(attrSize)
	idsOff := attrsOff + 2*attrsEntrySize
	dataOff := idsOff + 16

	sampleType := uint64(SampleFormatIP | SampleFormatID)

	samplePayload := new(bytes.Buffer)
	binary.Write(samplePayload, binary.LittleEndian, uint64(0xdeadbeef)) // IP
	binary.Write(samplePayload, binary.LittleEndian, sampleRecordID)    // ID

	recordSize := RecordHeaderSize + uint64(samplePayload.Len())
	dataSize := recordSize

	buf := new(bytes.Buffer)
	buf.WriteString(Magic)
	binary.Write(buf, binary.LittleEndian, uint64(HeaderSize))
	binary.Write(buf, binary.LittleEndian, uint64(attrSize))
	binary.Write(buf, binary.LittleEndian, attrsOff)
	binary.Write(buf, binary.LittleEndian, 2*attrsEntrySize)
	binary.Write(buf, binary.LittleEndian, dataOff)
	binary.Write(buf, binary.LittleEndian, dataSize)
	binary.Write(buf, binary.LittleEndian, uint64(0)) // event_types off
	binary.Write(buf, binary.LittleEndian, uint64(0)) // event_types size
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[0]
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[1]
	binary.Write(buf, binary.LittleEndian, uint64(0)) // flags1[2]
	require.EqualValues(t, HeaderSize, buf.Len())

	writeAttr := func(idsEntryOff uint64) {
		start := buf.Len()
		binary.Write(buf, binary.LittleEndian, uint32(0)) // type
		binary.Write(buf, binary.LittleEndian, uint32(0)) // size
		binary.Write(buf, binary.LittleEndian, uint64(0)) // config
		binary.Write(buf, binary.LittleEndian, uint64(1)) // sample period
		binary.Write(buf, binary.LittleEndian, sampleType)
		binary.Write(buf, binary.LittleEndian, uint64(0)) // read_format
		binary.Write(buf, binary.LittleEndian, uint64(0)) // flags
		binary.Write(buf, binary.LittleEndian, uint32(0)) // wakeup
		binary.Write(buf, binary.LittleEndian, uint32(0)) // bp_type
		binary.Write(buf, binary.LittleEndian, uint64(0)) // bp_addr/config1
		binary.Write(buf, binary.LittleEndian, uint64(0)) // bp_len/config2
		binary.Write(buf, binary.LittleEndian, uint64(0)) // branch_sample_type
		binary.Write(buf, binary.LittleEndian, uint64(0)) // sample_regs_user
		binary.Write(buf, binary.LittleEndian, uint32(0)) // sample_stack_user
		binary.Write(buf, binary.LittleEndian, uint32(0)) // clockid
		binary.Write(buf, binary.LittleEndian, uint64(0)) // sample_regs_intr
		binary.Write(buf, binary.LittleEndian, uint32(0)) // aux_watermark
		binary.Write(buf, binary.LittleEndian, uint16(0)) // sample_max_stack
		binary.Write(buf, binary.LittleEndian, uint16(0)) // pad
		require.EqualValues(t, attrSize, buf.Len()-start)
		binary.Write(buf, binary.LittleEndian, idsEntryOff) // ids offset
		binary.Write(buf, binary.LittleEndian, uint64(8))   // ids size
	}
	writeAttr(idsOff)
	writeAttr(idsOff + 8)
	require.EqualValues(t, idsOff, buf.Len())

	binary.Write(buf, binary.LittleEndian, uint64(1)) // attr 1's id
	binary.Write(buf, binary.LittleEndian, uint64(2)) // attr 2's id
	require.EqualValues(t, dataOff, buf.Len())

	binary.Write(buf, binary.LittleEndian, uint32(RecordTypeSample))
	binary.Write(buf, binary.LittleEndian, uint16(CPUModeUser))
	binary.Write(buf, binary.LittleEndian, uint16(recordSize))
	buf.Write(samplePayload.Bytes())

	return buf.Bytes()
}

func TestTokenizerResolvesSampleByIDAcrossMultipleAttrs(t *testing.T) {
	data := buildTwoAttrFile(t, 2)

	tok := NewTokenizer()
	tok.Feed(0, data)
	sink := &collectingSink{}
	res, err := tok.Advance(sink)
	require.NoError(t, err)
	require.Equal(t, Done, res)
	require.Len(t, sink.samples, 1)
}

func TestTokenizerAbortsOnUnresolvableIDInMultiAttrFile(t *testing.T) {
	data := buildTwoAttrFile(t, 99)

	tok := NewTokenizer()
	tok.Feed(0, data)
	sink := &collectingSink{}
	_, err := tok.Advance(sink)
	require.Error(t, err, "a multi-attr file with a record id matching no declared attr is malformed")
}

func TestTokenizerRejectsBadMagic(t *testing.T) {
	data := buildMinimalFile(t)
	data[0] = 'X'

	tok := NewTokenizer()
	tok.Feed(0, data)
	_, err := tok.Advance(&collectingSink{})
	require.Error(t, err)
}
