package perf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventAttrOffsetsIPTimePeriod(t *testing.T) {
	raw := onDiskEventAttr{
		SampleFormat: SampleFormatIP | SampleFormatTID | SampleFormatTime | SampleFormatPeriod,
	}
	a := newPerfEventAttr(raw)

	off, ok := a.TimeOffsetFromStart()
	require.True(t, ok)
	// IP(8) + TID(8) precede TIME.
	require.Equal(t, 16, off)

	_, ok = a.TimeOffsetFromEnd()
	require.False(t, ok, "sample_id_all not set, no trailer to look in")
}

func TestEventAttrIdentifierOverridesID(t *testing.T) {
	raw := onDiskEventAttr{
		SampleFormat: SampleFormatIdentifier | SampleFormatIP,
	}
	a := newPerfEventAttr(raw)

	off, ok := a.idOffsetFromStartOK()
	require.True(t, ok)
	require.Equal(t, 0, off, "IDENTIFIER always leads the fixed prefix")
}

func TestEventAttrTimeOffsetFromEndWithSampleIDAll(t *testing.T) {
	raw := onDiskEventAttr{
		SampleFormat: SampleFormatTID | SampleFormatTime | SampleFormatID | SampleFormatCPU,
		Flags:        eventFlagSampleIDAll,
	}
	a := newPerfEventAttr(raw)

	off, ok := a.TimeOffsetFromEnd()
	require.True(t, ok)
	// Suffix layout is TID(8) TIME(8) ID(8) CPU(8); TIME sits 16 bytes
	// before the end of the eight-byte-aligned suffix.
	require.Equal(t, 16, off)
}

func TestEventAttrSampleIDSuffixLen(t *testing.T) {
	raw := onDiskEventAttr{
		SampleFormat: SampleFormatTID | SampleFormatTime | SampleFormatID | SampleFormatCPU,
		Flags:        eventFlagSampleIDAll,
	}
	a := newPerfEventAttr(raw)
	require.Equal(t, 32, a.SampleIDSuffixLen())

	raw.Flags = 0
	require.Equal(t, 0, newPerfEventAttr(raw).SampleIDSuffixLen(), "sample_id_all unset, non-SAMPLE records carry no suffix")
}

func TestEventAttrTimeFromSuffix(t *testing.T) {
	raw := onDiskEventAttr{
		SampleFormat: SampleFormatTID | SampleFormatTime | SampleFormatID | SampleFormatCPU,
		Flags:        eventFlagSampleIDAll,
	}
	a := newPerfEventAttr(raw)

	suffix := make([]byte, 32)
	binary.LittleEndian.PutUint64(suffix[8:16], 123456)
	payload := append([]byte("record.."), suffix...)

	ts, ok := a.TimeFromSuffix(payload)
	require.True(t, ok)
	require.EqualValues(t, 123456, ts)

	_, ok = a.TimeFromSuffix([]byte{1, 2, 3})
	require.False(t, ok, "payload too short to hold the suffix")
}

func TestEventAttrIsFreqExcludesFixedPeriod(t *testing.T) {
	raw := onDiskEventAttr{Flags: eventFlagFreq, SamplePeriodOrFreq: 4000}
	a := newPerfEventAttr(raw)

	require.True(t, a.IsFreq())
	_, ok := a.SamplePeriod()
	require.False(t, ok)
}
