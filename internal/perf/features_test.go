package perf

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func lenPrefixed(s string) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(len(s)+1))
	buf.WriteString(s)
	buf.WriteByte(0)
	return buf.Bytes()
}

func TestDecodeCmdline(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(2))
	buf.Write(lenPrefixed("perf"))
	buf.Write(lenPrefixed("record"))

	f, err := DecodeCmdline(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []string{"perf", "record"}, f.Args)
}

func TestDecodeGroupDesc(t *testing.T) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(1))
	binary.Write(buf, binary.LittleEndian, uint32(len("cycles")+1))
	buf.WriteString("cycles")
	buf.WriteByte(0)
	binary.Write(buf, binary.LittleEndian, uint32(0)) // leader idx
	binary.Write(buf, binary.LittleEndian, uint32(2)) // nr members

	entries, err := DecodeGroupDesc(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "cycles", entries[0].Name)
	require.EqualValues(t, 2, entries[0].NrMembers)
}

func TestTopLevelProtoFieldsEnumeratesFieldNumbers(t *testing.T) {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.VarintType)
	buf = protowire.AppendVarint(buf, 42)
	buf = protowire.AppendTag(buf, 3, protowire.BytesType)
	buf = protowire.AppendBytes(buf, []byte("hello"))

	fields, err := TopLevelProtoFields(buf)
	require.NoError(t, err)
	require.Equal(t, []protowire.Number{1, 3}, fields)
}

func TestTopLevelProtoFieldsRejectsTruncatedInput(t *testing.T) {
	_, err := TopLevelProtoFields([]byte{0xff})
	require.Error(t, err)
}
