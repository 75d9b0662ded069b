package perf

import (
	"encoding/binary"
	"fmt"
)

// ErrShortBuffer is returned by decode helpers when the requested range
// has not been pushed into the ByteBufferReader yet. Callers (the
// tokenizer) treat it as a request for more input, not a parse failure.
var ErrShortBuffer = fmt.Errorf("perf: short buffer")

// RecordReader is a small-integer, little-endian cursor over a
// ByteBufferReader. All perf.data integers are little-endian regardless
// of the host or recording machine's byte order.
type RecordReader struct {
	buf *ByteBufferReader
	pos uint64
}

// NewRecordReader returns a reader positioned at the given absolute
// offset into buf.
func NewRecordReader(buf *ByteBufferReader, pos uint64) *RecordReader {
	return &RecordReader{buf: buf, pos: pos}
}

// Pos returns the reader's current absolute offset.
func (r *RecordReader) Pos() uint64 { return r.pos }

// Seek repositions the reader to an absolute offset.
func (r *RecordReader) Seek(pos uint64) { r.pos = pos }

// Remaining returns the number of bytes pushed into the underlying
// buffer at or after the reader's current position.
func (r *RecordReader) Remaining() uint64 {
	end := r.buf.EndOffset()
	if r.pos >= end {
		return 0
	}
	return end - r.pos
}

func (r *RecordReader) take(n uint64) ([]byte, error) {
	b, ok := r.buf.SliceAt(r.pos, n)
	if !ok {
		return nil, ErrShortBuffer
	}
	r.pos += n
	return b, nil
}

// Bytes returns the next n bytes without advancing past them logically
// tracked elsewhere; it does advance the cursor.
func (r *RecordReader) Bytes(n uint64) ([]byte, error) { return r.take(n) }

// U8 reads a uint8.
func (r *RecordReader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// U16 reads a little-endian uint16.
func (r *RecordReader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// U32 reads a little-endian uint32.
func (r *RecordReader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// U64 reads a little-endian uint64.
func (r *RecordReader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// I32 reads a little-endian int32.
func (r *RecordReader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

// String reads a NUL-padded fixed-width string field of width n bytes,
// trimming everything from the first NUL onward.
func (r *RecordReader) String(n uint64) (string, error) {
	b, err := r.take(n)
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

// PeekU64At reads a uint64 at an absolute offset without moving the
// cursor, used to look ahead at trailing sample_id fields whose offset
// is only known relative to a record's end.
func (r *RecordReader) PeekU64At(off uint64) (uint64, error) {
	b, ok := r.buf.SliceAt(off, 8)
	if !ok {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint64(b), nil
}

// PeekU32At reads a uint32 at an absolute offset without moving the cursor.
func (r *RecordReader) PeekU32At(off uint64) (uint32, error) {
	b, ok := r.buf.SliceAt(off, 4)
	if !ok {
		return 0, ErrShortBuffer
	}
	return binary.LittleEndian.Uint32(b), nil
}
