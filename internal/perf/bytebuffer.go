package perf

import "fmt"

// chunk is one contiguous range pushed into a ByteBufferReader. off is the
// absolute file offset of chunk.data[0].
type chunk struct {
	off  uint64
	data []byte
}

func (c chunk) end() uint64 { return c.off + uint64(len(c.data)) }

// ByteBufferReader is an append-only rope of byte ranges addressed by
// absolute file offset. It lets the tokenizer accumulate feed chunks
// without copying them into one contiguous buffer, and lets callers
// drop ranges they will never need again once the tokenizer has
// consumed past them.
//
// The reader is not safe for concurrent use.
type ByteBufferReader struct {
	chunks []chunk
	start  uint64 // offset of the first byte still retained
}

// NewByteBufferReader returns an empty reader whose retained range starts
// at absolute offset 0.
func NewByteBufferReader() *ByteBufferReader {
	return &ByteBufferReader{}
}

// PushBack appends a chunk of newly-available bytes. off must equal the
// current end-of-data offset; gaps and overlaps both indicate a caller
// bug and panic.
func (b *ByteBufferReader) PushBack(off uint64, data []byte) {
	if len(data) == 0 {
		return
	}
	end := b.EndOffset()
	if len(b.chunks) > 0 && off != end {
		panic(fmt.Sprintf("perf: non-contiguous feed: have data through %d, got chunk at %d", end, off))
	}
	if len(b.chunks) == 0 && off != b.start {
		panic(fmt.Sprintf("perf: first chunk must start at %d, got %d", b.start, off))
	}
	b.chunks = append(b.chunks, chunk{off: off, data: data})
}

// StartOffset returns the absolute offset of the earliest byte still
// retained by the reader.
func (b *ByteBufferReader) StartOffset() uint64 { return b.start }

// EndOffset returns the absolute offset one past the last byte pushed.
func (b *ByteBufferReader) EndOffset() uint64 {
	if len(b.chunks) == 0 {
		return b.start
	}
	return b.chunks[len(b.chunks)-1].end()
}

// Available returns the number of contiguous bytes retained starting at
// StartOffset().
func (b *ByteBufferReader) Available() uint64 { return b.EndOffset() - b.start }

// SliceAt returns a contiguous view of length n starting at absolute
// offset off, or ok=false if [off, off+n) is not entirely within the
// retained, pushed range. Requesting data at an offset before
// StartOffset() panics: the tokenizer must never re-read data it has
// already told the buffer to drop.
func (b *ByteBufferReader) SliceAt(off uint64, n uint64) (data []byte, ok bool) {
	if off < b.start {
		panic(fmt.Sprintf("perf: requested offset %d precedes retained start %d", off, b.start))
	}
	if n == 0 {
		return nil, true
	}
	end := off + n
	if end > b.EndOffset() {
		return nil, false
	}

	// Fast path: the whole request lies in one chunk.
	for _, c := range b.chunks {
		if off >= c.off && end <= c.end() {
			lo := off - c.off
			return c.data[lo : lo+n], true
		}
	}

	// Slow path: the request spans a chunk boundary, so it must be
	// copied out into a fresh buffer.
	out := make([]byte, 0, n)
	remaining := off
	need := n
	for _, c := range b.chunks {
		if need == 0 {
			break
		}
		if c.end() <= remaining {
			continue
		}
		lo := uint64(0)
		if remaining > c.off {
			lo = remaining - c.off
		}
		avail := uint64(len(c.data)) - lo
		take := avail
		if take > need {
			take = need
		}
		out = append(out, c.data[lo:lo+take]...)
		remaining += take
		need -= take
	}
	if need != 0 {
		return nil, false
	}
	return out, true
}

// PopFrontUntil drops all retained bytes strictly before absolute offset
// off. off must not precede the current start offset or exceed the
// current end offset.
func (b *ByteBufferReader) PopFrontUntil(off uint64) {
	if off < b.start {
		panic(fmt.Sprintf("perf: PopFrontUntil(%d) would rewind start %d", off, b.start))
	}
	if off > b.EndOffset() {
		panic(fmt.Sprintf("perf: PopFrontUntil(%d) exceeds end offset %d", off, b.EndOffset()))
	}
	b.start = off
	kept := b.chunks[:0]
	for _, c := range b.chunks {
		if c.end() <= off {
			continue
		}
		if c.off < off {
			trim := off - c.off
			c = chunk{off: off, data: c.data[trim:]}
		}
		kept = append(kept, c)
	}
	b.chunks = kept
}

// PopFrontBytes drops the first n retained bytes, equivalent to
// PopFrontUntil(StartOffset() + n).
func (b *ByteBufferReader) PopFrontBytes(n uint64) {
	b.PopFrontUntil(b.start + n)
}
