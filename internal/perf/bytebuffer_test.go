package perf

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestByteBufferReaderSliceWithinChunk(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("hello world"))

	got, ok := b.SliceAt(6, 5)
	require.True(t, ok)
	require.Equal(t, "world", string(got))
}

func TestByteBufferReaderSliceAcrossChunks(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("hel"))
	b.PushBack(3, []byte("lo "))
	b.PushBack(6, []byte("world"))

	got, ok := b.SliceAt(2, 6)
	require.True(t, ok)
	require.Equal(t, "llo wo", string(got))
}

func TestByteBufferReaderShortReturnsNotOK(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("abc"))

	_, ok := b.SliceAt(0, 10)
	require.False(t, ok)
}

func TestByteBufferReaderPopFrontDropsChunks(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("abcdef"))
	b.PopFrontUntil(4)

	require.Equal(t, uint64(4), b.StartOffset())
	got, ok := b.SliceAt(4, 2)
	require.True(t, ok)
	require.Equal(t, "ef", string(got))
}

func TestByteBufferReaderPopFrontPastStartPanics(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("abcdef"))
	b.PopFrontUntil(4)

	require.Panics(t, func() {
		b.SliceAt(0, 1)
	})
}

func TestByteBufferReaderNonContiguousFeedPanics(t *testing.T) {
	b := NewByteBufferReader()
	b.PushBack(0, []byte("abc"))

	require.Panics(t, func() {
		b.PushBack(10, []byte("xyz"))
	})
}
