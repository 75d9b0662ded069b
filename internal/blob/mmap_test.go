package blob

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMappedReadsWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	want := []byte("PERFILE2 and then some more bytes to map")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	m, err := OpenMapped(path)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, want, m.Bytes())
	require.Equal(t, len(want), m.Len())
}

func TestMappedFileChunksCoverWholeRangeInOrder(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	want := []byte("0123456789abcdef")
	require.NoError(t, os.WriteFile(path, want, 0o644))

	m, err := OpenMapped(path)
	require.NoError(t, err)
	defer m.Close()

	var got []byte
	var offsets []uint64
	require.NoError(t, m.Chunks(5, func(off uint64, data []byte) error {
		offsets = append(offsets, off)
		got = append(got, data...)
		return nil
	}))

	require.Equal(t, want, got)
	require.Equal(t, []uint64{0, 5, 10, 15}, offsets)
}

func TestOpenMappedEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	m, err := OpenMapped(path)
	require.NoError(t, err)
	defer m.Close()

	require.Equal(t, 0, m.Len())
}
