// Package blob provides a zero-copy, memory-mapped byte source for
// perf.data files: mapping the whole file once and handing out slices
// into it avoids the read-then-copy-into-a-chunk overhead the streaming
// tokenizer would otherwise pay for input that already lives on local
// disk.
package blob

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile is a read-only mmap of an entire file.
type MappedFile struct {
	f    *os.File
	data []byte
}

// OpenMapped opens path and maps its full contents read-only.
func OpenMapped(path string) (*MappedFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &MappedFile{f: f, data: nil}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("blob: mmap %s: %w", path, err)
	}
	return &MappedFile{f: f, data: data}, nil
}

// Bytes returns the whole mapped file as a slice. The slice is only
// valid until Close.
func (m *MappedFile) Bytes() []byte { return m.data }

// Len returns the mapped file's size in bytes.
func (m *MappedFile) Len() int { return len(m.data) }

// Chunks calls fn with successive views of size chunkSize (the last one
// possibly shorter), each tagged with its absolute file offset, for
// feeding into a Tokenizer without ever copying the mapped bytes.
func (m *MappedFile) Chunks(chunkSize int, fn func(off uint64, data []byte) error) error {
	if chunkSize <= 0 {
		chunkSize = len(m.data)
		if chunkSize == 0 {
			return nil
		}
	}
	for off := 0; off < len(m.data); off += chunkSize {
		end := off + chunkSize
		if end > len(m.data) {
			end = len(m.data)
		}
		if err := fn(uint64(off), m.data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps the file and closes its descriptor.
func (m *MappedFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
	}
	if cerr := m.f.Close(); err == nil {
		err = cerr
	}
	return err
}
