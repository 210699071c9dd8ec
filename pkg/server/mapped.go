package server

import (
	"io"
	"os"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// MappedFile owns the memory-mapped backing file shared read/write by
// every session and the mirror engine (spec.md §3: "the mapped region is
// shared read/write with all sessions"). No lock guards individual
// bytes: correctness relies on clients not racing themselves over the
// same bytes, exactly as with any block device (spec.md §9).
type MappedFile struct {
	file *os.File
	data []byte
	size int64
}

// openMappedFile opens path O_RDWR|O_SYNC, seeks to end for the size,
// and maps it shared (spec.md §6).
func openMappedFile(path string) (*MappedFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0644)
	if err != nil {
		return nil, errx.Wrap(ErrBackingFile, err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, errx.Wrap(ErrBackingFile, err)
	}

	data, err := mapFile(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &MappedFile{file: f, data: data, size: size}, nil
}

// Close unmaps the region and closes the backing file.
func (m *MappedFile) Close() error {
	if err := unmapFile(m.data); err != nil {
		return errx.Wrap(ErrBackingFile, err)
	}
	return m.file.Close()
}

// Size returns the mapped region's length in bytes.
func (m *MappedFile) Size() int64 { return m.size }

// ReadAt implements io.ReaderAt semantics against the mapped region.
func (m *MappedFile) ReadAt(buf []byte, off int64) (int, error) {
	n := copy(buf, m.data[off:])
	return n, nil
}

// WriteAt implements io.WriterAt semantics against the mapped region.
func (m *MappedFile) WriteAt(buf []byte, off int64) (int, error) {
	n := copy(m.data[off:], buf)
	return n, nil
}

// File returns the backing *os.File, for ioctl-based extent enumeration
// (pkg/allocmap) and status reporting.
func (m *MappedFile) File() *os.File { return m.file }
