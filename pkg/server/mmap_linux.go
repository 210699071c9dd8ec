//go:build linux

package server

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/flexnbd/flexnbd/internal/errx"
)

// mapFile maps size bytes of f shared read/write, per spec.md §6:
// "Backing file opened O_RDWR | O_SYNC ... size obtained by
// seek-to-end; mapped shared." Grounded on pkg/allocmap/fiemap_linux.go's
// raw golang.org/x/sys/unix usage for the same backing file descriptor.
func mapFile(f *os.File, size int64) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errx.Wrap(ErrBackingFile, err)
	}
	return data, nil
}

func unmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
