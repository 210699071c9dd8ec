//go:build linux

package allocmap

import (
	"encoding/binary"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FS_IOC_FIEMAP = _IOWR('f', 11, struct fiemap). struct fiemap is a
// 32-byte header (fm_start, fm_length uint64; fm_flags, fm_mapped_extents,
// fm_extent_count, fm_reserved uint32) followed by fm_extent_count
// fiemap_extent records (56 bytes each: fe_logical, fe_physical, fe_length
// uint64; fe_reserved64[2] uint64; fe_flags uint32; fe_reserved[3] uint32).
const (
	fiemapIoctl = 0xC020660B

	fiemapHeaderSize = 32
	fiemapExtentSize = 56

	fiemapExtentLast = 0x00000001
)

type extentSourceLinux struct {
	fd int
}

func newExtentSource(f *os.File) extentSource {
	return &extentSourceLinux{fd: int(f.Fd())}
}

func (s *extentSourceLinux) Next(start, maxLen uint64, maxCount int) ([]extent, bool) {
	bufLen := fiemapHeaderSize + maxCount*fiemapExtentSize
	buf := make([]byte, bufLen)

	binary.LittleEndian.PutUint64(buf[0:8], start)
	binary.LittleEndian.PutUint64(buf[8:16], maxLen)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(maxCount))

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), uintptr(fiemapIoctl), uintptr(unsafe.Pointer(&buf[0])))
	if errno != 0 {
		return nil, false
	}

	mapped := binary.LittleEndian.Uint32(buf[20:24])
	exts := make([]extent, 0, mapped)
	for i := uint32(0); i < mapped; i++ {
		off := fiemapHeaderSize + int(i)*fiemapExtentSize
		logical := binary.LittleEndian.Uint64(buf[off : off+8])
		length := binary.LittleEndian.Uint64(buf[off+16 : off+24])
		flags := binary.LittleEndian.Uint32(buf[off+40 : off+44])
		exts = append(exts, extent{
			logical: logical,
			length:  length,
			last:    flags&fiemapExtentLast != 0,
		})
	}
	return exts, true
}
