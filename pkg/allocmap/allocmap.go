// Package allocmap builds the allocation bitmap (spec.md §4.2): one bit
// per 4096-byte page of a backing file, set wherever the filesystem
// reports the file actually occupies disk blocks.
package allocmap

import (
	"errors"
	"os"

	"github.com/flexnbd/flexnbd/pkg/bitset"
)

// Resolution is the fixed allocation-map page size.
const Resolution = 4096

// ErrExtentQuery names the condition where the filesystem's
// extent-mapping facility cannot be queried. extentSource implementations
// report it as ok=false rather than returning this error, and per spec.md
// §4.2 it is not propagated to Build's caller as a fatal error: Build
// returns a nil map, and callers (pkg/session) must then always write
// literally, never optimizing for sparseness.
var ErrExtentQuery = errors.New("allocmap: extent query failed")

// extent is one reported allocated range of the backing file, in bytes.
type extent struct {
	logical uint64
	length  uint64
	last    bool
}

// extentSource enumerates a file's allocated extents in bounded chunks,
// so a single call never blocks for the whole file. The real
// implementation (extentSourceLinux, build-tag linux) queries FIEMAP;
// other platforms have no implementation and Build degrades to a nil
// map, matching spec.md's "absence is tolerated" failure mode.
type extentSource interface {
	// Next returns the extents overlapping [start, start+maxLen), up to
	// maxCount of them. It returns ok=false when the source cannot be
	// queried at all (caller gives up and returns a nil map).
	Next(start, maxLen uint64, maxCount int) (exts []extent, ok bool)
}

// Build queries f's extent map in bounded chunks and returns a Bitset
// with one bit set per allocation-resolution page any reported extent
// overlaps. It returns nil if extent enumeration is unavailable or
// fails, per the "null map means don't optimize" contract.
func Build(f *os.File, size int64) *bitset.Bitset {
	src := newExtentSource(f)
	if src == nil {
		return nil
	}
	return build(src, size)
}

func build(src extentSource, size int64) *bitset.Bitset {
	const (
		chunkLen   = 256 << 20 // bounded request length per call
		chunkCount = 256       // bounded extent count per call
	)

	bm := bitset.New(size, Resolution)
	cursor := uint64(0)
	usize := uint64(size)

	for cursor < usize {
		reqLen := uint64(chunkLen)
		if cursor+reqLen > usize {
			reqLen = usize - cursor
		}

		exts, ok := src.Next(cursor, reqLen, chunkCount)
		if !ok {
			return nil
		}

		if len(exts) == 0 {
			cursor += reqLen
			continue
		}

		last := exts[len(exts)-1]
		for _, e := range exts {
			bm.SetRange(int64(e.logical), int64(e.length))
		}
		cursor = last.logical + last.length
		if last.last {
			break
		}
	}

	return bm
}
