// Package bitset implements a fixed-resolution bitmap over a byte range.
//
// Bit i represents the half-open logical byte range
// [i*resolution, (i+1)*resolution). Every exported method accepts logical
// byte offsets and lengths; callers never deal with bit indices directly.
package bitset

// Bitset is a bitmap with a fixed per-bit byte resolution. The zero value
// is not usable; construct with New.
type Bitset struct {
	bits       []byte
	resolution int64
	numBits    int64
	size       int64
}

// New allocates a Bitset covering [0, sizeBytes) at the given resolution
// (bytes per bit). sizeBytes need not be a multiple of resolution; the
// final bit covers the trailing partial range.
func New(sizeBytes, resolution int64) *Bitset {
	if resolution <= 0 {
		panic("bitset: resolution must be positive")
	}
	numBits := (sizeBytes + resolution - 1) / resolution
	return &Bitset{
		bits:       make([]byte, (numBits+7)/8),
		resolution: resolution,
		numBits:    numBits,
		size:       sizeBytes,
	}
}

// Resolution returns the configured bytes-per-bit.
func (b *Bitset) Resolution() int64 { return b.resolution }

// Size returns the logical byte range the Bitset was constructed over.
func (b *Bitset) Size() int64 { return b.size }

func (b *Bitset) firstBit(off int64) int64 { return off / b.resolution }

func (b *Bitset) lastBit(off, length int64) int64 {
	end := off + length
	return (end + b.resolution - 1) / b.resolution
}

func (b *Bitset) setBit(i int64) {
	b.bits[i/8] |= 1 << uint(i%8)
}

func (b *Bitset) clearBit(i int64) {
	b.bits[i/8] &^= 1 << uint(i%8)
}

func (b *Bitset) testBit(i int64) bool {
	return b.bits[i/8]&(1<<uint(i%8)) != 0
}

// SetRange sets every bit touching [off, off+length). Ranges are converted
// to bits by rounding the start down and the end up; the whole affected
// bits are set, not just the logical sub-range. Callers are
// responsible for keeping off/length within [0, Size()).
func (b *Bitset) SetRange(off, length int64) {
	if length <= 0 {
		return
	}
	first := b.firstBit(off)
	last := b.lastBit(off, length)
	for i := first; i < last; i++ {
		b.setBit(i)
	}
}

// ClearRange clears every bit touching [off, off+length), with the same
// rounding as SetRange.
func (b *Bitset) ClearRange(off, length int64) {
	if length <= 0 {
		return
	}
	first := b.firstBit(off)
	last := b.lastBit(off, length)
	for i := first; i < last; i++ {
		b.clearBit(i)
	}
}

// IsSetAt reports the bit covering the logical byte offset off.
func (b *Bitset) IsSetAt(off int64) bool {
	i := b.firstBit(off)
	if i >= b.numBits {
		return false
	}
	return b.testBit(i)
}

// RunCount returns the number of logical bytes, starting at off, before
// the bit value changes from the value of the bit at off, capped at
// maxLen. It underpins both sparse-write batching (pkg/session) and
// mirror-pass batching (pkg/mirror).
func (b *Bitset) RunCount(off, maxLen int64) int64 {
	if maxLen <= 0 {
		return 0
	}
	start := b.firstBit(off)
	if start >= b.numBits {
		return maxLen
	}
	want := b.testBit(start)

	runBits := int64(1)
	for i := start + 1; i < b.numBits && b.testBit(i) == want; i++ {
		runBits++
	}

	runBytes := runBits*b.resolution - (off - start*b.resolution)
	if runBytes > maxLen {
		return maxLen
	}
	return runBytes
}

// SetAll marks every bit set.
func (b *Bitset) SetAll() {
	for i := range b.bits {
		b.bits[i] = 0xff
	}
}

// ClearAll marks every bit clear.
func (b *Bitset) ClearAll() {
	for i := range b.bits {
		b.bits[i] = 0
	}
}
