package session

import "encoding/binary"

// isAllZero is the fast early-exit all-zero test behind spec.md §4.5 step
// 4b, grounded on original_source/src/ioutil.c's is_all_zero: a
// word-at-a-time compare with a byte-wise tail, so a single non-zero byte
// near the front of a large page short-circuits immediately.
func isAllZero(buf []byte) bool {
	n := len(buf)
	i := 0
	for ; i+8 <= n; i += 8 {
		if binary.LittleEndian.Uint64(buf[i:i+8]) != 0 {
			return false
		}
	}
	for ; i < n; i++ {
		if buf[i] != 0 {
			return false
		}
	}
	return true
}
