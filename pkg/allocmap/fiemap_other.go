//go:build !linux

package allocmap

import "os"

// newExtentSource has no implementation outside Linux (FIEMAP is a
// Linux-specific ioctl). Build degrades to a nil map on these platforms,
// matching spec.md §4.2's "absence is tolerated" failure mode.
func newExtentSource(f *os.File) extentSource {
	return nil
}
