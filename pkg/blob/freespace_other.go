//go:build !(linux || darwin)

package blob

import "math"

// freeSpace is unavailable on this platform; report unlimited so the
// free-space check never blocks writes.
func freeSpace(dir string) (uint64, error) {
	return math.MaxUint64, nil
}
