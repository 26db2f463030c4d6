//go:build linux || darwin

package blob

import "golang.org/x/sys/unix"

// freeSpace reports the bytes available to unprivileged users on the
// filesystem containing dir.
func freeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, err
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
